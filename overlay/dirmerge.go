/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package overlay

import (
	"os"
	"path/filepath"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// readDirEntries lists physical, the way go-fuse's own loopback filesystem
// does: os.File.Readdir already lstats every child, so there is no
// unknown-d_type case left to special-case by hand.
func readDirEntries(physical string) ([]fuse.DirEntry, error) {
	f, err := os.Open(physical)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []fuse.DirEntry
	for {
		infos, err := f.Readdir(256)
		for _, info := range infos {
			d := fuse.DirEntry{Name: info.Name()}
			if st := fuse.ToStatT(info); st != nil {
				d.Mode = uint32(st.Mode)
			}
			out = append(out, d)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

// mergeSnapshotDir applies the Directory Merger transformations of §4.4 to a
// live directory listing obtained for the snapshot virtual path dir. A
// directory is never bulk-copied into a snapshot: only individual children
// are materialized as they are mutated, so the result is a genuine union of
// the live listing (patched/filtered by whatever overrides or whiteouts
// exist locally) and any snapshot-local entry that has no live counterpart
// at all — e.g. a file unlinked from the live tree after the snapshot was
// taken, whose pre-image now lives only under the snapshot.
func (o *Overlay) mergeSnapshotDir(dir string, liveEntries []fuse.DirEntry) []fuse.DirEntry {
	snap, rest, ok := splitSnapshot(virtualClean(dir))
	if !ok {
		return liveEntries
	}

	overrideDir := o.snapshotPath(snap, rest)
	localEntries, _ := readDirEntries(overrideDir) // missing dir: no overrides yet

	local := make(map[string]unix.Stat_t, len(localEntries))
	for _, e := range localEntries {
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(overrideDir, e.Name), &st); err == nil {
			local[e.Name] = st
		}
	}

	out := make([]fuse.DirEntry, 0, len(liveEntries)+len(localEntries))
	seen := make(map[string]bool, len(liveEntries))
	for _, e := range liveEntries {
		if e.Name == SnapshotsDir {
			continue
		}
		seen[e.Name] = true
		if st, overridden := local[e.Name]; overridden {
			if isSocketStat(&st) {
				continue // whiteout: the path is absent from this snapshot
			}
			e.Mode = st.Mode
		}
		out = append(out, e)
	}
	for _, e := range localEntries {
		if e.Name == SnapshotsDir || seen[e.Name] {
			continue
		}
		st, overridden := local[e.Name]
		if !overridden || isSocketStat(&st) {
			continue
		}
		e.Mode = st.Mode
		out = append(out, e)
	}
	return out
}
