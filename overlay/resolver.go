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
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"golang.org/x/sys/unix"
)

// invalidPhysicalPath is returned by Resolve for a whited-out entry. It
// embeds a NUL byte so every subsequent unix syscall taking it fails at the
// string-conversion step with EINVAL, without the dispatcher needing to
// special-case whiteouts itself.
const invalidPhysicalPath = "\x00-whiteout"

// join maps a root-relative path to a physical path under o.root. It prefers
// fs.RootPath for the parent directory, which resolves the join the same
// symlink-safe way the snapshotter's diff-apply code resolves layer paths
// (rejecting any escape from root via ".." or a symlinked component); the
// leaf component is appended unevaluated, so a symlink leaf names the link
// itself and the callers' Lstat/Readlink see it as a link. A leaf that
// doesn't exist yet (as for a pending create) is not an error either, but if
// resolution fails for some other reason we still want to hand the
// dispatcher a deterministic path and let the subsequent syscall report the
// real error, so we fall back to a plain join.
func (o *Overlay) join(rel string) string {
	dir, base := filepath.Split(rel)
	if real, err := fs.RootPath(o.root, dir); err == nil {
		return filepath.Join(real, base)
	}
	return filepath.Join(o.root, rel)
}

// Resolve maps a virtual path as received from the bridge to a physical path
// in the backing store, applying the snapshot overlay rules of §4.1.
func (o *Overlay) Resolve(virtual string) string {
	trimmed := virtualClean(virtual)
	snap, rest, ok := splitSnapshot(trimmed)
	if !ok {
		return o.join(trimmed)
	}
	if rest == "" {
		return o.join(filepath.Join(SnapshotsDir, snap))
	}

	snapRoot := o.join(filepath.Join(SnapshotsDir, snap))
	var rootStat unix.Stat_t
	if err := unix.Stat(snapRoot, &rootStat); err != nil || rootStat.Mode&unix.S_IFMT != unix.S_IFDIR {
		// The snapshot does not exist; defer the error to the OS by
		// mapping straight into the live tree.
		return o.join(trimmed)
	}

	overridePath := o.join(filepath.Join(SnapshotsDir, snap, rest))
	var st unix.Stat_t
	if err := unix.Lstat(overridePath, &st); err != nil {
		return o.join(rest)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		return invalidPhysicalPath
	case unix.S_IFDIR:
		return o.join(rest)
	default:
		return overridePath
	}
}

// SnapPath returns the direct physical path inside the snapshots area
// without applying any overlay logic, for use as a fallback when the
// live-resolved path can't be opened.
func (o *Overlay) SnapPath(virtual string) string {
	return o.join(virtualClean(virtual))
}

// LivePath maps virtual straight into the live tree, ignoring any snapshot
// overlay — even when virtual is itself inside .snapshots/. This is the
// basis the Directory Merger reads from: a directory is never bulk-copied
// into a snapshot, so the live tree (not whatever happens to be
// materialized under the snapshot) is always the merge's base listing.
func (o *Overlay) LivePath(virtual string) string {
	trimmed := virtualClean(virtual)
	if _, rest, ok := splitSnapshot(trimmed); ok {
		return o.join(rest)
	}
	return o.join(trimmed)
}
