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
	"sort"

	"github.com/containerd/continuity/fs"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ListSnapshots returns the names of every existing snapshot, sorted for
// deterministic iteration. A missing .snapshots directory is "no snapshots",
// not an error.
func (o *Overlay) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(o.root, SnapshotsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list snapshots")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// snapshotPath returns the physical path of rel (root-relative, no leading
// slash) inside snapshot s.
func (o *Overlay) snapshotPath(s, rel string) string {
	return o.join(filepath.Join(SnapshotsDir, s, rel))
}

// MustNotExist is the precondition check for a live-tree creation at rel
// (root-relative). It rejects with EROFS if something already exists there,
// matching the source's choice of errno (see SPEC_FULL.md §9): the live
// tree must never silently clobber a value a snapshot may still need.
func (o *Overlay) MustNotExist(rel string) error {
	if err := unix.Lstat(filepath.Join(o.root, rel), new(unix.Stat_t)); err == nil {
		return unix.EROFS
	}
	return nil
}

// BackupSnapshot materializes, for every existing snapshot that does not yet
// have an entry at rel, a pre-image copy of the live path rel. It must be
// called before any operation that destroys or overwrites rel's current
// content. Concurrent calls for the same rel are coalesced into one
// materialization pass.
func (o *Overlay) BackupSnapshot(rel string) error {
	_, err, _ := o.backupGroup.Do(rel, func() (interface{}, error) {
		return nil, o.backupSnapshotLocked(rel)
	})
	return err
}

func (o *Overlay) backupSnapshotLocked(rel string) error {
	snaps, err := o.ListSnapshots()
	if err != nil {
		return err
	}
	from := filepath.Join(o.root, rel)
	var result *multierror.Error
	for _, s := range snaps {
		to := o.snapshotPath(s, rel)
		if err := o.copyForBackup(from, to); err != nil {
			o.log.WithError(err).WithField("snapshot", s).WithField("path", rel).
				Warn("overlay: failed to materialize snapshot backup")
			result = multierror.Append(result, errors.Wrapf(err, "snapshot %s", s))
			continue
		}
		o.log.WithField("snapshot", s).WithField("path", rel).Debug("overlay: backed up pre-image")
	}
	return result.ErrorOrNil()
}

// copyForBackup materializes to from from, creating ancestor directories
// (shallowest first) as needed, without overwriting an entry that already
// exists — an existing entry already captures its own pre-image.
func (o *Overlay) copyForBackup(from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := o.ensureAncestors(from, to); err != nil {
		return err
	}

	info, err := os.Lstat(from)
	if err != nil {
		// The live path is already gone (e.g. a second, faster mutation
		// beat us to it); nothing to preserve.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.Mkdir(to, info.Mode().Perm())
	}
	if err := fs.CopyFile(to, from); err != nil {
		return err
	}
	// fs.CopyFile copies content only; carry over mode, owner and
	// timestamps so the pre-image survives a chmod, chown or utimens too.
	var st unix.Stat_t
	if err := unix.Lstat(from, &st); err != nil {
		return err
	}
	if err := unix.Chmod(to, st.Mode&07777); err != nil {
		return err
	}
	_ = unix.Lchown(to, int(st.Uid), int(st.Gid)) // needs privilege to change owner
	return unix.UtimesNano(to, []unix.Timespec{st.Atim, st.Mtim})
}

// ensureAncestors walks up the parent chain of (from, to) and materializes
// any snapshot-side ancestor directory that is still missing, shallowest
// first, so a deep tree never needs true recursion.
func (o *Overlay) ensureAncestors(from, to string) error {
	var fromStack, toStack []string
	for {
		toParent := filepath.Dir(to)
		if toParent == to || toParent == "." || toParent == string(filepath.Separator) {
			break
		}
		if _, err := os.Lstat(toParent); err == nil {
			break
		}
		fromStack = append(fromStack, filepath.Dir(from))
		toStack = append(toStack, toParent)
		from, to = filepath.Dir(from), toParent
	}
	for i := len(toStack) - 1; i >= 0; i-- {
		if err := os.Mkdir(toStack[i], 0o755); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// WhiteoutSnapshot installs, for every existing snapshot that does not
// already have an entry at rel, a socket-typed whiteout marker recording
// that rel did not exist in the live tree at snapshot time. It must be
// called before any operation that creates a previously-absent live path.
func (o *Overlay) WhiteoutSnapshot(rel string) error {
	_, err, _ := o.whiteoutGroup.Do(rel, func() (interface{}, error) {
		return nil, o.whiteoutSnapshotLocked(rel)
	})
	return err
}

func (o *Overlay) whiteoutSnapshotLocked(rel string) error {
	snaps, err := o.ListSnapshots()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, s := range snaps {
		target := o.snapshotPath(s, rel)
		from := filepath.Join(o.root, rel)
		if err := o.ensureAncestors(from, target); err != nil {
			o.log.WithError(err).WithField("snapshot", s).WithField("path", rel).
				Warn("overlay: failed to materialize whiteout ancestors")
			result = multierror.Append(result, errors.Wrapf(err, "snapshot %s ancestors", s))
			continue
		}
		if err := unix.Mknod(target, unix.S_IFSOCK, 0); err != nil {
			if err == unix.EEXIST {
				// An entry is already there (override or earlier
				// whiteout); it already shadows the live tree.
				continue
			}
			o.log.WithError(err).WithField("snapshot", s).WithField("path", rel).
				Warn("overlay: failed to install whiteout")
			result = multierror.Append(result, errors.Wrapf(err, "snapshot %s", s))
			continue
		}
		o.log.WithField("snapshot", s).WithField("path", rel).Debug("overlay: installed whiteout")
	}
	return result.ErrorOrNil()
}
