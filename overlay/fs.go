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
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"golang.org/x/sys/unix"
)

// Dispatcher is the Operation Dispatcher: a pathfs.FileSystem that enforces
// the snapshot read-only policy, invokes the Snapshot Engine's
// pre-modification hooks, and forwards everything else to the OS via the
// Path Resolver. It carries no state of its own beyond the embedded
// *Overlay, so it is safe to call concurrently from every go-fuse worker.
type Dispatcher struct {
	pathfs.FileSystem
	ov *Overlay
}

// NewDispatcher wraps ov as a pathfs.FileSystem ready to be passed to
// pathfs.NewPathNodeFs.
func NewDispatcher(ov *Overlay) *Dispatcher {
	return &Dispatcher{FileSystem: pathfs.NewDefaultFileSystem(), ov: ov}
}

func (d *Dispatcher) String() string {
	return "snapfs(" + d.ov.Root() + ")"
}

// rejectInSnapshot enforces invariant 4/5 of SPEC_FULL.md §3: nothing under
// a snapshot may be mutated once created.
func (d *Dispatcher) rejectInSnapshot(virtual string) fuse.Status {
	if d.ov.IsSnapshot(virtual) {
		return fuse.EROFS
	}
	return fuse.OK
}

func (d *Dispatcher) rejectParentInSnapshot(virtual string) fuse.Status {
	return d.rejectInSnapshot(parentVirtual(virtual))
}

// --- read operations -------------------------------------------------

func (d *Dispatcher) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	out := &fuse.Attr{}
	if err := lstatAttr(d.ov.Resolve(name), out); err != nil {
		return nil, fuse.ToStatus(err)
	}
	return out, fuse.OK
}

func (d *Dispatcher) Readlink(name string, context *fuse.Context) (string, fuse.Status) {
	target, err := os.Readlink(d.ov.Resolve(name))
	if err != nil {
		return "", fuse.ToStatus(err)
	}
	return target, fuse.OK
}

func (d *Dispatcher) StatFs(name string) *fuse.StatfsOut {
	var st unix.Statfs_t
	if err := unix.Statfs(d.ov.Resolve(name), &st); err != nil {
		return nil
	}
	return &fuse.StatfsOut{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		NameLen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}
}

func (d *Dispatcher) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	if !d.ov.IsSnapshot(name) {
		entries, err := readDirEntries(d.ov.Resolve(name))
		if err != nil {
			return nil, fuse.ToStatus(err)
		}
		return entries, fuse.OK
	}

	// Directories are never bulk-copied into a snapshot, so the live tree
	// is the base listing to merge with this snapshot's own overrides.
	entries, err := readDirEntries(d.ov.LivePath(name))
	if err != nil {
		// The live directory is gone (e.g. rmdir'd since the snapshot was
		// taken); every surviving child was already individually backed
		// up at removal time, so the snapshot's own copy is authoritative.
		entries, err = readDirEntries(d.ov.SnapPath(name))
	}
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return d.ov.mergeSnapshotDir(name, entries), fuse.OK
}

func (d *Dispatcher) ListXAttr(name string, context *fuse.Context) ([]string, fuse.Status) {
	size, err := unix.Llistxattr(d.ov.Resolve(name), nil)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	if size == 0 {
		return nil, fuse.OK
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(d.ov.Resolve(name), buf)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return splitNulTerminated(buf[:n]), fuse.OK
}

func (d *Dispatcher) GetXAttr(name, attribute string, context *fuse.Context) ([]byte, fuse.Status) {
	physical := d.ov.Resolve(name)
	size, err := unix.Lgetxattr(physical, attribute, nil)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	if size == 0 {
		return nil, fuse.OK
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(physical, attribute, buf)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return buf[:n], fuse.OK
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// --- in-place mutation -------------------------------------------------

func (d *Dispatcher) Chmod(name string, mode uint32, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: chmod backup incomplete")
	}
	return fuse.ToStatus(unix.Chmod(d.ov.Resolve(name), mode))
}

func (d *Dispatcher) Chown(name string, uid, gid uint32, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: chown backup incomplete")
	}
	return fuse.ToStatus(unix.Lchown(d.ov.Resolve(name), int(uid), int(gid)))
}

func (d *Dispatcher) Truncate(name string, size uint64, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: truncate backup incomplete")
	}
	return fuse.ToStatus(unix.Truncate(d.ov.Resolve(name), int64(size)))
}

func (d *Dispatcher) Utimens(name string, atime, mtime *time.Time, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: utimens backup incomplete")
	}
	ts := [2]unix.Timespec{timespecOrOmit(atime), timespecOrOmit(mtime)}
	return fuse.ToStatus(unix.UtimesNanoAt(unix.AT_FDCWD, d.ov.Resolve(name), ts[:], unix.AT_SYMLINK_NOFOLLOW))
}

func timespecOrOmit(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

func (d *Dispatcher) SetXAttr(name, attr string, data []byte, flags int, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	return fuse.ToStatus(unix.Lsetxattr(d.ov.Resolve(name), attr, data, flags))
}

func (d *Dispatcher) RemoveXAttr(name, attr string, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	return fuse.ToStatus(unix.Lremovexattr(d.ov.Resolve(name), attr))
}

// --- creation -------------------------------------------------

func (d *Dispatcher) Mknod(name string, mode uint32, dev uint32, context *fuse.Context) fuse.Status {
	if s := d.rejectParentInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.MustNotExist(rel); err != nil {
		return fuse.ToStatus(err)
	}
	if err := d.ov.WhiteoutSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: mknod whiteout incomplete")
	}
	return fuse.ToStatus(unix.Mknod(d.ov.Resolve(name), mode, int(dev)))
}

func (d *Dispatcher) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	if s := d.rejectParentInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.MustNotExist(rel); err != nil {
		return fuse.ToStatus(err)
	}
	if err := d.ov.WhiteoutSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: mkdir whiteout incomplete")
	}
	if d.ov.IsSnapshot(name) && !d.ov.IsInSnapshot(name) {
		// A new snapshot root: the .snapshots namespace may not exist yet.
		if err := unix.Mkdir(d.ov.Resolve("/"+SnapshotsDir), 0o755); err != nil && err != unix.EEXIST {
			return fuse.ToStatus(err)
		}
	}
	return fuse.ToStatus(unix.Mkdir(d.ov.Resolve(name), mode))
}

func (d *Dispatcher) Symlink(value, linkName string, context *fuse.Context) fuse.Status {
	if s := d.rejectParentInSnapshot(linkName); !s.Ok() {
		return s
	}
	rel := virtualClean(linkName)
	if err := d.ov.MustNotExist(rel); err != nil {
		return fuse.ToStatus(err)
	}
	if err := d.ov.WhiteoutSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: symlink whiteout incomplete")
	}
	return fuse.ToStatus(unix.Symlink(value, d.ov.Resolve(linkName)))
}

func (d *Dispatcher) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	if s := d.rejectParentInSnapshot(name); !s.Ok() {
		return nil, s
	}
	rel := virtualClean(name)
	if err := d.ov.MustNotExist(rel); err != nil {
		return nil, fuse.ToStatus(err)
	}
	if err := d.ov.WhiteoutSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: create whiteout incomplete")
	}
	fd, err := unix.Open(d.ov.Resolve(name), int(flags)|unix.O_CREAT|unix.O_EXCL, mode)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return newUnmanagedFile(fd), fuse.OK
}

// --- destruction and rename -------------------------------------------------

func (d *Dispatcher) Unlink(name string, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: unlink backup incomplete")
	}
	return fuse.ToStatus(unix.Unlink(d.ov.Resolve(name)))
}

func (d *Dispatcher) Rmdir(name string, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(name); !s.Ok() {
		return s
	}
	rel := virtualClean(name)
	if err := d.ov.BackupSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: rmdir backup incomplete")
	}
	return fuse.ToStatus(unix.Rmdir(d.ov.Resolve(name)))
}

func (d *Dispatcher) Rename(oldName, newName string, context *fuse.Context) fuse.Status {
	if s := d.rejectInSnapshot(oldName); !s.Ok() {
		return s
	}
	if s := d.rejectParentInSnapshot(newName); !s.Ok() {
		return s
	}
	oldRel, newRel := virtualClean(oldName), virtualClean(newName)
	if err := d.ov.BackupSnapshot(oldRel); err != nil {
		d.ov.log.WithError(err).WithField("path", oldRel).Warn("overlay: rename backup incomplete")
	}
	if err := d.ov.WhiteoutSnapshot(newRel); err != nil {
		d.ov.log.WithError(err).WithField("path", newRel).Warn("overlay: rename whiteout incomplete")
	}
	return fuse.ToStatus(unix.Rename(d.ov.Resolve(oldName), d.ov.Resolve(newName)))
}

func (d *Dispatcher) Link(oldName, newName string, context *fuse.Context) fuse.Status {
	if s := d.rejectParentInSnapshot(newName); !s.Ok() {
		return s
	}
	rel := virtualClean(newName)
	if err := d.ov.MustNotExist(rel); err != nil {
		return fuse.ToStatus(err)
	}
	if err := d.ov.WhiteoutSnapshot(rel); err != nil {
		d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: link whiteout incomplete")
	}
	return fuse.ToStatus(unix.Link(d.ov.Resolve(oldName), d.ov.Resolve(newName)))
}

// --- file handling -------------------------------------------------

func (d *Dispatcher) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	rel := virtualClean(name)
	if flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		if s := d.rejectInSnapshot(name); !s.Ok() {
			return nil, s
		}
		// First touch of a write-capable handle: the content this
		// handle is about to overwrite must be preserved for every
		// snapshot before the write can land.
		if err := d.ov.BackupSnapshot(rel); err != nil {
			d.ov.log.WithError(err).WithField("path", rel).Warn("overlay: open-for-write backup incomplete")
		}
	}
	physical := d.ov.Resolve(name)
	fd, err := unix.Open(physical, int(flags), 0)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return newUnmanagedFile(fd), fuse.OK
}
