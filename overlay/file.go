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
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"golang.org/x/sys/unix"
)

// unmanagedFile is the bridge-visible handle for an open regular file. It
// holds a bare integer descriptor rather than an *os.File so that nothing
// but an explicit Release ever closes it: an *os.File's finalizer would
// close the descriptor behind the bridge's back the moment the Go value
// became unreachable, which is exactly the accidental-close this handle
// exists to rule out (§4.5, "Unmanaged File Handle").
type unmanagedFile struct {
	nodefs.File
	fd int
}

func newUnmanagedFile(fd int) nodefs.File {
	return &unmanagedFile{File: nodefs.NewDefaultFile(), fd: fd}
}

func (f *unmanagedFile) String() string {
	return "unmanagedFile"
}

func (f *unmanagedFile) InnerFile() nodefs.File {
	return nil
}

func (f *unmanagedFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, err := unix.Pread(f.fd, dest, off)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (f *unmanagedFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := unix.Pwrite(f.fd, data, off)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (f *unmanagedFile) Flush() fuse.Status {
	// Nothing to flush: every Write already landed with Pwrite. Dup the fd
	// and close the dup only, the conventional way to let the kernel
	// observe close-time errors (e.g. NFS) without touching our own fd.
	newFd, err := unix.Dup(f.fd)
	if err != nil {
		return fuse.ToStatus(err)
	}
	return fuse.ToStatus(unix.Close(newFd))
}

func (f *unmanagedFile) Release() {
	unix.Close(f.fd)
}

func (f *unmanagedFile) Fsync(flags int) fuse.Status {
	if flags != 0 {
		return fuse.ToStatus(unix.Fdatasync(f.fd))
	}
	return fuse.ToStatus(unix.Fsync(f.fd))
}

func (f *unmanagedFile) Truncate(size uint64) fuse.Status {
	return fuse.ToStatus(unix.Ftruncate(f.fd, int64(size)))
}

func (f *unmanagedFile) GetAttr(out *fuse.Attr) fuse.Status {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return fuse.ToStatus(err)
	}
	attrFromStat(&st, out)
	return fuse.OK
}

func (f *unmanagedFile) Chmod(mode uint32) fuse.Status {
	return fuse.ToStatus(unix.Fchmod(f.fd, mode))
}

func (f *unmanagedFile) Chown(uid uint32, gid uint32) fuse.Status {
	return fuse.ToStatus(unix.Fchown(f.fd, int(uid), int(gid)))
}

// Utimens has no simple fd-only syscall wrapper in golang.org/x/sys/unix
// (futimens(2) needs a path for the AT_FDCWD dance on most Go targets), so
// it falls through to the embedded DefaultFile (ENOSYS); the path-based
// Utimens on the dispatcher handles every caller that matters, since the
// kernel always has the virtual path available even when a handle is open.
