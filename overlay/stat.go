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
	"golang.org/x/sys/unix"
)

// attrFromStat fills a fuse.Attr from a raw stat buffer, the Go equivalent
// of the source's stat_to_fuse.
func attrFromStat(st *unix.Stat_t, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Owner = fuse.Owner{Uid: st.Uid, Gid: st.Gid}
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

// lstatAttr lstats physical and fills out, returning the raw errno on
// failure so callers can hand it straight to fuse.ToStatus.
func lstatAttr(physical string, out *fuse.Attr) error {
	var st unix.Stat_t
	if err := unix.Lstat(physical, &st); err != nil {
		return err
	}
	attrFromStat(&st, out)
	return nil
}

// isSocketStat reports whether a stat buffer describes a whiteout marker.
func isSocketStat(st *unix.Stat_t) bool {
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}
