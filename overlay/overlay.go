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

// Package overlay implements a mirrored, copy-on-write-snapshotted view of a
// backing directory tree: a virtual path resolves either to the live tree or,
// under .snapshots/<name>/, to a lazily materialized pre-image of the live
// tree as of the moment the snapshot was created.
package overlay

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SnapshotsDir is the reserved top-level name under which every snapshot
// root lives.
const SnapshotsDir = ".snapshots"

// AttrTTL is the TTL reported to the kernel for stat and directory-entry
// caching, matching the source's one-second TTL.
const AttrTTL = time.Second

// Overlay is the namespace overlay and copy-on-write engine described by the
// Path Resolver, Snapshot Engine and Directory Merger components. It holds
// no other state than the backing-store root and a per-path dedup group for
// concurrent materializations, so a single Overlay can safely back every
// concurrent FUSE request.
type Overlay struct {
	root string
	log  *logrus.Entry

	backupGroup   singleflight.Group
	whiteoutGroup singleflight.Group
}

// New returns an Overlay rooted at root. root must be an existing directory;
// the caller is expected to have validated this already (e.g. the CLI).
func New(root string, log *logrus.Entry) *Overlay {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Overlay{root: filepath.Clean(root), log: log}
}

// Root returns the backing-store root T.
func (o *Overlay) Root() string {
	return o.root
}

func virtualClean(virtual string) string {
	return strings.TrimPrefix(filepath.Clean("/"+virtual), "/")
}

// splitSnapshot splits a cleaned, slash-stripped virtual path into its
// snapshot name and the relative path inside that snapshot. ok is false for
// any path not strictly inside .snapshots/ — the bare ".snapshots" path
// itself does not count, matching the source's is_snapshot semantics
// ("at least one further path component").
func splitSnapshot(trimmed string) (snap, rest string, ok bool) {
	if trimmed != SnapshotsDir && !strings.HasPrefix(trimmed, SnapshotsDir+"/") {
		return "", "", false
	}
	child := strings.TrimPrefix(strings.TrimPrefix(trimmed, SnapshotsDir), "/")
	if child == "" {
		return "", "", false
	}
	parts := strings.SplitN(child, "/", 2)
	snap = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return snap, rest, true
}

// IsSnapshot reports whether virtual names the snapshot root itself or
// anything beneath it: /.snapshots/<snap>[/...].
func (o *Overlay) IsSnapshot(virtual string) bool {
	_, _, ok := splitSnapshot(virtualClean(virtual))
	return ok
}

// IsInSnapshot reports whether virtual names a path strictly inside a
// specific snapshot (not the snapshot root /.snapshots/<snap> itself).
func (o *Overlay) IsInSnapshot(virtual string) bool {
	snap, rest, ok := splitSnapshot(virtualClean(virtual))
	return ok && snap != "" && rest != ""
}

// parentVirtual returns the virtual parent directory of virtual, in the same
// slash-prefixed form the dispatcher passes around.
func parentVirtual(virtual string) string {
	dir := filepath.Dir("/" + virtualClean(virtual))
	return dir
}
