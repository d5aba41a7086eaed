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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestOverlay(t *testing.T) *Overlay {
	t.Helper()
	root := t.TempDir()
	return New(root, nil)
}

func TestIsSnapshotClassification(t *testing.T) {
	o := newTestOverlay(t)

	require.False(t, o.IsSnapshot("/"))
	require.False(t, o.IsSnapshot("/foo/bar"))
	require.False(t, o.IsSnapshot("/"+SnapshotsDir))
	require.True(t, o.IsSnapshot("/"+SnapshotsDir+"/snap1"))
	require.True(t, o.IsSnapshot("/"+SnapshotsDir+"/snap1/dir/file"))

	require.False(t, o.IsInSnapshot("/"+SnapshotsDir+"/snap1"))
	require.True(t, o.IsInSnapshot("/"+SnapshotsDir+"/snap1/dir/file"))
}

func TestParentVirtual(t *testing.T) {
	require.Equal(t, "/"+SnapshotsDir, parentVirtual("/"+SnapshotsDir+"/newsnap"))
	require.Equal(t, "/"+SnapshotsDir+"/snap1", parentVirtual("/"+SnapshotsDir+"/snap1/newfile"))
	require.Equal(t, "/", parentVirtual("/top"))
}

func TestResolveLiveTree(t *testing.T) {
	o := newTestOverlay(t)
	require.NoError(t, os.WriteFile(filepath.Join(o.Root(), "a.txt"), []byte("hi"), 0o644))

	require.Equal(t, filepath.Join(o.Root(), "a.txt"), o.Resolve("/a.txt"))
}

func TestResolveMissingSnapshotFallsThroughToLive(t *testing.T) {
	o := newTestOverlay(t)
	require.NoError(t, os.WriteFile(filepath.Join(o.Root(), "a.txt"), []byte("hi"), 0o644))

	// No snapshot named "ghost" exists, so resolving inside it must defer
	// the ENOENT to the caller via the live path rather than panicking.
	got := o.Resolve("/" + SnapshotsDir + "/ghost/a.txt")
	require.Equal(t, filepath.Join(o.Root(), SnapshotsDir, "ghost", "a.txt"), got)
}

func TestResolveSnapshotOverrideAndInherit(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("live"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "untouched.txt"), []byte("same"), 0o644))

	snapDir := filepath.Join(root, SnapshotsDir, "snap1")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "a.txt"), []byte("pre-image"), 0o644))

	// Overridden file resolves inside the snapshot.
	require.Equal(t, filepath.Join(snapDir, "a.txt"), o.Resolve("/"+SnapshotsDir+"/snap1/a.txt"))

	// Untouched file inherits from the live tree.
	require.Equal(t, filepath.Join(root, "untouched.txt"), o.Resolve("/"+SnapshotsDir+"/snap1/untouched.txt"))
}

func TestResolveWhiteoutIsUnopenable(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("x"), 0o644))

	snapDir := filepath.Join(root, SnapshotsDir, "snap1")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, unix.Mknod(filepath.Join(snapDir, "gone.txt"), unix.S_IFSOCK, 0))

	physical := o.Resolve("/" + SnapshotsDir + "/snap1/gone.txt")
	_, err := os.Open(physical)
	require.Error(t, err)
}
