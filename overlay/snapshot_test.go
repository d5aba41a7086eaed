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

func TestListSnapshotsEmpty(t *testing.T) {
	o := newTestOverlay(t)
	snaps, err := o.ListSnapshots()
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestListSnapshotsSorted(t *testing.T) {
	o := newTestOverlay(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, os.MkdirAll(filepath.Join(o.Root(), SnapshotsDir, name), 0o755))
	}
	snaps, err := o.ListSnapshots()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, snaps)
}

func TestMustNotExist(t *testing.T) {
	o := newTestOverlay(t)
	require.NoError(t, o.MustNotExist("new.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(o.Root(), "existing.txt"), []byte("x"), 0o644))
	err := o.MustNotExist("existing.txt")
	require.ErrorIs(t, err, unix.EROFS)
}

func TestBackupSnapshotCopiesPreImage(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("original"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, SnapshotsDir, "snap1"), 0o755))

	require.NoError(t, o.BackupSnapshot("a.txt"))

	data, err := os.ReadFile(filepath.Join(root, SnapshotsDir, "snap1", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestBackupSnapshotDoesNotOverwriteExistingPreImage(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("second-version"), 0o644))
	snapDir := filepath.Join(root, SnapshotsDir, "snap1")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "a.txt"), []byte("first-version"), 0o644))

	require.NoError(t, o.BackupSnapshot("a.txt"))

	data, err := os.ReadFile(filepath.Join(snapDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "first-version", string(data))
}

func TestBackupSnapshotMaterializesMissingAncestors(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "c.txt"), []byte("deep"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, SnapshotsDir, "snap1"), 0o755))

	require.NoError(t, o.BackupSnapshot(filepath.Join("a", "b", "c.txt")))

	data, err := os.ReadFile(filepath.Join(root, SnapshotsDir, "snap1", "a", "b", "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "deep", string(data))
}

func TestWhiteoutSnapshotInstallsMarker(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	snapDir := filepath.Join(root, SnapshotsDir, "snap1")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))

	require.NoError(t, o.WhiteoutSnapshot("new.txt"))

	var st unix.Stat_t
	require.NoError(t, unix.Lstat(filepath.Join(snapDir, "new.txt"), &st))
	require.True(t, isSocketStat(&st))
}

func TestWhiteoutSnapshotSkipsAlreadyShadowed(t *testing.T) {
	o := newTestOverlay(t)
	root := o.Root()
	snapDir := filepath.Join(root, SnapshotsDir, "snap1")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "new.txt"), []byte("override"), 0o644))

	require.NoError(t, o.WhiteoutSnapshot("new.txt"))

	data, err := os.ReadFile(filepath.Join(snapDir, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "override", string(data))
}
