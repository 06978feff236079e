package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root to exercise the overlay mount syscall")
	}
}

func TestNewManagerCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "overlays")
	_, err := NewManager(root)
	require.NoError(t, err)

	fi, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestPrepareRejectsExistingWorkloadDir(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(m.workloadDir("w1"), 0o755))

	_, err = m.Prepare("w1", "sha256:abc", []string{t.TempDir()})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPrepareRejectsEmptyLayerList(t *testing.T) {
	requireRoot(t)
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	_, err = m.Prepare("w1", "sha256:abc", nil)
	require.Error(t, err)
}

func TestPrepareAndCleanupRoundTrip(t *testing.T) {
	requireRoot(t)
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	lower1 := t.TempDir()
	lower2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(lower1, "from-base.txt"), []byte("base"), 0o644))

	info, err := m.Prepare("w1", "sha256:abc", []string{lower2, lower1})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.workloadDir("w1"), "merged"), info.MergedPath)

	data, err := os.ReadFile(filepath.Join(info.MergedPath, "from-base.txt"))
	require.NoError(t, err)
	require.Equal(t, "base", string(data))

	require.NoError(t, m.Cleanup("w1"))
	_, ok := m.Get("w1")
	require.False(t, ok)
}

func TestCleanupNotFound(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	err = m.Cleanup("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileOnStartupRemovesOrphanDirs(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "orphan")
	require.NoError(t, os.MkdirAll(filepath.Join(orphan, "merged"), 0o755))

	m, err := NewManager(root)
	require.NoError(t, err)

	require.NoError(t, m.ReconcileOnStartup())

	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}

func TestMountOverlayRejectsEmptyLayers(t *testing.T) {
	err := mountOverlay(nil, "/tmp/upper", "/tmp/work", "/tmp/merged")
	require.Error(t, err)
}

func TestMountOverlayNonRootFailsRatherThanPanics(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root: this test only checks the non-root error path")
	}
	err := mountOverlay([]string{"/tmp/base", "/tmp/top"}, "/tmp/upper", "/tmp/work", "/tmp/merged")
	require.Error(t, err)
}
