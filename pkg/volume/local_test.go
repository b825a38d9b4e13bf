package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManagerCreatesRoot(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "workspaces")

	mgr, err := NewManager(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, mgr)

	_, err = os.Stat(tmpDir)
	require.NoError(t, err)
}

func TestCreateMakesJobDirectory(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	path, err := mgr.Create("job-1")
	require.NoError(t, err)
	require.Equal(t, mgr.Path("job-1"), path)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestRemoveDeletesJobDirectoryAndContents(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	path, err := mgr.Create("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "out.log"), []byte("hi"), 0o644))

	require.NoError(t, mgr.Remove("job-1"))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRemoveOnAbsentWorkspaceIsNotAnError(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mgr.Remove("never-created"))
}
