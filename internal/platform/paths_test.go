package platform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultStorePathIsRelativeDataContactsDB(t *testing.T) {
	require.Equal(t, filepath.Join("data", "contacts.db"), DefaultStorePath())
}

func TestEnsureDirectoriesCreatesBothDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")

	configDir, dataDir, err := EnsureDirectories()
	require.NoError(t, err)

	require.DirExists(t, configDir)
	require.DirExists(t, dataDir)
}
