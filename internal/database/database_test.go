package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	var version1 int
	require.NoError(t, db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version1))

	// Running migrations again must not error or duplicate rows (spec P7).
	require.NoError(t, db.Migrate())

	var version2 int
	require.NoError(t, db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version2))
	require.Equal(t, version1, version2)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", version1).Scan(&count))
	require.Equal(t, 1, count)

	var schemaVersion string
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&schemaVersion))
	require.Equal(t, "1", schemaVersion)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "contacts.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, path, db.Path())
}
