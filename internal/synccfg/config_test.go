package synccfg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreGetReturnsDefaultsWhenUnset(t *testing.T) {
	store := NewStore(newTestDB(t))

	cfg, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestStoreSetThenGetRoundTrips(t *testing.T) {
	store := NewStore(newTestDB(t))

	cfg := DefaultConfig()
	cfg.AutoSync = true
	cfg.AutoSyncIntervalMinutes = 5
	cfg.ConflictResolution = ConflictRemote

	require.NoError(t, store.Set(cfg))

	got, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestStoreSetOverwritesPriorValue(t *testing.T) {
	store := NewStore(newTestDB(t))

	first := DefaultConfig()
	first.MaxRetries = 7
	require.NoError(t, store.Set(first))

	second := DefaultConfig()
	second.MaxRetries = 1
	require.NoError(t, store.Set(second))

	got, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, 1, got.MaxRetries)
}

func TestStoreUpdateMutatesAndPersists(t *testing.T) {
	store := NewStore(newTestDB(t))

	cfg, err := store.Update(func(c *Config) {
		c.AutoSync = true
		c.AutoSyncIntervalMinutes = 15
	})
	require.NoError(t, err)
	require.True(t, cfg.AutoSync)
	require.Equal(t, 15, cfg.AutoSyncIntervalMinutes)

	got, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}
