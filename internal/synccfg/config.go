// Package synccfg holds the persisted sync configuration and the
// background scheduler and activity ledger built on top of it (spec
// §4.F). The config record lives as a single JSON blob under the
// metadata table's sync_config key, following the same key/value
// JSON-blob pattern the teacher uses for its app_state table.
package synccfg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/database"
)

const metadataKey = "sync_config"

// ConflictResolution selects how the engine should treat a detected
// conflict (spec §4.F).
type ConflictResolution string

const (
	ConflictManual ConflictResolution = "manual"
	ConflictLocal  ConflictResolution = "local"
	ConflictRemote ConflictResolution = "remote"
)

// Config is the persisted sync configuration (spec §4.F).
type Config struct {
	AutoSync                bool               `json:"auto_sync"`
	AutoSyncIntervalMinutes int                `json:"auto_sync_interval_minutes"`
	MaxRetries              int                `json:"max_retries"`
	RetryDelayMs            int                `json:"retry_delay_ms"`
	MaxRetryDelayMs         int                `json:"max_retry_delay_ms"`
	ConflictResolution      ConflictResolution `json:"conflict_resolution"`
	SyncOnStartup           bool               `json:"sync_on_startup"`
	SyncOnImport            bool               `json:"sync_on_import"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		AutoSync:                false,
		AutoSyncIntervalMinutes: 30,
		MaxRetries:              3,
		RetryDelayMs:            1000,
		MaxRetryDelayMs:         30000,
		ConflictResolution:      ConflictManual,
		SyncOnStartup:           false,
		SyncOnImport:            false,
	}
}

// Store persists Config as JSON under the metadata table's sync_config
// key, grounded on the teacher's appstate.Store Get/Set/JSON-wrapper
// shape but targeting this repo's existing metadata table directly
// instead of a separate app_state table.
type Store struct {
	db *database.DB
}

// NewStore wraps a database handle for config persistence.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Get loads the current config, returning DefaultConfig if none has
// been saved yet.
func (s *Store) Get() (Config, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, metadataKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, contacterr.New(contacterr.Store, "synccfg.get", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, contacterr.New(contacterr.Store, "synccfg.get", fmt.Errorf("decode sync_config: %w", err))
	}
	return cfg, nil
}

// Set persists cfg atomically, replacing whatever was stored before.
func (s *Store) Set(cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return contacterr.New(contacterr.Validation, "synccfg.set", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, metadataKey, string(raw))
	if err != nil {
		return contacterr.New(contacterr.Store, "synccfg.set", err)
	}
	return nil
}

// Update loads the current config, applies mutate, and persists the
// result in one call, so a caller changing a single field never has to
// round-trip Get/Set by hand.
func (s *Store) Update(mutate func(*Config)) (Config, error) {
	cfg, err := s.Get()
	if err != nil {
		return Config{}, err
	}
	mutate(&cfg)
	if err := s.Set(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
