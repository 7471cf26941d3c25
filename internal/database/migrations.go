package database

// Migration represents a single forward-only schema change.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations, applied in order.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Key/value metadata: schema_version marker and the JSON-encoded
			-- sync config (spec §3 Metadata, §4.F SyncConfig).
			CREATE TABLE IF NOT EXISTS metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Local contact cache (spec §3 StoredContact).
			CREATE TABLE IF NOT EXISTS contacts (
				contact_id TEXT PRIMARY KEY,
				contact_data TEXT NOT NULL,
				contact_metadata TEXT NOT NULL DEFAULT '{}',
				data_hash TEXT NOT NULL,
				synced_to_api INTEGER NOT NULL DEFAULT 0,
				last_modified DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				import_session_id TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_contacts_data_hash ON contacts(data_hash);
			CREATE INDEX IF NOT EXISTS idx_contacts_import_session ON contacts(import_session_id);
			CREATE INDEX IF NOT EXISTS idx_contacts_unsynced ON contacts(synced_to_api) WHERE synced_to_api = 0;

			-- Pending/approved/syncing/synced/failed change queue (spec §3 QueueItem, §4.C).
			CREATE TABLE IF NOT EXISTS sync_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contact_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				data_before TEXT,
				data_after TEXT,
				data_hash_after TEXT,
				reviewed INTEGER NOT NULL DEFAULT 0,
				approved INTEGER,
				sync_status TEXT NOT NULL DEFAULT 'pending',
				error_message TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				reviewed_at DATETIME,
				synced_at DATETIME,
				retry_count INTEGER NOT NULL DEFAULT 0,
				import_session_id TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(sync_status);
			CREATE INDEX IF NOT EXISTS idx_sync_queue_contact ON sync_queue(contact_id);
			CREATE INDEX IF NOT EXISTS idx_sync_queue_session ON sync_queue(import_session_id);

			-- CSV/vCard import sessions (spec §3 ImportSession, §4.E).
			CREATE TABLE IF NOT EXISTS import_history (
				session_id TEXT PRIMARY KEY,
				csv_filename TEXT NOT NULL,
				csv_hash TEXT NOT NULL,
				started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at DATETIME,
				total_rows INTEGER NOT NULL DEFAULT 0,
				parsed_contacts INTEGER NOT NULL DEFAULT 0,
				matched_contacts INTEGER NOT NULL DEFAULT 0,
				new_contacts INTEGER NOT NULL DEFAULT 0,
				queued_operations INTEGER NOT NULL DEFAULT 0,
				synced_operations INTEGER NOT NULL DEFAULT 0,
				failed_operations INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'in_progress',
				error_message TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_import_history_hash ON import_history(csv_hash);

			-- Row-hash dedup across import sessions (spec §3 CsvRowHash, I8).
			CREATE TABLE IF NOT EXISTS csv_row_hashes (
				row_hash TEXT PRIMARY KEY,
				import_session_id TEXT NOT NULL REFERENCES import_history(session_id) ON DELETE CASCADE,
				contact_id TEXT,
				decision TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_csv_row_hashes_session ON csv_row_hashes(import_session_id);

			-- Append-only activity ledger (spec §4.F).
			CREATE TABLE IF NOT EXISTS api_call_activity (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				endpoint TEXT NOT NULL,
				success INTEGER NOT NULL,
				occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS contact_view_activity (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				contact_id TEXT NOT NULL,
				occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS tool_activity (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				session_id TEXT,
				generated_count INTEGER NOT NULL DEFAULT 0,
				modified_count INTEGER NOT NULL DEFAULT 0,
				occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_tool_activity_session ON tool_activity(session_id);

			-- Bearer/refresh token metadata for the remote contacts API.
			-- Actual token values live in the OS keyring when available; this
			-- table only holds the encrypted fallback and expiry bookkeeping
			-- (mirrors the teacher's contact_source_oauth table).
			CREATE TABLE IF NOT EXISTS oauth_tokens (
				account_key TEXT PRIMARY KEY,
				encrypted_access_token TEXT,
				encrypted_refresh_token TEXT,
				expires_at_ms INTEGER,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
}
