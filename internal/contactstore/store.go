// Package contactstore provides transactional persistence for contacts
// over the embedded database (spec §4.B).
package contactstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/contacthash"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/logging"
)

// Store provides contact persistence operations.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new contact store.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("contact-store"),
	}
}

// Filter composes the predicates accepted by Search and Count; all set
// fields are combined with AND (spec §4.B).
type Filter struct {
	Source    *contact.Source
	Synced    *bool
	SessionID *string
	Name      string
	Email     string
	Phone     string
	Limit     int
	Offset    int
}

// execer is satisfied by both *database.DB and *sql.Tx, letting callers
// that already hold a transaction (e.g. the importer's phase 2 apply)
// fold a store write into it instead of opening a second one.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// SaveContact upserts a contact by ID, writing a fresh data hash and
// updating last_modified to now. Returns the data hash.
func (s *Store) SaveContact(c contact.Contact, source contact.Source, sessionID *string, synced bool) (string, error) {
	return s.SaveContactWith(s.db, c, source, sessionID, synced)
}

// SaveContactWith is SaveContact run against the given execer, so a caller
// holding an open transaction can fold the write into it.
func (s *Store) SaveContactWith(exec execer, c contact.Contact, source contact.Source, sessionID *string, synced bool) (string, error) {
	hash, err := contacthash.Hash(c.Data)
	if err != nil {
		return "", contacterr.New(contacterr.Validation, "store.save_contact", err)
	}

	dataJSON, err := json.Marshal(c.Data)
	if err != nil {
		return "", contacterr.New(contacterr.Validation, "store.save_contact", err)
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", contacterr.New(contacterr.Validation, "store.save_contact", err)
	}

	now := time.Now().UTC()
	_, err = exec.Exec(`
		INSERT INTO contacts (contact_id, contact_data, contact_metadata, data_hash, synced_to_api, last_modified, source, import_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			contact_data = excluded.contact_data,
			contact_metadata = excluded.contact_metadata,
			data_hash = excluded.data_hash,
			synced_to_api = excluded.synced_to_api,
			last_modified = excluded.last_modified,
			source = excluded.source,
			import_session_id = excluded.import_session_id
	`, c.ID, string(dataJSON), string(metaJSON), hash, synced, now, string(source), sessionID, now)
	if err != nil {
		return "", contacterr.New(contacterr.Store, "store.save_contact", err)
	}

	s.log.Debug().Str("contactId", c.ID).Str("dataHash", hash).Msg("contact saved")
	return hash, nil
}

func scanStored(scanner interface{ Scan(...any) error }) (*contact.Stored, error) {
	var st contact.Stored
	var dataJSON, metaJSON string
	var source string
	var sessionID sql.NullString

	if err := scanner.Scan(
		&st.ContactID, &dataJSON, &metaJSON, &st.DataHash, &st.SyncedToAPI,
		&st.LastModified, &source, &sessionID, &st.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dataJSON), &st.Data); err != nil {
		return nil, fmt.Errorf("decoding stored contact_data: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &st.Metadata); err != nil {
		return nil, fmt.Errorf("decoding stored contact_metadata: %w", err)
	}
	st.Source = contact.Source(source)
	if sessionID.Valid {
		v := sessionID.String
		st.ImportSessionID = &v
	}
	return &st, nil
}

const selectColumns = `contact_id, contact_data, contact_metadata, data_hash, synced_to_api, last_modified, source, import_session_id, created_at`

// GetContact returns a stored contact by ID, or nil if not found.
func (s *Store) GetContact(id string) (*contact.Stored, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM contacts WHERE contact_id = ?`, id)
	st, err := scanStored(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "store.get_contact", err)
	}
	return st, nil
}

// GetByHash returns the first stored contact with the given data hash, or
// nil if none exists.
func (s *Store) GetByHash(hash string) (*contact.Stored, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM contacts WHERE data_hash = ? LIMIT 1`, hash)
	st, err := scanStored(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "store.get_by_hash", err)
	}
	return st, nil
}

// List returns stored contacts ordered by created_at ascending.
func (s *Store) List(limit, offset int) ([]*contact.Stored, error) {
	if limit < 0 || offset < 0 {
		return nil, contacterr.New(contacterr.Validation, "store.list", fmt.Errorf("limit and offset must be non-negative"))
	}
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM contacts ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "store.list", err)
	}
	defer rows.Close()
	return collectStored(rows)
}

func collectStored(rows *sql.Rows) ([]*contact.Stored, error) {
	var out []*contact.Stored
	for rows.Next() {
		st, err := scanStored(rows)
		if err != nil {
			return nil, contacterr.New(contacterr.Store, "store.scan", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, contacterr.New(contacterr.Store, "store.scan", err)
	}
	return out, nil
}

// escapeLike escapes '\', '%', and '_' so they match as literal characters
// under ESCAPE '\' — the spec's required LIKE-safety guarantee (P8).
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func digitsOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Search filters contacts by the given predicates, all combined with AND
// (spec §4.B).
func (s *Store) Search(f Filter) ([]*contact.Stored, error) {
	var clauses []string
	var args []any

	if f.Source != nil {
		clauses = append(clauses, "source = ?")
		args = append(args, string(*f.Source))
	}
	if f.Synced != nil {
		clauses = append(clauses, "synced_to_api = ?")
		args = append(args, *f.Synced)
	}
	if f.SessionID != nil {
		clauses = append(clauses, "import_session_id = ?")
		args = append(args, *f.SessionID)
	}
	if f.Name != "" {
		clauses = append(clauses, `(
			json_extract(contact_data, '$.name.given') LIKE ? ESCAPE '\' OR
			json_extract(contact_data, '$.name.family') LIKE ? ESCAPE '\'
		)`)
		pattern := "%" + escapeLike(f.Name) + "%"
		args = append(args, pattern, pattern)
	}
	if f.Email != "" {
		clauses = append(clauses, "contact_data LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Email)+"%")
	}
	if f.Phone != "" {
		clauses = append(clauses, "contact_data LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(digitsOnly(f.Phone))+"%")
	}

	query := `SELECT ` + selectColumns + ` FROM contacts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "store.search", err)
	}
	defer rows.Close()
	return collectStored(rows)
}

// Count returns the number of contacts matching the given predicates,
// using the same clause composition as Search.
func (s *Store) Count(f Filter) (int, error) {
	var clauses []string
	var args []any

	if f.Source != nil {
		clauses = append(clauses, "source = ?")
		args = append(args, string(*f.Source))
	}
	if f.Synced != nil {
		clauses = append(clauses, "synced_to_api = ?")
		args = append(args, *f.Synced)
	}
	if f.SessionID != nil {
		clauses = append(clauses, "import_session_id = ?")
		args = append(args, *f.SessionID)
	}
	if f.Name != "" {
		clauses = append(clauses, `(json_extract(contact_data, '$.name.given') LIKE ? ESCAPE '\' OR json_extract(contact_data, '$.name.family') LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(f.Name) + "%"
		args = append(args, pattern, pattern)
	}
	if f.Email != "" {
		clauses = append(clauses, "contact_data LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Email)+"%")
	}
	if f.Phone != "" {
		clauses = append(clauses, "contact_data LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(digitsOnly(f.Phone))+"%")
	}

	query := "SELECT COUNT(*) FROM contacts"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, contacterr.New(contacterr.Store, "store.count", err)
	}
	return count, nil
}

// Exists reports whether a contact with the given ID is stored.
func (s *Store) Exists(id string) (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM contacts WHERE contact_id = ?", id).Scan(&count); err != nil {
		return false, contacterr.New(contacterr.Store, "store.exists", err)
	}
	return count > 0, nil
}

// MarkSynced sets synced_to_api = true for the given contact.
func (s *Store) MarkSynced(id string) error {
	res, err := s.db.Exec("UPDATE contacts SET synced_to_api = 1 WHERE contact_id = ?", id)
	if err != nil {
		return contacterr.New(contacterr.Store, "store.mark_synced", err)
	}
	return checkAffected(res, "store.mark_synced", id)
}

func checkAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return contacterr.New(contacterr.Store, op, err)
	}
	if n == 0 {
		return contacterr.New(contacterr.NotFound, op, fmt.Errorf("contact %s not found", id))
	}
	return nil
}

// Update replaces an existing contact's data/metadata, recomputing the
// data hash and last_modified.
func (s *Store) Update(c contact.Contact, synced bool) error {
	hash, err := contacthash.Hash(c.Data)
	if err != nil {
		return contacterr.New(contacterr.Validation, "store.update", err)
	}
	dataJSON, err := json.Marshal(c.Data)
	if err != nil {
		return contacterr.New(contacterr.Validation, "store.update", err)
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return contacterr.New(contacterr.Validation, "store.update", err)
	}

	res, err := s.db.Exec(`
		UPDATE contacts SET contact_data = ?, contact_metadata = ?, data_hash = ?, synced_to_api = ?, last_modified = ?
		WHERE contact_id = ?
	`, string(dataJSON), string(metaJSON), hash, synced, time.Now().UTC(), c.ID)
	if err != nil {
		return contacterr.New(contacterr.Store, "store.update", err)
	}
	return checkAffected(res, "store.update", c.ID)
}

// Delete removes a contact by ID.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM contacts WHERE contact_id = ?", id)
	if err != nil {
		return contacterr.New(contacterr.Store, "store.delete", err)
	}
	return checkAffected(res, "store.delete", id)
}

// ClearAll removes every stored contact. Used by tests and the "start
// over" maintenance path; it does not touch the sync queue or import
// history.
func (s *Store) ClearAll() error {
	if _, err := s.db.Exec("DELETE FROM contacts"); err != nil {
		return contacterr.New(contacterr.Store, "store.clear_all", err)
	}
	return nil
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back if fn returns an error — the composition primitive spec
// §4.B calls out for multi-step atomic operations (e.g. the importer's
// phase 2 apply).
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return contacterr.New(contacterr.Store, "store.with_tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return contacterr.New(contacterr.Store, "store.with_tx", err)
	}
	return nil
}
