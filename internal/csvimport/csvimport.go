// Package csvimport implements the two-phase CSV import pipeline (spec
// §4.E): analyze a file against the current store without writing
// anything, then apply a caller-supplied decision set atomically. It also
// provides ParseVCard, a vCard parser producing the same ParsedContact
// shape.
package csvimport

import (
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/contacthash"
	"github.com/kestrelsync/contactsync/internal/contactstore"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/logging"
	"github.com/kestrelsync/contactsync/internal/syncqueue"
)

// ColumnMapping names the CSV header for each contact field the importer
// understands. Any column left blank is simply not populated.
type ColumnMapping struct {
	GivenName    string
	FamilyName   string
	Email        string
	Phone        string
	Organization string
	Title        string
	Notes        string
}

// DefaultColumnMapping matches the header names used by most contact
// export tools.
func DefaultColumnMapping() ColumnMapping {
	return ColumnMapping{
		GivenName:    "First Name",
		FamilyName:   "Last Name",
		Email:        "Email",
		Phone:        "Phone",
		Organization: "Organization",
		Title:        "Title",
		Notes:        "Notes",
	}
}

// ParsedContact is one row of the CSV, already mapped into contact.Data
// and row-hashed for cross-session dedup (spec I8).
type ParsedContact struct {
	RowHash string
	Data    contact.Data
}

// DecisionAction is what phase 2 should do with one classified row.
type DecisionAction string

const (
	DecisionMerge DecisionAction = "merge"
	DecisionSkip  DecisionAction = "skip"
	DecisionNew   DecisionAction = "new"
)

// Match is a parsed row the matcher believes duplicates an existing
// stored contact, carrying a proposed merged result.
type Match struct {
	RowHash           string
	Parsed            contact.Data
	ExistingContactID string
	ExistingData      contact.Data
	MergedData        contact.Data
}

// Matcher classifies parsed rows against the current store. The matching
// algorithm is treated as an external collaborator (spec §4.E step 4);
// the importer only consumes its output. See DefaultMatcher for the
// email/phone heuristic shipped with this package.
type Matcher interface {
	Classify(parsed []ParsedContact) (matched []Match, new []ParsedContact, err error)
}

// AnalyzeResult is the read-only output of phase 1 (spec §4.E step 6).
// No row named here has been written to contacts or sync_queue yet.
type AnalyzeResult struct {
	SessionID         string
	Matched           []Match
	New               []ParsedContact
	SkippedDuplicates int
	Warning           string
}

// MergeDecision pairs a classified match with the caller's chosen action.
type MergeDecision struct {
	Match  Match
	Action DecisionAction
}

// ApplyInput is the decision set phase 2 executes in one transaction.
type ApplyInput struct {
	SessionID      string
	MergeDecisions []MergeDecision
	NewDecisions   []ParsedContact
}

// ApplyResult reports what phase 2 actually did.
type ApplyResult struct {
	Created          int
	Updated          int
	Skipped          int
	QueuedOperations int
}

// Importer drives the analyze/apply pipeline over the embedded store,
// sync queue, and import_history/csv_row_hashes bookkeeping tables.
type Importer struct {
	db      *database.DB
	store   *contactstore.Store
	queue   *syncqueue.Queue
	matcher Matcher
	log     zerolog.Logger
}

// NewImporter constructs an Importer. matcher may be nil, in which case
// DefaultMatcher (backed by store) is used.
func NewImporter(db *database.DB, store *contactstore.Store, queue *syncqueue.Queue, matcher Matcher) *Importer {
	if matcher == nil {
		matcher = &DefaultMatcher{store: store}
	}
	return &Importer{
		db:      db,
		store:   store,
		queue:   queue,
		matcher: matcher,
		log:     logging.WithComponent("csv-importer"),
	}
}

func hashFile(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Analyze runs phase 1: parses the file, classifies rows, and drops
// cross-session duplicates, without writing to contacts or sync_queue.
func (im *Importer) Analyze(filename string, data []byte, mapping ColumnMapping) (*AnalyzeResult, error) {
	fileHash := hashFile(data)

	var warning string
	var priorCount int
	if err := im.db.QueryRow(`SELECT COUNT(*) FROM import_history WHERE csv_hash = ?`, fileHash).Scan(&priorCount); err != nil {
		return nil, contacterr.New(contacterr.Store, "csvimport.analyze", err)
	}
	if priorCount > 0 {
		warning = fmt.Sprintf("file %s was already imported in a prior session", filename)
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	if _, err := im.db.Exec(`
		INSERT INTO import_history (session_id, csv_filename, csv_hash, started_at, status)
		VALUES (?, ?, ?, ?, 'in_progress')
	`, sessionID, filename, fileHash, now); err != nil {
		return nil, contacterr.New(contacterr.Store, "csvimport.analyze", err)
	}

	rows, err := parseCSV(data, mapping)
	if err != nil {
		im.failSession(sessionID, err)
		return nil, contacterr.New(contacterr.Validation, "csvimport.analyze", err)
	}

	var surviving []ParsedContact
	skipped := 0
	for _, row := range rows {
		exists, err := im.rowHashExists(row.RowHash)
		if err != nil {
			im.failSession(sessionID, err)
			return nil, err
		}
		if exists {
			skipped++
			continue
		}
		surviving = append(surviving, row)
	}

	matched, newContacts, err := im.matcher.Classify(surviving)
	if err != nil {
		im.failSession(sessionID, err)
		return nil, contacterr.New(contacterr.Validation, "csvimport.analyze", err)
	}

	if _, err := im.db.Exec(`
		UPDATE import_history SET total_rows = ?, parsed_contacts = ?, matched_contacts = ?, new_contacts = ?
		WHERE session_id = ?
	`, len(rows), len(surviving), len(matched), len(newContacts), sessionID); err != nil {
		return nil, contacterr.New(contacterr.Store, "csvimport.analyze", err)
	}

	return &AnalyzeResult{
		SessionID:         sessionID,
		Matched:           matched,
		New:               newContacts,
		SkippedDuplicates: skipped,
		Warning:           warning,
	}, nil
}

func (im *Importer) rowHashExists(hash string) (bool, error) {
	var count int
	if err := im.db.QueryRow(`SELECT COUNT(*) FROM csv_row_hashes WHERE row_hash = ?`, hash).Scan(&count); err != nil {
		return false, contacterr.New(contacterr.Store, "csvimport.row_hash_exists", err)
	}
	return count > 0, nil
}

func (im *Importer) failSession(sessionID string, cause error) {
	if _, err := im.db.Exec(`UPDATE import_history SET status = 'failed', error_message = ?, completed_at = ? WHERE session_id = ?`,
		cause.Error(), time.Now().UTC(), sessionID); err != nil {
		im.log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to mark import session failed")
	}
}

// Cancel transitions an in-progress session to cancelled. Any phase 2
// writes already applied under this session remain rolled back by Apply
// itself; Cancel is for aborting before or between Apply calls.
func (im *Importer) Cancel(sessionID string) error {
	res, err := im.db.Exec(`
		UPDATE import_history SET status = 'cancelled', completed_at = ?
		WHERE session_id = ? AND status = 'in_progress'
	`, time.Now().UTC(), sessionID)
	if err != nil {
		return contacterr.New(contacterr.Store, "csvimport.cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contacterr.New(contacterr.Store, "csvimport.cancel", err)
	}
	if n == 0 {
		return contacterr.New(contacterr.Validation, "csvimport.cancel", fmt.Errorf("session %s is not in progress", sessionID))
	}
	return nil
}

// Apply runs phase 2 inside a single transaction: every merge/skip/new
// decision is recorded, the store and sync queue are updated, and the
// session is finalized to completed. Any error rolls everything back and
// marks the session failed (spec §4.E phase 2).
func (im *Importer) Apply(input ApplyInput) (*ApplyResult, error) {
	result := &ApplyResult{}

	tx, err := im.db.Begin()
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "csvimport.apply", err)
	}
	defer tx.Rollback()

	sessionID := input.SessionID

	for _, decision := range input.MergeDecisions {
		if err := im.recordRowHash(tx, decision.Match.RowHash, sessionID, decision.Match.ExistingContactID, decision.Action); err != nil {
			im.rollbackFail(tx, sessionID, err)
			return nil, err
		}

		switch decision.Action {
		case DecisionMerge:
			before := decision.Match.ExistingData
			after := decision.Match.MergedData
			merged := contact.Contact{ID: decision.Match.ExistingContactID, Data: after}
			if _, err := im.store.SaveContactWith(tx, merged, contact.SourceCSVImport, &sessionID, false); err != nil {
				im.rollbackFail(tx, sessionID, err)
				return nil, err
			}
			hashAfter, err := contacthash.Hash(after)
			if err != nil {
				im.rollbackFail(tx, sessionID, err)
				return nil, contacterr.New(contacterr.Validation, "csvimport.apply", err)
			}
			if _, err := im.queue.AddWith(tx, decision.Match.ExistingContactID, syncqueue.OpUpdate, &before, &after, hashAfter, &sessionID); err != nil {
				im.rollbackFail(tx, sessionID, err)
				return nil, err
			}
			result.Updated++
			result.QueuedOperations++

		case DecisionSkip:
			result.Skipped++

		case DecisionNew:
			if err := im.createFromRow(tx, decision.Match.Parsed, sessionID, result); err != nil {
				im.rollbackFail(tx, sessionID, err)
				return nil, err
			}

		default:
			err := contacterr.New(contacterr.Validation, "csvimport.apply", fmt.Errorf("unknown decision action %q", decision.Action))
			im.rollbackFail(tx, sessionID, err)
			return nil, err
		}
	}

	for _, nd := range input.NewDecisions {
		if err := im.recordRowHash(tx, nd.RowHash, sessionID, "", DecisionNew); err != nil {
			im.rollbackFail(tx, sessionID, err)
			return nil, err
		}
		if err := im.createFromRow(tx, nd.Data, sessionID, result); err != nil {
			im.rollbackFail(tx, sessionID, err)
			return nil, err
		}
	}

	if _, err := tx.Exec(`
		UPDATE import_history SET status = 'completed', completed_at = ?, queued_operations = ?
		WHERE session_id = ?
	`, time.Now().UTC(), result.QueuedOperations, sessionID); err != nil {
		im.rollbackFail(tx, sessionID, err)
		return nil, contacterr.New(contacterr.Store, "csvimport.apply", err)
	}

	if err := tx.Commit(); err != nil {
		im.rollbackFail(tx, sessionID, err)
		return nil, contacterr.New(contacterr.Store, "csvimport.apply", err)
	}
	return result, nil
}

// createFromRow upserts a brand-new contact and enqueues a create op.
// It uses a CSV-import-local ID ("csv-" plus the first 16 hex digits of
// the contact's data hash) as a placeholder contact ID until the remote
// API assigns a real one on sync.
func (im *Importer) createFromRow(tx *sql.Tx, data contact.Data, sessionID string, result *ApplyResult) error {
	localID := "csv-" + contacthash.MustHash(data)[:16]
	c := contact.Contact{ID: localID, Data: data}
	if _, err := im.store.SaveContactWith(tx, c, contact.SourceCSVImport, &sessionID, false); err != nil {
		return err
	}
	hashAfter, err := contacthash.Hash(data)
	if err != nil {
		return contacterr.New(contacterr.Validation, "csvimport.create_from_row", err)
	}
	if _, err := im.queue.AddWith(tx, localID, syncqueue.OpCreate, nil, &data, hashAfter, &sessionID); err != nil {
		return err
	}
	result.Created++
	result.QueuedOperations++
	return nil
}

func (im *Importer) recordRowHash(tx *sql.Tx, rowHash, sessionID, contactID string, action DecisionAction) error {
	if rowHash == "" {
		return nil
	}
	var contactIDArg any
	if contactID != "" {
		contactIDArg = contactID
	}
	if _, err := tx.Exec(`
		INSERT INTO csv_row_hashes (row_hash, import_session_id, contact_id, decision)
		VALUES (?, ?, ?, ?)
	`, rowHash, sessionID, contactIDArg, string(action)); err != nil {
		return contacterr.New(contacterr.Store, "csvimport.record_row_hash", err)
	}
	return nil
}

// rollbackFail rolls tx back, discarding the in-transaction writes and
// releasing its write lock, then best-effort marks the session failed
// outside the transaction, using a fresh statement.
func (im *Importer) rollbackFail(tx *sql.Tx, sessionID string, cause error) {
	_ = tx.Rollback()
	if _, err := im.db.Exec(`UPDATE import_history SET status = 'failed', error_message = ?, completed_at = ? WHERE session_id = ?`,
		cause.Error(), time.Now().UTC(), sessionID); err != nil {
		im.log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to mark import session failed after apply error")
	}
}

// parseCSV reads data as a CSV with a header row, mapping each row to
// contact.Data via mapping (spec §4.E step 3), grounded on the
// read-header-then-read-rows shape common to the example importers.
func parseCSV(data []byte, mapping ColumnMapping) ([]ParsedContact, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV headers: %w", err)
	}

	// Headers are matched case-insensitively (SPEC_FULL.md §13, after the
	// MejonaTechnology bulk-import reference's switch strings.ToLower(header)
	// approach), so a mapping of "Email" still finds a column titled "email".
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var out []ParsedContact
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}

		field := func(column string) string {
			if column == "" {
				return ""
			}
			i, ok := index[strings.ToLower(strings.TrimSpace(column))]
			if !ok || i >= len(record) {
				return ""
			}
			return record[i]
		}

		var data contact.Data
		given, family := field(mapping.GivenName), field(mapping.FamilyName)
		if given != "" || family != "" {
			data.Name = &contact.Name{Given: given, Family: family}
		}
		if email := field(mapping.Email); email != "" {
			data.Emails = []contact.Email{{Value: email}}
		}
		if phone := field(mapping.Phone); phone != "" {
			data.Phones = []contact.Phone{{Value: phone}}
		}
		if org := field(mapping.Organization); org != "" || field(mapping.Title) != "" {
			data.Organizations = []contact.Organization{{Name: org, Title: field(mapping.Title)}}
		}
		data.Notes = field(mapping.Notes)

		rowHash, err := contacthash.HashRow(map[string]string{
			"name":  given + " " + family,
			"email": field(mapping.Email),
			"phone": field(mapping.Phone),
		})
		if err != nil {
			return nil, fmt.Errorf("hashing row: %w", err)
		}

		out = append(out, ParsedContact{RowHash: rowHash, Data: data})
	}
	return out, nil
}
