// Package syncqueue implements the pending/approved/syncing/synced/failed
// state machine over queued contact changes (spec §4.C).
package syncqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contacterr"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/logging"
)

// Operation is the kind of change a queue item represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is a queue item's position in the state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusApproved: true, StatusSyncing: true,
	StatusSynced: true, StatusFailed: true,
}

var validOperations = map[Operation]bool{OpCreate: true, OpUpdate: true, OpDelete: true}

// Item is a queued contact change (spec §3 QueueItem).
type Item struct {
	ID              int64
	ContactID       string
	Operation       Operation
	DataBefore      *contact.Data
	DataAfter       *contact.Data
	DataHashAfter   string
	Reviewed        bool
	Approved        *bool
	SyncStatus      Status
	ErrorMessage    string
	CreatedAt       time.Time
	ReviewedAt      *time.Time
	SyncedAt        *time.Time
	RetryCount      int
	ImportSessionID *string
}

// Stats reports item counts grouped by status.
type Stats struct {
	Pending  int
	Approved int
	Syncing  int
	Synced   int
	Failed   int
}

// ByFilter composes the predicates accepted by ByFilter; all set fields
// are combined with AND.
type ByFilter struct {
	Status          []Status
	Reviewed        *bool
	Approved        *bool
	Operation       *Operation
	ImportSessionID *string
	Limit           int
	Offset          int
}

// Queue provides queue persistence and state-machine transitions.
type Queue struct {
	db  *database.DB
	log zerolog.Logger
}

// NewQueue creates a new sync queue.
func NewQueue(db *database.DB) *Queue {
	return &Queue{db: db, log: logging.WithComponent("sync-queue")}
}

func marshalData(d *contact.Data) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalData(ns sql.NullString) (*contact.Data, error) {
	if !ns.Valid {
		return nil, nil
	}
	var d contact.Data
	if err := json.Unmarshal([]byte(ns.String), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// execer is satisfied by both *database.DB and *sql.Tx, letting callers
// that already hold a transaction (e.g. the importer's phase 2 apply)
// fold an enqueue into it.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Add enqueues a new item in the pending state (spec I4: create has no
// data_before; delete has no data_after).
func (q *Queue) Add(contactID string, op Operation, dataBefore, dataAfter *contact.Data, dataHashAfter string, sessionID *string) (int64, error) {
	return q.AddWith(q.db, contactID, op, dataBefore, dataAfter, dataHashAfter, sessionID)
}

// AddWith is Add run against the given execer, so a caller holding an open
// transaction can fold the enqueue into it.
func (q *Queue) AddWith(exec execer, contactID string, op Operation, dataBefore, dataAfter *contact.Data, dataHashAfter string, sessionID *string) (int64, error) {
	if !validOperations[op] {
		return 0, contacterr.New(contacterr.Validation, "queue.add", fmt.Errorf("invalid operation %q", op))
	}
	before, err := marshalData(dataBefore)
	if err != nil {
		return 0, contacterr.New(contacterr.Validation, "queue.add", err)
	}
	after, err := marshalData(dataAfter)
	if err != nil {
		return 0, contacterr.New(contacterr.Validation, "queue.add", err)
	}

	res, err := exec.Exec(`
		INSERT INTO sync_queue (contact_id, operation, data_before, data_after, data_hash_after, import_session_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, contactID, string(op), before, after, nullIfEmpty(dataHashAfter), sessionID)
	if err != nil {
		return 0, contacterr.New(contacterr.Store, "queue.add", err)
	}
	return res.LastInsertId()
}

// AddMany enqueues multiple items inside a single transaction; partial
// failure rolls back every row in the batch (spec §4.C bulk mutations).
func (q *Queue) AddMany(items []Item) error {
	tx, err := q.db.Begin()
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.add_many", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sync_queue (contact_id, operation, data_before, data_after, data_hash_after, import_session_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.add_many", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if !validOperations[it.Operation] {
			return contacterr.New(contacterr.Validation, "queue.add_many", fmt.Errorf("invalid operation %q", it.Operation))
		}
		before, err := marshalData(it.DataBefore)
		if err != nil {
			return contacterr.New(contacterr.Validation, "queue.add_many", err)
		}
		after, err := marshalData(it.DataAfter)
		if err != nil {
			return contacterr.New(contacterr.Validation, "queue.add_many", err)
		}
		if _, err := stmt.Exec(it.ContactID, string(it.Operation), before, after, nullIfEmpty(it.DataHashAfter), it.ImportSessionID); err != nil {
			return contacterr.New(contacterr.Store, "queue.add_many", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return contacterr.New(contacterr.Store, "queue.add_many", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const itemColumns = `id, contact_id, operation, data_before, data_after, data_hash_after, reviewed, approved, sync_status, error_message, created_at, reviewed_at, synced_at, retry_count, import_session_id`

func scanItem(scanner interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	var before, after, hashAfter, errMsg sql.NullString
	var approved sql.NullBool
	var reviewedAt, syncedAt sql.NullTime
	var sessionID sql.NullString
	var status string

	if err := scanner.Scan(
		&it.ID, &it.ContactID, &it.Operation, &before, &after, &hashAfter,
		&it.Reviewed, &approved, &status, &errMsg, &it.CreatedAt,
		&reviewedAt, &syncedAt, &it.RetryCount, &sessionID,
	); err != nil {
		return nil, err
	}

	dataBefore, err := unmarshalData(before)
	if err != nil {
		return nil, err
	}
	dataAfter, err := unmarshalData(after)
	if err != nil {
		return nil, err
	}
	it.DataBefore = dataBefore
	it.DataAfter = dataAfter
	it.DataHashAfter = hashAfter.String
	it.ErrorMessage = errMsg.String
	it.SyncStatus = Status(status)
	if approved.Valid {
		v := approved.Bool
		it.Approved = &v
	}
	if reviewedAt.Valid {
		v := reviewedAt.Time
		it.ReviewedAt = &v
	}
	if syncedAt.Valid {
		v := syncedAt.Time
		it.SyncedAt = &v
	}
	if sessionID.Valid {
		v := sessionID.String
		it.ImportSessionID = &v
	}
	return &it, nil
}

func (q *Queue) queryItems(query string, args ...any) ([]*Item, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, contacterr.New(contacterr.Store, "queue.query", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, contacterr.New(contacterr.Store, "queue.scan", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, contacterr.New(contacterr.Store, "queue.scan", err)
	}
	return out, nil
}

// Pending returns every item with sync_status = pending, oldest first.
func (q *Queue) Pending() ([]*Item, error) {
	return q.queryItems(`SELECT ` + itemColumns + ` FROM sync_queue WHERE sync_status = 'pending' ORDER BY created_at ASC`)
}

// Approved returns every item with sync_status = approved, oldest first
// (spec §5: "by created_at ascending only as a convention").
func (q *Queue) Approved() ([]*Item, error) {
	return q.queryItems(`SELECT ` + itemColumns + ` FROM sync_queue WHERE sync_status = 'approved' ORDER BY created_at ASC`)
}

// Failed returns every item with sync_status = failed.
func (q *Queue) Failed() ([]*Item, error) {
	return q.queryItems(`SELECT ` + itemColumns + ` FROM sync_queue WHERE sync_status = 'failed' ORDER BY created_at ASC`)
}

// ByFilter queries items matching the given predicates, validating every
// enum-valued input against its closed set before composing SQL.
func (q *Queue) ByFilter(f ByFilter) ([]*Item, error) {
	var clauses []string
	var args []any

	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			if !validStatuses[st] {
				return nil, contacterr.New(contacterr.Validation, "queue.by_filter", fmt.Errorf("invalid status %q", st))
			}
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "sync_status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Reviewed != nil {
		clauses = append(clauses, "reviewed = ?")
		args = append(args, *f.Reviewed)
	}
	if f.Approved != nil {
		clauses = append(clauses, "approved = ?")
		args = append(args, *f.Approved)
	}
	if f.Operation != nil {
		if !validOperations[*f.Operation] {
			return nil, contacterr.New(contacterr.Validation, "queue.by_filter", fmt.Errorf("invalid operation %q", *f.Operation))
		}
		clauses = append(clauses, "operation = ?")
		args = append(args, string(*f.Operation))
	}
	if f.ImportSessionID != nil {
		clauses = append(clauses, "import_session_id = ?")
		args = append(args, *f.ImportSessionID)
	}

	query := `SELECT ` + itemColumns + ` FROM sync_queue`
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

	return q.queryItems(query, args...)
}

// Stats returns item counts grouped by status.
func (q *Queue) Stats() (Stats, error) {
	rows, err := q.db.Query(`SELECT sync_status, COUNT(*) FROM sync_queue GROUP BY sync_status`)
	if err != nil {
		return Stats{}, contacterr.New(contacterr.Store, "queue.stats", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, contacterr.New(contacterr.Store, "queue.stats", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusApproved:
			s.Approved = count
		case StatusSyncing:
			s.Syncing = count
		case StatusSynced:
			s.Synced = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

// Approve transitions a pending item to approved (reviewed=true,
// approved=true), per spec I5.
func (q *Queue) Approve(id int64) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET reviewed = 1, approved = 1, sync_status = 'approved', reviewed_at = ?
		WHERE id = ? AND sync_status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.approve", err)
	}
	return mustAffect(res, "queue.approve", id)
}

// Reject transitions a pending item back to pending with
// reviewed=true, approved=false (it stays out of the approved() set).
func (q *Queue) Reject(id int64) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET reviewed = 1, approved = 0, reviewed_at = ?
		WHERE id = ? AND sync_status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.reject", err)
	}
	return mustAffect(res, "queue.reject", id)
}

// ApproveMany and RejectMany execute inside a single transaction; partial
// failure rolls back every row in the batch (spec §4.C).
func (q *Queue) ApproveMany(ids []int64) error {
	return q.bulkTransition(ids, `
		UPDATE sync_queue SET reviewed = 1, approved = 1, sync_status = 'approved', reviewed_at = ?
		WHERE id = ? AND sync_status = 'pending'
	`, "queue.approve_many")
}

func (q *Queue) RejectMany(ids []int64) error {
	return q.bulkTransition(ids, `
		UPDATE sync_queue SET reviewed = 1, approved = 0, reviewed_at = ?
		WHERE id = ? AND sync_status = 'pending'
	`, "queue.reject_many")
}

func (q *Queue) bulkTransition(ids []int64, query, op string) error {
	tx, err := q.db.Begin()
	if err != nil {
		return contacterr.New(contacterr.Store, op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return contacterr.New(contacterr.Store, op, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		res, err := stmt.Exec(now, id)
		if err != nil {
			return contacterr.New(contacterr.Store, op, err)
		}
		if err := mustAffect(res, op, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return contacterr.New(contacterr.Store, op, err)
	}
	return nil
}

// MarkSyncing is the sole concurrency primitive of the queue: a CAS that
// claims an approved item for processing. Exactly one of N concurrent
// callers racing on the same id receives true (spec P3).
func (q *Queue) MarkSyncing(id int64) (bool, error) {
	res, err := q.db.Exec(`UPDATE sync_queue SET sync_status = 'syncing' WHERE id = ? AND sync_status = 'approved'`, id)
	if err != nil {
		return false, contacterr.New(contacterr.Store, "queue.mark_syncing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, contacterr.New(contacterr.Store, "queue.mark_syncing", err)
	}
	return n == 1, nil
}

// MarkSynced transitions a syncing item to synced.
func (q *Queue) MarkSynced(id int64) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET sync_status = 'synced', synced_at = ?, error_message = NULL
		WHERE id = ? AND sync_status = 'syncing'
	`, time.Now().UTC(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.mark_synced", err)
	}
	return mustAffect(res, "queue.mark_synced", id)
}

// MarkFailed transitions a syncing item to failed, bumping retry_count
// and recording the error (spec I6: retries never decrease retry_count).
func (q *Queue) MarkFailed(id int64, cause error) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET sync_status = 'failed', retry_count = retry_count + 1, error_message = ?
		WHERE id = ? AND sync_status = 'syncing'
	`, cause.Error(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.mark_failed", err)
	}
	return mustAffect(res, "queue.mark_failed", id)
}

// BumpRetryCount records one failed attempt against a syncing item without
// changing its status: spec I6 models retry_count as incrementing on every
// attempt, not once per drain cycle, so a caller retrying an item several
// times before giving up calls this once per attempt and reserves
// FailSyncing for the final terminal transition.
func (q *Queue) BumpRetryCount(id int64, cause error) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET retry_count = retry_count + 1, error_message = ?
		WHERE id = ? AND sync_status = 'syncing'
	`, cause.Error(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.bump_retry_count", err)
	}
	return mustAffect(res, "queue.bump_retry_count", id)
}

// FailSyncing transitions a syncing item straight to failed without
// touching retry_count, for a caller that already bumped it once per
// attempt via BumpRetryCount and only needs the terminal status flip.
func (q *Queue) FailSyncing(id int64, cause error) error {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET sync_status = 'failed', error_message = ?
		WHERE id = ? AND sync_status = 'syncing'
	`, cause.Error(), id)
	if err != nil {
		return contacterr.New(contacterr.Store, "queue.fail_syncing", err)
	}
	return mustAffect(res, "queue.fail_syncing", id)
}

// ResumeFailed atomically transitions every failed row to approved,
// clearing error_message, inside a single transaction (spec §4.D
// resume_failed, first half).
func (q *Queue) ResumeFailed() (int, error) {
	res, err := q.db.Exec(`
		UPDATE sync_queue SET sync_status = 'approved', error_message = NULL
		WHERE sync_status = 'failed'
	`)
	if err != nil {
		return 0, contacterr.New(contacterr.Store, "queue.resume_failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, contacterr.New(contacterr.Store, "queue.resume_failed", err)
	}
	return int(n), nil
}

func mustAffect(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return contacterr.New(contacterr.Store, op, err)
	}
	if n == 0 {
		return contacterr.New(contacterr.Validation, op, fmt.Errorf("item %d not in expected state", id))
	}
	return nil
}
