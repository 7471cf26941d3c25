package synccfg

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/logging"
)

// APICallRecord is one logged outcome of a call to the remote contacts
// API (spec §4.F activity ledger).
type APICallRecord struct {
	Endpoint   string
	Success    bool
	OccurredAt time.Time
}

// ContactViewRecord is one logged view of a contact in the UI/CLI.
type ContactViewRecord struct {
	ContactID  string
	OccurredAt time.Time
}

// ToolActivityRecord is one logged run of a generation/modification tool
// (e.g. the CSV importer), optionally tied to an import session.
type ToolActivityRecord struct {
	Name           string
	SessionID      string
	GeneratedCount int
	ModifiedCount  int
	OccurredAt     time.Time
}

// ActivitySummary aggregates ledger counts over a window, for reporting
// either a single session or the API's lifetime totals.
type ActivitySummary struct {
	APICalls     int
	APISuccesses int
	APIFailures  int
	ContactViews int
	ToolRuns     int
	Generated    int
	Modified     int
}

// Ledger records and reports the append-only activity tables (spec
// §4.F). Writes are best-effort: a failure is logged and swallowed so
// that instrumenting a call site never risks the operation it's
// instrumenting.
type Ledger struct {
	db  *database.DB
	log zerolog.Logger
}

// NewLedger wraps a database handle for activity bookkeeping.
func NewLedger(db *database.DB) *Ledger {
	return &Ledger{db: db, log: logging.WithComponent("activity-ledger")}
}

// RecordAPICall logs the outcome of a remote API call. Never returns an
// error to the caller; failures are logged and dropped.
func (l *Ledger) RecordAPICall(endpoint string, success bool) {
	_, err := l.db.Exec(
		`INSERT INTO api_call_activity (endpoint, success) VALUES (?, ?)`,
		endpoint, success,
	)
	if err != nil {
		l.log.Error().Err(err).Str("endpoint", endpoint).Msg("failed to record api call activity")
	}
}

// RecordContactView logs a contact being viewed.
func (l *Ledger) RecordContactView(contactID string) {
	_, err := l.db.Exec(
		`INSERT INTO contact_view_activity (contact_id) VALUES (?)`,
		contactID,
	)
	if err != nil {
		l.log.Error().Err(err).Str("contactID", contactID).Msg("failed to record contact view activity")
	}
}

// RecordToolRun logs a tool execution (e.g. a CSV import session).
// sessionID may be empty for tools not tied to an import session.
func (l *Ledger) RecordToolRun(name, sessionID string, generatedCount, modifiedCount int) {
	var sessionArg any
	if sessionID != "" {
		sessionArg = sessionID
	}
	_, err := l.db.Exec(
		`INSERT INTO tool_activity (name, session_id, generated_count, modified_count) VALUES (?, ?, ?, ?)`,
		name, sessionArg, generatedCount, modifiedCount,
	)
	if err != nil {
		l.log.Error().Err(err).Str("name", name).Str("sessionID", sessionID).Msg("failed to record tool activity")
	}
}

// LifetimeSummary aggregates every row ever recorded across all three
// ledger tables.
func (l *Ledger) LifetimeSummary() (ActivitySummary, error) {
	return l.summarize("")
}

// SessionSummary aggregates tool_activity rows for a single import
// session. API calls and contact views are not session-scoped, so only
// the tool-run fields are populated.
func (l *Ledger) SessionSummary(sessionID string) (ActivitySummary, error) {
	var summary ActivitySummary
	row := l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(generated_count), 0), COALESCE(SUM(modified_count), 0)
		FROM tool_activity WHERE session_id = ?
	`, sessionID)
	if err := row.Scan(&summary.ToolRuns, &summary.Generated, &summary.Modified); err != nil {
		return ActivitySummary{}, err
	}
	return summary, nil
}

func (l *Ledger) summarize(_ string) (ActivitySummary, error) {
	var summary ActivitySummary

	row := l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM api_call_activity
	`)
	var successes int
	if err := row.Scan(&summary.APICalls, &successes); err != nil {
		return ActivitySummary{}, err
	}
	summary.APISuccesses = successes
	summary.APIFailures = summary.APICalls - successes

	if err := l.db.QueryRow(`SELECT COUNT(*) FROM contact_view_activity`).Scan(&summary.ContactViews); err != nil {
		return ActivitySummary{}, err
	}

	row = l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(generated_count), 0), COALESCE(SUM(modified_count), 0)
		FROM tool_activity
	`)
	if err := row.Scan(&summary.ToolRuns, &summary.Generated, &summary.Modified); err != nil {
		return ActivitySummary{}, err
	}

	return summary, nil
}
