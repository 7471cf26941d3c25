package csvimport

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/contactstore"
	"github.com/kestrelsync/contactsync/internal/database"
	"github.com/kestrelsync/contactsync/internal/syncqueue"
)

func newTestImporter(t *testing.T) (*database.DB, *contactstore.Store, *syncqueue.Queue, *Importer) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	store := contactstore.NewStore(db)
	queue := syncqueue.NewQueue(db)
	importer := NewImporter(db, store, queue, nil)
	return db, store, queue, importer
}

const sampleCSV = "First Name,Last Name,Email,Phone\nAda,Lovelace,ada@example.com,+1 415 555 0100\nGrace,Hopper,grace@example.com,+1 415 555 0101\n"

func TestAnalyzeParsesNewContacts(t *testing.T) {
	_, _, _, importer := newTestImporter(t)

	result, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.Len(t, result.New, 2)
	require.Empty(t, result.Matched)
	require.Equal(t, 0, result.SkippedDuplicates)
}

func TestAnalyzeMatchesExistingContactByEmail(t *testing.T) {
	_, store, _, importer := newTestImporter(t)

	_, err := store.SaveContact(contact.Contact{
		ID:   "existing-1",
		Data: contact.Data{Name: &contact.Name{Given: "Ada"}, Emails: []contact.Email{{Value: "ada@example.com"}}},
	}, contact.SourceManual, nil, false)
	require.NoError(t, err)

	result, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	require.Equal(t, "existing-1", result.Matched[0].ExistingContactID)
	require.Len(t, result.New, 1)
}

func TestAnalyzeSameFileTwiceDropsDuplicateRows(t *testing.T) {
	_, _, _, importer := newTestImporter(t)

	first, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, first.New, 2)

	applyAllNew(t, importer, first)

	second, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.Equal(t, 2, second.SkippedDuplicates)
	require.Empty(t, second.New)
	require.NotEmpty(t, second.Warning)
}

func TestApplyNewDecisionsCreatesContactsAndQueuesOps(t *testing.T) {
	_, store, queue, importer := newTestImporter(t)

	analyzed, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)

	result := applyAllNew(t, importer, analyzed)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 2, result.QueuedOperations)

	contacts, err := store.Search(contactstore.Filter{})
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	pending, err := queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, item := range pending {
		require.Equal(t, syncqueue.OpCreate, item.Operation)
	}
}

func TestApplyMergeDecisionEnqueuesUpdateWithBeforeAndAfter(t *testing.T) {
	_, store, queue, importer := newTestImporter(t)

	_, err := store.SaveContact(contact.Contact{
		ID:   "existing-1",
		Data: contact.Data{Name: &contact.Name{Given: "Ada"}, Emails: []contact.Email{{Value: "ada@example.com"}}},
	}, contact.SourceManual, nil, false)
	require.NoError(t, err)

	analyzed, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, analyzed.Matched, 1)

	result, err := importer.Apply(ApplyInput{
		SessionID: analyzed.SessionID,
		MergeDecisions: []MergeDecision{
			{Match: analyzed.Matched[0], Action: DecisionMerge},
		},
		NewDecisions: analyzed.New,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 1, result.Created)

	items, err := queue.ByFilter(syncqueue.ByFilter{Operation: opPtr(syncqueue.OpUpdate)})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].DataBefore)
	require.NotNil(t, items[0].DataAfter)

	stored, err := store.GetContact("existing-1")
	require.NoError(t, err)
	require.Equal(t, "Lovelace", stored.Data.Name.Family)
}

func TestApplySkipDecisionTakesNoAction(t *testing.T) {
	_, store, queue, importer := newTestImporter(t)

	_, err := store.SaveContact(contact.Contact{
		ID:   "existing-2",
		Data: contact.Data{Name: &contact.Name{Given: "Grace"}, Emails: []contact.Email{{Value: "grace@example.com"}}},
	}, contact.SourceManual, nil, false)
	require.NoError(t, err)

	analyzed, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, analyzed.Matched, 1)

	result, err := importer.Apply(ApplyInput{
		SessionID:      analyzed.SessionID,
		MergeDecisions: []MergeDecision{{Match: analyzed.Matched[0], Action: DecisionSkip}},
		NewDecisions:   analyzed.New,
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Updated)
	require.Equal(t, 1, result.Skipped)

	items, err := queue.ByFilter(syncqueue.ByFilter{Operation: opPtr(syncqueue.OpUpdate)})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestCancelMarksSessionCancelled(t *testing.T) {
	_, _, _, importer := newTestImporter(t)
	analyzed, err := importer.Analyze("contacts.csv", []byte(sampleCSV), DefaultColumnMapping())
	require.NoError(t, err)

	require.NoError(t, importer.Cancel(analyzed.SessionID))
	require.Error(t, importer.Cancel(analyzed.SessionID)) // already terminal
}

func applyAllNew(t *testing.T, importer *Importer, analyzed *AnalyzeResult) *ApplyResult {
	t.Helper()
	result, err := importer.Apply(ApplyInput{SessionID: analyzed.SessionID, NewDecisions: analyzed.New})
	require.NoError(t, err)
	return result
}

func opPtr(op syncqueue.Operation) *syncqueue.Operation { return &op }
