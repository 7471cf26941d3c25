package contactstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/contact"
	"github.com/kestrelsync/contactsync/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func adaContact(id string) contact.Contact {
	return contact.Contact{
		ID: id,
		Data: contact.Data{
			Name:   &contact.Name{Given: "Ada", Family: "Lovelace"},
			Emails: []contact.Email{{Value: "ada@example.com", Type: "work"}},
		},
		Metadata: contact.Metadata{Etag: "etag-1"},
	}
}

func TestSaveAndGetContact(t *testing.T) {
	s := newTestStore(t)
	c := adaContact("c1")

	hash, err := s.SaveContact(c, contact.SourceAPI, nil, true)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	got, err := s.GetContact("c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "c1", got.ContactID)
	require.Equal(t, hash, got.DataHash)
	require.True(t, got.SyncedToAPI)
	require.Equal(t, "etag-1", got.Metadata.Etag)
}

func TestSaveContactIsUpsert(t *testing.T) {
	s := newTestStore(t)
	c := adaContact("c1")

	_, err := s.SaveContact(c, contact.SourceAPI, nil, false)
	require.NoError(t, err)

	c.Data.Notes = "updated"
	hash2, err := s.SaveContact(c, contact.SourceAPI, nil, true)
	require.NoError(t, err)

	got, err := s.GetContact("c1")
	require.NoError(t, err)
	require.Equal(t, hash2, got.DataHash)
	require.Equal(t, "updated", got.Data.Notes)

	count, err := s.Count(Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMetadataOnlyChangeDoesNotChangeHash(t *testing.T) {
	s := newTestStore(t)
	c := adaContact("c1")
	h1, err := s.SaveContact(c, contact.SourceAPI, nil, true)
	require.NoError(t, err)

	c.Metadata.Etag = "etag-2"
	h2, err := s.SaveContact(c, contact.SourceAPI, nil, true)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestGetByHash(t *testing.T) {
	s := newTestStore(t)
	c := adaContact("c1")
	hash, err := s.SaveContact(c, contact.SourceAPI, nil, true)
	require.NoError(t, err)

	got, err := s.GetByHash(hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "c1", got.ContactID)
}

func TestSearchLikeSafeOnLiteralPercent(t *testing.T) {
	s := newTestStore(t)

	c1 := contact.Contact{ID: "c1", Data: contact.Data{Notes: "", Emails: []contact.Email{{Value: "50%off@example.com"}}}}
	c2 := contact.Contact{ID: "c2", Data: contact.Data{Emails: []contact.Email{{Value: "plain@example.com"}}}}

	_, err := s.SaveContact(c1, contact.SourceAPI, nil, false)
	require.NoError(t, err)
	_, err = s.SaveContact(c2, contact.SourceAPI, nil, false)
	require.NoError(t, err)

	results, err := s.Search(Filter{Email: "50%off"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "c1", results[0].ContactID)
}

func TestMarkSyncedNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkSynced("nope")
	require.Error(t, err)
}

func TestDeleteAndClearAll(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveContact(adaContact("c1"), contact.SourceAPI, nil, false)
	require.NoError(t, err)
	_, err = s.SaveContact(adaContact("c2"), contact.SourceAPI, nil, false)
	require.NoError(t, err)

	require.NoError(t, s.Delete("c1"))
	exists, err := s.Exists("c1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.ClearAll())
	count, err := s.Count(Filter{})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
