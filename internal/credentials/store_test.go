package credentials

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsync/contactsync/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "contacts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db.DB, dir)
	require.NoError(t, err)
	return s
}

func TestSetAndGetTokensRoundtrip(t *testing.T) {
	s := newTestStore(t)
	tokens := Tokens{AccessToken: "access-123", RefreshToken: "refresh-456", ExpiresAtMs: 1999999999000}

	require.NoError(t, s.SetTokens("acct-1", tokens))

	got, err := s.GetTokens("acct-1")
	require.NoError(t, err)
	require.Equal(t, tokens, got)
}

func TestGetTokensNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTokens("missing")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestDeleteTokens(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetTokens("acct-1", Tokens{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: 1}))
	require.NoError(t, s.DeleteTokens("acct-1"))

	_, err := s.GetTokens("acct-1")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}
