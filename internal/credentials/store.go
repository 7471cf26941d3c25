// Package credentials provides secure storage for the remote API's bearer
// and refresh token pair, trying the OS keyring first and falling back to
// an encrypted database column when the keyring is unavailable.
package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/kestrelsync/contactsync/internal/crypto"
	"github.com/kestrelsync/contactsync/internal/logging"
)

const serviceName = "contactsync"

// ErrCredentialNotFound is returned when no token is stored for an account.
var ErrCredentialNotFound = errors.New("credential not found")

// Tokens is the bearer/refresh token pair for one account, plus the
// absolute epoch-millisecond expiry of the access token (spec §6: seconds-
// relative expiry fields must be converted to absolute epoch-ms before
// storage).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

// Store provides token storage with OS keyring and encrypted-database
// fallback, adapted from the teacher's credential store (keyring-probe +
// fallback pattern), repurposed from IMAP/SMTP account passwords to a
// single remote API's OAuth token pair.
type Store struct {
	db             *sql.DB
	encryptor      *crypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore creates a new token store, probing the OS keyring and falling
// back to encrypted database storage if it is unavailable.
func NewStore(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("credentials")

	encryptor, err := crypto.NewEncryptor(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary token storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{
		db:             db,
		encryptor:      encryptor,
		keyringEnabled: keyringEnabled,
		log:            log,
	}, nil
}

func testKeyring() bool {
	const testKey = "contactsync-test-keyring-check"
	if err := gokeyring.Set(serviceName, testKey, "test"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// IsKeyringEnabled returns whether the OS keyring is being used.
func (s *Store) IsKeyringEnabled() bool {
	return s.keyringEnabled
}

// SetTokens stores the access/refresh token pair for an account.
func (s *Store) SetTokens(accountKey string, tokens Tokens) error {
	if s.keyringEnabled {
		if err := s.setKeyringTokens(accountKey, tokens); err == nil {
			s.log.Debug().Str("accountKey", accountKey).Msg("tokens stored in OS keyring")
			s.clearDBTokens(accountKey)
			return s.setExpiry(accountKey, tokens.ExpiresAtMs)
		} else {
			s.log.Warn().Err(err).Msg("failed to store tokens in OS keyring, using fallback")
		}
	}

	encryptedAccess, err := s.encryptor.Encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encryptedRefresh, err := s.encryptor.Encrypt(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO oauth_tokens (account_key, encrypted_access_token, encrypted_refresh_token, expires_at_ms, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
			encrypted_access_token = excluded.encrypted_access_token,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			expires_at_ms = excluded.expires_at_ms,
			updated_at = excluded.updated_at
	`, accountKey, encryptedAccess, encryptedRefresh, tokens.ExpiresAtMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store encrypted tokens: %w", err)
	}

	s.log.Debug().Str("accountKey", accountKey).Msg("tokens stored in encrypted database")
	return nil
}

func (s *Store) setKeyringTokens(accountKey string, tokens Tokens) error {
	if err := gokeyring.Set(serviceName, accountKey+":access", tokens.AccessToken); err != nil {
		return err
	}
	return gokeyring.Set(serviceName, accountKey+":refresh", tokens.RefreshToken)
}

// setExpiry persists only the expiry timestamp row, used when the token
// values themselves live in the keyring.
func (s *Store) setExpiry(accountKey string, expiresAtMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO oauth_tokens (account_key, expires_at_ms, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET expires_at_ms = excluded.expires_at_ms, updated_at = excluded.updated_at
	`, accountKey, expiresAtMs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store token expiry: %w", err)
	}
	return nil
}

// GetTokens retrieves the token pair for an account.
func (s *Store) GetTokens(accountKey string) (Tokens, error) {
	expiresAtMs, err := s.getExpiry(accountKey)
	if err != nil {
		return Tokens{}, err
	}

	if s.keyringEnabled {
		access, errA := gokeyring.Get(serviceName, accountKey+":access")
		refresh, errR := gokeyring.Get(serviceName, accountKey+":refresh")
		if errA == nil && errR == nil {
			return Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAtMs: expiresAtMs}, nil
		}
		if errA != gokeyring.ErrNotFound {
			s.log.Warn().Err(errA).Msg("error reading access token from OS keyring, trying fallback")
		}
	}

	var encAccess, encRefresh sql.NullString
	err = s.db.QueryRow(
		"SELECT encrypted_access_token, encrypted_refresh_token FROM oauth_tokens WHERE account_key = ?",
		accountKey,
	).Scan(&encAccess, &encRefresh)
	if err == sql.ErrNoRows {
		return Tokens{}, ErrCredentialNotFound
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to query tokens: %w", err)
	}
	if !encAccess.Valid || encAccess.String == "" {
		return Tokens{}, ErrCredentialNotFound
	}

	access, err := s.encryptor.Decrypt(encAccess.String)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := s.encryptor.Decrypt(encRefresh.String)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAtMs: expiresAtMs}, nil
}

func (s *Store) getExpiry(accountKey string) (int64, error) {
	var expiresAtMs sql.NullInt64
	err := s.db.QueryRow("SELECT expires_at_ms FROM oauth_tokens WHERE account_key = ?", accountKey).Scan(&expiresAtMs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query token expiry: %w", err)
	}
	return expiresAtMs.Int64, nil
}

// DeleteTokens removes all stored tokens for an account, clearing both
// the keyring and the encrypted fallback.
func (s *Store) DeleteTokens(accountKey string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, accountKey+":access")
		gokeyring.Delete(serviceName, accountKey+":refresh")
	}
	s.clearDBTokens(accountKey)
	return nil
}

func (s *Store) clearDBTokens(accountKey string) {
	s.db.Exec("DELETE FROM oauth_tokens WHERE account_key = ?", accountKey)
}
