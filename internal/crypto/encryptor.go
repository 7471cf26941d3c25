// Package crypto provides the encrypted-storage fallback used when the OS
// keyring is unavailable. The teacher's own internal/crypto package was
// not part of the retrieved source, so this is rebuilt from its call-site
// contract (NewEncryptor(dataDir), Encrypt(string) (string, error),
// Decrypt(string) (string, error)) using stdlib AES-GCM, the standard
// idiomatic choice for a local encrypted box with no external KMS.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keyFileName = ".contactsync_key"
const keySize = 32 // AES-256

// Encryptor encrypts and decrypts small secrets (tokens, keys) for
// storage in the local database when the OS keyring is unavailable. The
// key is a random 256-bit value generated once and persisted, file-mode
// restricted, under dataDir.
type Encryptor struct {
	key []byte
}

// NewEncryptor loads or creates the local encryption key under dataDir.
func NewEncryptor(dataDir string) (*Encryptor, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	key, err := os.ReadFile(keyPath)
	if err == nil && len(key) == keySize {
		return &Encryptor{key: key}, nil
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}

	return &Encryptor{key: key}, nil
}

// Encrypt returns the base64-encoded AES-256-GCM ciphertext of plaintext,
// with a random nonce prepended.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
