// Package credential is the secure credential store and the auth/key
// providers built on it. Values are read from the system keyring at each use
// point and never cached, so an account switch can never leak stale secrets
// into in-flight operations.
package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

// Well-known keys inside the keyring, namespaced per account where relevant.
const (
	KeyActiveAccount = "account.active"

	keyTokenPrefix      = "token."
	keyPGPKeyPrefix     = "pgp.keys."
	keyPassphrasePrefix = "pgp.passphrases."
)

// Store is a synchronous key/value credential store.
type Store interface {
	Get(key string) (string, error)
}

// KeyringStore reads and writes the system keyring. The keyring is opened on
// every call; nothing is held between calls.
type KeyringStore struct {
	Service string
	FileDir string
}

func (s *KeyringStore) open() (keyring.Keyring, error) {
	service := s.Service
	if service == "" {
		service = "driftmail"
	}
	fileDir := s.FileDir
	if fileDir == "" {
		fileDir = "~/.config/driftmail/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key. Missing keys return an empty
// string with no error; callers treat absence as "not configured".
func (s *KeyringStore) Get(key string) (string, error) {
	ring, err := s.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		if err == keyring.ErrKeyNotFound {
			return "", nil
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *KeyringStore) Set(key, value string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (s *KeyringStore) Delete(key string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// TokenKey returns the keyring key holding the bearer token for an account.
func TokenKey(account string) string { return keyTokenPrefix + account }

// PGPKeysKey returns the keyring key holding an account's armored keys as a
// JSON array.
func PGPKeysKey(account string) string { return keyPGPKeyPrefix + account }

// PassphrasesKey returns the keyring key holding an account's passphrases as
// a JSON object of key id to passphrase.
func PassphrasesKey(account string) string { return keyPassphrasePrefix + account }
