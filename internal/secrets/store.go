// Package secrets stores account credentials in the system keyring and
// resolves them into wire credentials. The rest of the engine never sees a
// raw secret outside a resolved Credential.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/brandon/mailsync/pkg/types"
)

const serviceName = "mailsync"

// ErrNotFound is returned when no credential is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store is the secret-store contract: credentials keyed by account id.
type Store interface {
	Get(accountID int64) (*types.Credential, error)
	Put(accountID int64, cred *types.Credential) error
	Delete(accountID int64) error
}

// KeyringStore persists credentials in the OS keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring backend for the engine.
func OpenKeyring() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

func itemKey(accountID int64) string {
	return fmt.Sprintf("account-%d", accountID)
}

// Get retrieves the credential for an account, ErrNotFound when absent.
func (s *KeyringStore) Get(accountID int64) (*types.Credential, error) {
	item, err := s.ring.Get(itemKey(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential for account %d: %w", accountID, err)
	}
	var cred types.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential for account %d: %w", accountID, err)
	}
	return &cred, nil
}

// Put stores or replaces the credential for an account.
func (s *KeyringStore) Put(accountID int64, cred *types.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.ring.Set(keyring.Item{Key: itemKey(accountID), Data: data}); err != nil {
		return fmt.Errorf("failed to store credential for account %d: %w", accountID, err)
	}
	return nil
}

// Delete removes the credential for an account.
func (s *KeyringStore) Delete(accountID int64) error {
	if err := s.ring.Remove(itemKey(accountID)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete credential for account %d: %w", accountID, err)
	}
	return nil
}
