package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	creds map[int64]*types.Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[int64]*types.Credential)}
}

func (m *memStore) Get(accountID int64) (*types.Credential, error) {
	cred, ok := m.creds[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return cred, nil
}

func (m *memStore) Put(accountID int64, cred *types.Credential) error {
	m.creds[accountID] = cred
	return nil
}

func (m *memStore) Delete(accountID int64) error {
	delete(m.creds, accountID)
	return nil
}

func testAccount() *types.Account {
	return &types.Account{ID: 1, Email: "user@example.com", IMAPHost: "imap.example.com"}
}

func TestResolveMissingCredential(t *testing.T) {
	resolver := NewResolver(newMemStore(), nil)

	_, err := resolver.Resolve(context.Background(), testAccount())
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindAuthFailed))
}

func TestResolvePassword(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(1, &types.Credential{Kind: types.CredentialPassword, Secret: "pw"}))
	resolver := NewResolver(store, nil)

	wire, err := resolver.Resolve(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, types.WirePlain, wire.Mechanism)
	assert.Equal(t, "pw", wire.Password)
}

func TestResolveRefreshesExpiredToken(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(1, &types.Credential{
		Kind:        types.CredentialOAuth,
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	resolver := NewResolver(store, func(_ context.Context, cred *types.Credential) (*types.Credential, error) {
		return &types.Credential{
			Kind:        types.CredentialOAuth,
			AccessToken: "fresh",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	})

	wire, err := resolver.Resolve(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, types.WireXOAuth2, wire.Mechanism)
	assert.Equal(t, "fresh", wire.AccessToken)

	// The refreshed token must be persisted.
	stored, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
}

func TestResolveRefreshFailureIsTerminal(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(1, &types.Credential{
		Kind:      types.CredentialOAuth,
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	resolver := NewResolver(store, func(context.Context, *types.Credential) (*types.Credential, error) {
		return nil, errors.New("revoked")
	})

	_, err := resolver.Resolve(context.Background(), testAccount())
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindTokenRefreshFailed))
	assert.False(t, mailerr.Retryable(err))
}
