package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func TestResolveWireOAuthYieldsXOAuth2(t *testing.T) {
	cred := &types.Credential{
		Kind:        types.CredentialOAuth,
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	wc, err := ResolveWire("user@gmail.com", cred)
	require.NoError(t, err)
	assert.Equal(t, types.WireXOAuth2, wc.Mechanism)
	assert.Equal(t, "user@gmail.com", wc.Username)
	assert.Equal(t, "tok", wc.AccessToken)
}

func TestResolveWirePasswordYieldsPlain(t *testing.T) {
	cred := &types.Credential{Kind: types.CredentialPassword, Secret: "hunter2"}

	wc, err := ResolveWire("user@example.com", cred)
	require.NoError(t, err)
	assert.Equal(t, types.WirePlain, wc.Mechanism)
	assert.Equal(t, "hunter2", wc.Password)
}

func TestResolveWireUnknownKind(t *testing.T) {
	_, err := ResolveWire("user@example.com", &types.Credential{Kind: "totp"})
	assert.Error(t, err)
}

func TestXOAuth2InitialResponse(t *testing.T) {
	mech, ir, err := NewXOAuth2("user@gmail.com", "ya29.token").Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@gmail.com\x01auth=Bearer ya29.token\x01\x01", string(ir))
}

func TestCredentialExpiry(t *testing.T) {
	now := time.Now()
	oauth := &types.Credential{Kind: types.CredentialOAuth, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, oauth.Expired(now))

	fresh := &types.Credential{Kind: types.CredentialOAuth, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, fresh.Expired(now))

	password := &types.Credential{Kind: types.CredentialPassword, Secret: "x"}
	assert.False(t, password.Expired(now))
}
