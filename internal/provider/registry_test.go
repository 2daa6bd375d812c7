package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func TestLookupNilResolvesToGmail(t *testing.T) {
	p := Lookup(nil)
	require.NotNil(t, p)
	assert.Equal(t, "gmail", p.ID)
}

func TestLookupUnknownResolvesToCustom(t *testing.T) {
	id := "protonmail"
	assert.Equal(t, "custom", Lookup(&id).ID)
}

func TestForAccountPrefersExplicitProvider(t *testing.T) {
	id := "icloud"
	account := &types.Account{Email: "user@gmail.com", Provider: &id}
	assert.Equal(t, "icloud", ForAccount(account).ID)
}

func TestForAccountDomainHeuristics(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"user@gmail.com", "gmail"},
		{"user@me.com", "icloud"},
		{"user@YMAIL.com", "yahoo"},
		{"user@hotmail.com", "outlook"},
		{"user@selfhosted.example", "gmail"}, // nil provider, unknown domain: default
	}
	for _, tt := range tests {
		p := ForAccount(&types.Account{Email: tt.email})
		assert.Equal(t, tt.want, p.ID, tt.email)
	}
}

func TestProfileBounds(t *testing.T) {
	for id, p := range profiles {
		assert.GreaterOrEqual(t, p.MaxConnections, 5, id)
		assert.LessOrEqual(t, p.MaxConnections, 15, id)
		assert.Positive(t, p.IdleRefresh, id)
	}
}

func TestGmailAggregateFoldersNotSynced(t *testing.T) {
	p := Lookup(nil)
	assert.True(t, p.AggregateFolders["[gmail]/all mail"])
	assert.Equal(t, types.FolderSent, p.SpecialFolders["[gmail]/sent mail"])
}
