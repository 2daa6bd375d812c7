// Package provider holds the static provider profiles and the lookup logic
// that resolves an email address to its transport defaults.
package provider

import (
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// DefaultID is the profile used when an account names no provider.
const DefaultID = "gmail"

// profiles is the closed set of known provider records. Each entry is
// immutable; callers receive pointers but must treat them read-only.
var profiles = map[string]*types.ProviderProfile{
	"gmail": {
		ID:             "gmail",
		DisplayName:    "Gmail",
		IMAPHost:       "imap.gmail.com",
		IMAPPort:       993,
		IMAPSecurity:   types.SecurityTLS,
		SMTPHost:       "smtp.gmail.com",
		SMTPPort:       465,
		SMTPSecurity:   types.SecurityTLS,
		AuthMethod:     types.AuthXOAuth2,
		MaxConnections: 15,
		IdleRefresh:    25 * time.Minute,
		// Gmail copies outgoing mail into Sent by itself.
		RequiresSentAppend: false,
		Archive:            types.ArchiveLabel,
		SpecialFolders: map[string]types.FolderType{
			"[gmail]/sent mail": types.FolderSent,
			"[gmail]/drafts":    types.FolderDrafts,
			"[gmail]/trash":     types.FolderTrash,
			"[gmail]/spam":      types.FolderSpam,
			"[gmail]/starred":   types.FolderStarred,
			"[gmail]/all mail":  types.FolderArchive,
		},
		AggregateFolders: map[string]bool{
			"[gmail]/all mail":  true,
			"[gmail]/important": true,
			"[gmail]/starred":   true,
		},
	},
	"icloud": {
		ID:             "icloud",
		DisplayName:    "iCloud",
		IMAPHost:       "imap.mail.me.com",
		IMAPPort:       993,
		IMAPSecurity:   types.SecurityTLS,
		SMTPHost:       "smtp.mail.me.com",
		SMTPPort:       587,
		SMTPSecurity:   types.SecurityStartTLS,
		AuthMethod:     types.AuthPlain,
		MaxConnections: 5,
		// iCloud drops IDLE connections aggressively.
		IdleRefresh:        10 * time.Minute,
		RequiresSentAppend: true,
		Archive:            types.ArchiveMove,
		SpecialFolders: map[string]types.FolderType{
			"sent messages":    types.FolderSent,
			"deleted messages": types.FolderTrash,
			"junk":             types.FolderSpam,
		},
	},
	"yahoo": {
		ID:                 "yahoo",
		DisplayName:        "Yahoo Mail",
		IMAPHost:           "imap.mail.yahoo.com",
		IMAPPort:           993,
		IMAPSecurity:       types.SecurityTLS,
		SMTPHost:           "smtp.mail.yahoo.com",
		SMTPPort:           465,
		SMTPSecurity:       types.SecurityTLS,
		AuthMethod:         types.AuthXOAuth2,
		MaxConnections:     10,
		IdleRefresh:        15 * time.Minute,
		RequiresSentAppend: true,
		Archive:            types.ArchiveMove,
		SpecialFolders: map[string]types.FolderType{
			"bulk mail": types.FolderSpam,
		},
	},
	"outlook": {
		ID:             "outlook",
		DisplayName:    "Outlook",
		IMAPHost:       "outlook.office365.com",
		IMAPPort:       993,
		IMAPSecurity:   types.SecurityTLS,
		SMTPHost:       "smtp-mail.outlook.com",
		SMTPPort:       587,
		SMTPSecurity:   types.SecurityStartTLS,
		AuthMethod:     types.AuthXOAuth2,
		MaxConnections: 10,
		IdleRefresh:    20 * time.Minute,
		// Outlook saves sent mail server-side.
		RequiresSentAppend: false,
		Archive:            types.ArchiveMove,
		SpecialFolders: map[string]types.FolderType{
			"sent items":    types.FolderSent,
			"deleted items": types.FolderTrash,
			"junk email":    types.FolderSpam,
		},
	},
	"custom": {
		ID:                 "custom",
		DisplayName:        "Custom IMAP",
		IMAPPort:           993,
		IMAPSecurity:       types.SecurityTLS,
		SMTPPort:           587,
		SMTPSecurity:       types.SecurityStartTLS,
		AuthMethod:         types.AuthPlain,
		MaxConnections:     5,
		IdleRefresh:        10 * time.Minute,
		RequiresSentAppend: true,
		Archive:            types.ArchiveMove,
	},
}

// domains maps well-known mail domains to provider ids.
var domains = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "gmail",
	"icloud.com":     "icloud",
	"me.com":         "icloud",
	"mac.com":        "icloud",
	"yahoo.com":      "yahoo",
	"ymail.com":      "yahoo",
	"outlook.com":    "outlook",
	"hotmail.com":    "outlook",
	"live.com":       "outlook",
	"msn.com":        "outlook",
}

// Lookup returns the profile for a provider identifier. A nil identifier
// resolves to the default profile.
func Lookup(id *string) *types.ProviderProfile {
	if id == nil {
		return profiles[DefaultID]
	}
	if p, ok := profiles[strings.ToLower(*id)]; ok {
		return p
	}
	return profiles["custom"]
}

// ForAccount resolves the profile for an account: explicit identifier
// first, then domain heuristics, then the custom fallback.
func ForAccount(account *types.Account) *types.ProviderProfile {
	if account.Provider != nil {
		return Lookup(account.Provider)
	}
	if p, ok := ForDomain(account.Email); ok {
		return p
	}
	return profiles[DefaultID]
}

// ForDomain resolves a profile from the domain of an email address.
func ForDomain(email string) (*types.ProviderProfile, bool) {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return nil, false
	}
	id, ok := domains[strings.ToLower(email[at+1:])]
	if !ok {
		return nil, false
	}
	return profiles[id], true
}
