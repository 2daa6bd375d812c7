package types

import "time"

// SecurityMode selects how the TCP connection is secured.
type SecurityMode string

const (
	// SecurityTLS performs the TLS handshake at connect time (implicit TLS).
	SecurityTLS SecurityMode = "tls"
	// SecurityStartTLS connects in plaintext and upgrades in place.
	SecurityStartTLS SecurityMode = "starttls"
)

// AuthMethod selects the SASL mechanism used on the wire.
type AuthMethod string

const (
	AuthXOAuth2 AuthMethod = "xoauth2"
	AuthPlain   AuthMethod = "plain"
)

// Account is a configured mailbox account.
//
// Provider, IMAPSecurity and SMTPSecurity are independently nullable: each
// nil field resolves through its own default (Gmail profile, implicit TLS),
// never through another field.
type Account struct {
	ID           int64         `json:"id" db:"id"`
	Email        string        `json:"email" db:"email"`
	DisplayName  string        `json:"display_name" db:"display_name"`
	IMAPHost     string        `json:"imap_host" db:"imap_host"`
	IMAPPort     int           `json:"imap_port" db:"imap_port"`
	SMTPHost     string        `json:"smtp_host" db:"smtp_host"`
	SMTPPort     int           `json:"smtp_port" db:"smtp_port"`
	Provider     *string       `json:"provider,omitempty" db:"provider"`
	IMAPSecurity *SecurityMode `json:"imap_security,omitempty" db:"imap_security"`
	SMTPSecurity *SecurityMode `json:"smtp_security,omitempty" db:"smtp_security"`
	AuthMethod   AuthMethod    `json:"auth_method" db:"auth_method"`
	Active       bool          `json:"active" db:"active"`
	LastSyncAt   *time.Time    `json:"last_sync_at,omitempty" db:"last_sync_at"`
}

// ResolvedIMAPSecurity returns the IMAP security mode, defaulting to implicit TLS.
func (a *Account) ResolvedIMAPSecurity() SecurityMode {
	if a.IMAPSecurity != nil {
		return *a.IMAPSecurity
	}
	return SecurityTLS
}

// ResolvedSMTPSecurity returns the SMTP security mode, defaulting to implicit TLS.
func (a *Account) ResolvedSMTPSecurity() SecurityMode {
	if a.SMTPSecurity != nil {
		return *a.SMTPSecurity
	}
	return SecurityTLS
}

// CredentialKind discriminates the credential union.
type CredentialKind string

const (
	CredentialOAuth    CredentialKind = "oauth"
	CredentialPassword CredentialKind = "password"
)

// Credential is a secret retrieved from the secret store, keyed by account id.
// Exactly one of the kind-specific field sets is populated.
type Credential struct {
	Kind CredentialKind `json:"kind"`

	// OAuth fields
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// Password field
	Secret string `json:"secret,omitempty"`
}

// Expired reports whether an OAuth credential's access token has expired.
// Password credentials never expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.Kind == CredentialOAuth && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// WireMechanism is the SASL mechanism carried by a WireCredential.
type WireMechanism string

const (
	WireXOAuth2 WireMechanism = "XOAUTH2"
	WirePlain   WireMechanism = "PLAIN"
)

// WireCredential is a credential resolved for the wire. The mapping from
// Credential is determined by credential kind alone: oauth always yields
// XOAUTH2, password always yields PLAIN, regardless of provider.
type WireCredential struct {
	Mechanism WireMechanism
	Username  string
	// AccessToken is set for XOAUTH2.
	AccessToken string
	// Password is set for PLAIN.
	Password string
}
