package types

import "time"

// ArchiveBehavior describes what "archive" means for a provider.
type ArchiveBehavior string

const (
	// ArchiveLabel removes the message from the inbox without moving it;
	// an all-mail aggregate keeps it visible (Gmail).
	ArchiveLabel ArchiveBehavior = "label"
	// ArchiveMove copies the message into a dedicated Archive folder.
	ArchiveMove ArchiveBehavior = "move"
)

// ProviderProfile is the immutable per-provider transport and behavior
// record. Profiles are looked up by identifier or domain heuristics and are
// consumed read-only.
type ProviderProfile struct {
	ID           string
	DisplayName  string
	IMAPHost     string
	IMAPPort     int
	IMAPSecurity SecurityMode
	SMTPHost     string
	SMTPPort     int
	SMTPSecurity SecurityMode
	AuthMethod   AuthMethod

	// MaxConnections bounds the per-account session pool.
	MaxConnections int
	// IdleRefresh is how often IDLE is re-issued, shorter than the
	// server's own IDLE timeout.
	IdleRefresh time.Duration
	// RequiresSentAppend is true for servers that do not auto-copy
	// outgoing mail into Sent.
	RequiresSentAppend bool
	Archive            ArchiveBehavior

	// SpecialFolders maps server folder paths (lower-cased) to types,
	// ahead of the generic name heuristics.
	SpecialFolders map[string]FolderType
	// AggregateFolders lists synthetic all-mail style paths (lower-cased)
	// whose messages must not be synced to avoid double counting.
	AggregateFolders map[string]bool
}
