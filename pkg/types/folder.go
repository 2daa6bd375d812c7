package types

import "time"

// FolderType classifies a folder by its role.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderStarred FolderType = "starred"
	FolderCustom  FolderType = "custom"
)

// Folder is a server-side mailbox known locally.
//
// UIDValidity is the folder's validity epoch: when it changes, every UID
// previously recorded for the folder is meaningless and the folder must be
// re-synced from scratch.
type Folder struct {
	ID           int64      `json:"id" db:"id"`
	AccountID    int64      `json:"account_id" db:"account_id"`
	DisplayName  string     `json:"display_name" db:"display_name"`
	Path         string     `json:"path" db:"path"`
	Type         FolderType `json:"type" db:"type"`
	UIDValidity  uint32     `json:"uid_validity" db:"uid_validity"`
	MessageCount int        `json:"message_count" db:"message_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
}

// EmailFolder joins an email to a folder at a provider-assigned UID.
// The UID is the authoritative incremental-sync key for that folder: an email
// already joined at a UID is never re-fetched. One email may join several
// folders (a message visible in both Inbox and a label).
type EmailFolder struct {
	EmailID  int64  `json:"email_id" db:"email_id"`
	FolderID int64  `json:"folder_id" db:"folder_id"`
	UID      uint32 `json:"uid" db:"uid"`
}
