package sync

import (
	"strings"

	"github.com/brandon/mailsync/internal/protocol"
	"github.com/brandon/mailsync/pkg/types"
)

// Classify determines a listed mailbox's role and whether it should be
// synced. Provider-specific special folder names win over the generic name
// heuristics. Unselectable mailboxes and provider aggregate views (a Gmail
// "All Mail" duplicates every other folder) are classified but not synced.
func Classify(entry protocol.ListEntry, profile *types.ProviderProfile) (types.FolderType, bool) {
	if entry.HasAttribute(`\Noselect`) {
		return types.FolderCustom, false
	}

	path := strings.ToLower(entry.Path)
	folderType, known := profile.SpecialFolders[path]
	if !known {
		folderType = classifyByName(entry)
	}
	if profile.AggregateFolders[path] {
		return folderType, false
	}
	return folderType, true
}

func classifyByName(entry protocol.ListEntry) types.FolderType {
	// RFC 6154 special-use attributes are authoritative when present.
	switch {
	case entry.HasAttribute(`\Sent`):
		return types.FolderSent
	case entry.HasAttribute(`\Drafts`):
		return types.FolderDrafts
	case entry.HasAttribute(`\Trash`):
		return types.FolderTrash
	case entry.HasAttribute(`\Junk`):
		return types.FolderSpam
	case entry.HasAttribute(`\Archive`):
		return types.FolderArchive
	case entry.HasAttribute(`\Flagged`):
		return types.FolderStarred
	}

	switch strings.ToLower(entry.Name) {
	case "inbox":
		return types.FolderInbox
	case "sent", "sent mail", "sent messages", "sent items":
		return types.FolderSent
	case "drafts", "draft":
		return types.FolderDrafts
	case "trash", "deleted", "deleted messages", "deleted items":
		return types.FolderTrash
	case "spam", "junk", "junk email", "bulk mail":
		return types.FolderSpam
	case "archive", "all mail":
		return types.FolderArchive
	case "starred", "flagged":
		return types.FolderStarred
	}
	return types.FolderCustom
}

// flagState maps an IMAP flag set onto the local message booleans.
func flagState(flags []string) (read, starred, draft, deleted bool) {
	for _, f := range flags {
		switch strings.ToLower(f) {
		case `\seen`:
			read = true
		case `\flagged`:
			starred = true
		case `\draft`:
			draft = true
		case `\deleted`:
			deleted = true
		}
	}
	return
}
