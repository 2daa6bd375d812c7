package sync

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/provider"
	"github.com/brandon/mailsync/pkg/types"
)

// location is one server-side home of a message.
type location struct {
	folder *types.Folder
	uid    uint32
}

// MarkRead sets or clears the read flag of a message, server first, then
// locally.
func (o *Orchestrator) MarkRead(ctx context.Context, emailID int64, read bool) error {
	return o.withLocation(ctx, emailID, func(ctx context.Context, session imap.Session, email *types.Email, loc location) error {
		if err := session.StoreFlags(ctx, loc.uid, read, `\Seen`); err != nil {
			return err
		}
		return o.store.UpdateEmailFlags(emailID, read, email.Starred)
	})
}

// SetStarred sets or clears the starred flag of a message.
func (o *Orchestrator) SetStarred(ctx context.Context, emailID int64, starred bool) error {
	return o.withLocation(ctx, emailID, func(ctx context.Context, session imap.Session, email *types.Email, loc location) error {
		if err := session.StoreFlags(ctx, loc.uid, starred, `\Flagged`); err != nil {
			return err
		}
		return o.store.UpdateEmailFlags(emailID, email.Read, starred)
	})
}

// Archive removes a message from its current folder per the provider's
// archive model. Label providers keep the message in their aggregate view,
// so removing it from the source folder is the whole operation; move
// providers need an explicit copy into the archive folder first.
func (o *Orchestrator) Archive(ctx context.Context, emailID int64) error {
	return o.withLocation(ctx, emailID, func(ctx context.Context, session imap.Session, email *types.Email, loc location) error {
		account, err := o.store.GetAccount(email.AccountID)
		if err != nil {
			return err
		}
		profile := provider.ForAccount(account)

		if profile.Archive == types.ArchiveMove {
			archive, err := o.store.GetFolderByType(email.AccountID, types.FolderArchive)
			if err != nil {
				return err
			}
			if archive == nil {
				return mailerr.New(mailerr.KindFolderNotFound, "no archive folder")
			}
			if err := session.Copy(ctx, loc.uid, archive.Path); err != nil {
				return err
			}
		}
		return o.removeFromFolder(ctx, session, emailID, loc)
	})
}

// Delete moves a message to trash and flags it deleted locally.
func (o *Orchestrator) Delete(ctx context.Context, emailID int64) error {
	return o.withLocation(ctx, emailID, func(ctx context.Context, session imap.Session, email *types.Email, loc location) error {
		trash, err := o.store.GetFolderByType(email.AccountID, types.FolderTrash)
		if err != nil {
			return err
		}
		if trash != nil && trash.ID != loc.folder.ID {
			if err := session.Copy(ctx, loc.uid, trash.Path); err != nil {
				return err
			}
		}
		if err := o.removeFromFolder(ctx, session, emailID, loc); err != nil {
			return err
		}
		return o.store.MarkEmailDeleted(emailID)
	})
}

// removeFromFolder expunges a message from the selected folder and drops
// the local join.
func (o *Orchestrator) removeFromFolder(ctx context.Context, session imap.Session, emailID int64, loc location) error {
	if err := session.StoreFlags(ctx, loc.uid, true, `\Deleted`); err != nil {
		return err
	}
	if err := session.Expunge(ctx); err != nil {
		return err
	}
	return o.store.DeleteJoin(loc.folder.ID, loc.uid)
}

// withLocation borrows a session, selects the folder a message lives in and
// runs fn against that location. The session is always checked back in.
func (o *Orchestrator) withLocation(ctx context.Context, emailID int64, fn func(context.Context, imap.Session, *types.Email, location) error) error {
	email, err := o.store.GetEmail(emailID)
	if err != nil {
		return err
	}
	if email == nil {
		return mailerr.New(mailerr.KindMessageNotFound, fmt.Sprintf("email %d", emailID))
	}
	loc, err := o.locate(emailID)
	if err != nil {
		return err
	}

	account, err := o.store.GetAccount(email.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", email.AccountID))
	}
	profile := provider.ForAccount(account)
	session, err := o.checkout(ctx, account, profile)
	if err != nil {
		return err
	}
	defer o.broker.Checkin(account.ID, session)

	if _, err := session.Select(ctx, loc.folder.Path); err != nil {
		return err
	}
	return fn(ctx, session, email, loc)
}

// locate picks the server location to operate on, preferring the inbox when
// a message lives in several folders.
func (o *Orchestrator) locate(emailID int64) (location, error) {
	joins, err := o.store.JoinsForEmail(emailID)
	if err != nil {
		return location{}, err
	}
	if len(joins) == 0 {
		return location{}, mailerr.New(mailerr.KindMessageNotFound, fmt.Sprintf("email %d has no folder location", emailID))
	}

	var chosen *types.EmailFolder
	var chosenFolder *types.Folder
	for i := range joins {
		folder, err := o.store.GetFolder(joins[i].FolderID)
		if err != nil {
			return location{}, err
		}
		if folder == nil {
			continue
		}
		if chosen == nil || folder.Type == types.FolderInbox {
			chosen = &joins[i]
			chosenFolder = folder
			if folder.Type == types.FolderInbox {
				break
			}
		}
	}
	if chosen == nil {
		return location{}, mailerr.New(mailerr.KindFolderNotFound, fmt.Sprintf("email %d folder missing", emailID))
	}
	return location{folder: chosenFolder, uid: chosen.UID}, nil
}
