// Package sync pulls server-side mailbox state into the local store:
// folders, messages, flags, threads and contacts. Every pass is idempotent;
// a message already recorded at a folder UID is never fetched again.
package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/protocol"
	"github.com/brandon/mailsync/internal/provider"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/transform"
	"github.com/brandon/mailsync/pkg/types"
)

// defaultBatchSize is how many messages one FETCH round trip carries.
const defaultBatchSize = 50

// Broker is the session source the orchestrator borrows connections from.
type Broker interface {
	Checkout(ctx context.Context, account *types.Account, profile *types.ProviderProfile, wire *types.WireCredential) (imap.Session, error)
	Checkin(accountID int64, session imap.Session)
}

// CredentialResolver turns an account's stored credential into wire form.
type CredentialResolver interface {
	Resolve(ctx context.Context, account *types.Account) (*types.WireCredential, error)
}

// Orchestrator drives account and folder synchronization.
type Orchestrator struct {
	store     *store.Store
	broker    Broker
	creds     CredentialResolver
	logger    *logrus.Logger
	batchSize int
}

// NewOrchestrator creates an orchestrator over the given store and broker.
func NewOrchestrator(st *store.Store, broker Broker, creds CredentialResolver, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		broker:    broker,
		creds:     creds,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// SyncAccount synchronizes every syncable folder of an account.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64) error {
	return o.SyncAccountInboxFirst(ctx, accountID, nil)
}

// SyncAccountInboxFirst synchronizes an account, syncing the inbox before
// any other folder and invoking onInboxSynced (when non-nil) with the
// just-synced inbox messages as soon as the inbox pass completes. A UI can
// show new mail while the long tail of folders still syncs.
func (o *Orchestrator) SyncAccountInboxFirst(ctx context.Context, accountID int64, onInboxSynced func([]*types.Email)) error {
	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", accountID))
	}
	if !account.Active {
		return mailerr.New(mailerr.KindAccountInactive, account.Email)
	}

	profile := provider.ForAccount(account)
	session, err := o.checkout(ctx, account, profile)
	if err != nil {
		return err
	}
	defer o.broker.Checkin(account.ID, session)

	folders, err := o.refreshFolders(ctx, session, account, profile)
	if err != nil {
		return err
	}
	// Inbox first, then the rest in listing order.
	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].Type == types.FolderInbox && folders[j].Type != types.FolderInbox
	})

	for _, folder := range folders {
		ingested, err := o.syncFolder(ctx, session, account, folder)
		if err != nil {
			return err
		}
		if folder.Type == types.FolderInbox && onInboxSynced != nil {
			onInboxSynced(ingested)
			onInboxSynced = nil
		}
	}
	return o.store.SetAccountSynced(account.ID, time.Now())
}

// SyncFolder synchronizes a single folder by path.
func (o *Orchestrator) SyncFolder(ctx context.Context, accountID int64, path string) error {
	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", accountID))
	}
	folder, err := o.store.GetFolderByPath(accountID, path)
	if err != nil {
		return err
	}
	if folder == nil {
		return mailerr.New(mailerr.KindFolderNotFound, path)
	}

	profile := provider.ForAccount(account)
	session, err := o.checkout(ctx, account, profile)
	if err != nil {
		return err
	}
	defer o.broker.Checkin(account.ID, session)

	_, err = o.syncFolder(ctx, session, account, folder)
	return err
}

// RefreshFlags re-reads the flag state of every known message in a folder so
// local read/starred state tracks changes made from other clients. This is a
// deliberate extra pass; a plain sync never re-fetches known UIDs.
func (o *Orchestrator) RefreshFlags(ctx context.Context, accountID int64, path string) error {
	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", accountID))
	}
	folder, err := o.store.GetFolderByPath(accountID, path)
	if err != nil {
		return err
	}
	if folder == nil {
		return mailerr.New(mailerr.KindFolderNotFound, path)
	}

	profile := provider.ForAccount(account)
	session, err := o.checkout(ctx, account, profile)
	if err != nil {
		return err
	}
	defer o.broker.Checkin(account.ID, session)

	if _, err := session.Select(ctx, folder.Path); err != nil {
		return err
	}
	known, err := o.store.JoinedUIDs(folder.ID)
	if err != nil {
		return err
	}
	return o.refreshFlags(ctx, session, folder, known)
}

func (o *Orchestrator) checkout(ctx context.Context, account *types.Account, profile *types.ProviderProfile) (imap.Session, error) {
	wire, err := o.creds.Resolve(ctx, account)
	if err != nil {
		return nil, err
	}
	return o.broker.Checkout(ctx, account, profile, wire)
}

// refreshFolders lists server mailboxes, upserts them locally and returns
// the syncable subset.
func (o *Orchestrator) refreshFolders(ctx context.Context, session imap.Session, account *types.Account, profile *types.ProviderProfile) ([]*types.Folder, error) {
	entries, err := session.List(ctx)
	if err != nil {
		return nil, err
	}

	var folders []*types.Folder
	for _, entry := range entries {
		folderType, syncable := Classify(entry, profile)
		folder := &types.Folder{
			AccountID:   account.ID,
			DisplayName: entry.Name,
			Path:        entry.Path,
			Type:        folderType,
		}
		if _, err := o.store.UpsertFolder(folder); err != nil {
			return nil, err
		}
		if !syncable {
			continue
		}
		// Re-read to pick up the stored UID validity epoch.
		stored, err := o.store.GetFolder(folder.ID)
		if err != nil {
			return nil, err
		}
		folders = append(folders, stored)
	}
	return folders, nil
}

// syncFolder brings one folder up to date: UID validity check, then fetch
// and ingest of UIDs not yet joined. It returns the newly ingested emails.
func (o *Orchestrator) syncFolder(ctx context.Context, session imap.Session, account *types.Account, folder *types.Folder) ([]*types.Email, error) {
	log := o.logger.WithFields(logrus.Fields{
		"account": account.Email,
		"folder":  folder.Path,
	})

	info, err := session.Select(ctx, folder.Path)
	if err != nil {
		return nil, err
	}

	if folder.UIDValidity != 0 && info.UIDValidity != folder.UIDValidity {
		// New validity epoch: every stored UID for this folder is dead.
		// The joins go, the emails stay and re-join by message id.
		log.WithFields(logrus.Fields{
			"old": folder.UIDValidity,
			"new": info.UIDValidity,
		}).Warn("UID validity changed, resyncing folder from scratch")
		if err := o.store.DeleteFolderJoins(folder.ID); err != nil {
			return nil, err
		}
	}
	if info.UIDValidity != folder.UIDValidity {
		if err := o.store.UpdateFolderUIDValidity(folder.ID, info.UIDValidity); err != nil {
			return nil, err
		}
		folder.UIDValidity = info.UIDValidity
	}

	known, err := o.store.JoinedUIDs(folder.ID)
	if err != nil {
		return nil, err
	}
	maxUID, err := o.store.MaxUID(folder.ID)
	if err != nil {
		return nil, err
	}
	uids, err := session.SearchSince(ctx, maxUID)
	if err != nil {
		return nil, err
	}
	fresh := uids[:0]
	for _, uid := range uids {
		if !known[uid] {
			fresh = append(fresh, uid)
		}
	}

	var ingested []*types.Email
	for start := 0; start < len(fresh); start += o.batchSize {
		end := start + o.batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch, err := o.ingestBatch(ctx, session, account, folder, fresh[start:end])
		if err != nil {
			return nil, err
		}
		ingested = append(ingested, batch...)
	}

	if len(fresh) > 0 {
		log.WithField("new_messages", len(fresh)).Info("Folder synced")
	}
	return ingested, o.store.SetFolderSynced(folder.ID, int(info.Exists), time.Now())
}

// refreshFlags re-reads the flag sets of already-known messages so local
// read/starred state tracks changes made from other clients.
func (o *Orchestrator) refreshFlags(ctx context.Context, session imap.Session, folder *types.Folder, known map[uint32]bool) error {
	if len(known) == 0 {
		return nil
	}
	uids := make([]uint32, 0, len(known))
	for uid := range known {
		uids = append(uids, uid)
	}
	flags, err := session.FetchFlags(ctx, uids)
	if err != nil {
		return err
	}
	for uid, set := range flags {
		emailID, err := o.store.EmailIDForUID(folder.ID, uid)
		if err != nil {
			return err
		}
		if emailID == 0 {
			continue
		}
		read, starred, _, _ := flagState(set)
		if err := o.store.UpdateEmailFlags(emailID, read, starred); err != nil {
			return err
		}
	}
	return nil
}

// ingestBatch fetches headers, structures and body sections for a UID batch
// and persists each message, returning the stored emails.
func (o *Orchestrator) ingestBatch(ctx context.Context, session imap.Session, account *types.Account, folder *types.Folder, uids []uint32) ([]*types.Email, error) {
	headers, err := session.FetchHeaders(ctx, uids)
	if err != nil {
		return nil, err
	}
	records, err := o.fetchBodies(ctx, session, uids)
	if err != nil {
		return nil, err
	}

	var ingested []*types.Email
	for _, header := range headers {
		body, err := o.bodyFor(ctx, session, header.UID, records[header.UID])
		if err != nil {
			// A single undecodable message must not stall the folder.
			o.logger.WithError(err).WithField("uid", header.UID).Warn("Skipping message body")
			body = transform.Body{}
		}
		email, err := o.ingestMessage(account, folder, header, body)
		if err != nil {
			return nil, err
		}
		ingested = append(ingested, email)
	}
	return ingested, nil
}

// fetchBodies resolves each message's text parts in two round trips: one
// BODYSTRUCTURE batch, then one section batch per distinct part-id set.
func (o *Orchestrator) fetchBodies(ctx context.Context, session imap.Session, uids []uint32) (map[uint32]*protocol.FetchRecord, error) {
	structures, err := session.FetchStructures(ctx, uids)
	if err != nil {
		return nil, err
	}

	// Group UIDs whose text parts live at the same section numbers so one
	// FETCH serves the whole group.
	groups := make(map[string][]uint32)
	groupParts := make(map[string][]int)
	for uid, rec := range structures {
		ids := textPartIDs(rec.Parts)
		if len(ids) == 0 {
			continue
		}
		key := partKey(ids)
		if _, ok := groupParts[key]; !ok {
			groupParts[key] = ids
		}
		groups[key] = append(groups[key], uid)
	}

	for key, groupUIDs := range groups {
		fetched, err := session.FetchSections(ctx, groupUIDs, groupParts[key])
		if err != nil {
			return nil, err
		}
		for uid, rec := range fetched {
			if base, ok := structures[uid]; ok {
				base.Sections = rec.Sections
			}
		}
	}
	return structures, nil
}

// bodyFor assembles a message body from the prefetched record, falling back
// to a raw full-message fetch when no structure could be decoded.
func (o *Orchestrator) bodyFor(ctx context.Context, session imap.Session, uid uint32, rec *protocol.FetchRecord) (transform.Body, error) {
	if rec != nil && len(rec.Parts) > 0 {
		return transform.FromSections(rec.Parts, rec.Sections), nil
	}
	raw, err := session.FetchRaw(ctx, uid)
	if err != nil {
		return transform.Body{}, err
	}
	return transform.FromRawMessage(raw)
}

// ingestMessage persists one message: email row, folder join, thread
// membership and contact sightings.
func (o *Orchestrator) ingestMessage(account *types.Account, folder *types.Folder, header protocol.Header, body transform.Body) (*types.Email, error) {
	messageID := header.MessageID
	if messageID == "" {
		// Some senders omit Message-ID; synthesize a stable one so the
		// dedup key still holds.
		messageID = fmt.Sprintf("<missing-%d-%d@mailsync.local>", folder.ID, header.UID)
	}

	read, starred, draft, deleted := flagState(header.Flags)
	email := &types.Email{
		AccountID:   account.ID,
		MessageID:   messageID,
		InReplyTo:   header.InReplyTo,
		References:  header.References,
		FromAddress: header.From,
		FromName:    header.FromName,
		ToAddresses: strings.Join(header.To, ", "),
		CcAddresses: strings.Join(header.Cc, ", "),
		Subject:     header.Subject,
		BodyText:    body.Text,
		BodyHTML:    body.HTML,
		ReceivedAt:  header.Date,
		Read:        read,
		Starred:     starred,
		Draft:       draft,
		Deleted:     deleted,
		SendState:   types.SendNone,
	}

	threadID, err := o.threadFor(account.ID, messageID, header)
	if err != nil {
		return nil, err
	}
	email.ThreadID = threadID

	emailID, err := o.store.UpsertEmail(email)
	if err != nil {
		return nil, err
	}
	if err := o.store.SetEmailThread(emailID, threadID); err != nil {
		return nil, err
	}
	if err := o.store.RecomputeThread(threadID); err != nil {
		return nil, err
	}
	if err := o.store.UpsertJoin(emailID, folder.ID, header.UID); err != nil {
		return nil, err
	}
	return email, o.recordContacts(account.ID, header)
}

// threadFor finds the thread a message belongs to by its reference chain,
// creating a fresh thread when no linked message is known. The lookup
// matches both directions: candidates against stored message ids, and
// stored reference chains against the message's own id, so arrival order
// never changes the resulting threads.
func (o *Orchestrator) threadFor(accountID int64, messageID string, header protocol.Header) (int64, error) {
	candidates := strings.Fields(header.References)
	if header.InReplyTo != "" {
		candidates = append(candidates, header.InReplyTo)
	}
	candidates = append(candidates, messageID)

	threadIDs, err := o.store.FindThreadIDs(accountID, candidates)
	if err != nil {
		return 0, err
	}
	if len(threadIDs) == 0 {
		return o.store.CreateThread(accountID, header.Subject)
	}
	threadID := threadIDs[0]
	// A chain touching several threads proves they are one conversation.
	if err := o.store.MergeThreads(threadID, threadIDs[1:]); err != nil {
		return 0, err
	}
	return threadID, nil
}

// recordContacts notes every address seen on a message. Dedup is exact on
// the address string; display names fill in when first seen.
func (o *Orchestrator) recordContacts(accountID int64, header protocol.Header) error {
	if header.From != "" {
		if err := o.store.UpsertContact(accountID, header.From, header.FromName); err != nil {
			return err
		}
	}
	for _, addr := range header.To {
		if err := o.store.UpsertContact(accountID, addr, ""); err != nil {
			return err
		}
	}
	for _, addr := range header.Cc {
		if err := o.store.UpsertContact(accountID, addr, ""); err != nil {
			return err
		}
	}
	return nil
}

func textPartIDs(parts []protocol.BodyPart) []int {
	var ids []int
	for _, p := range parts {
		if p.MIMEType == "text/plain" || p.MIMEType == "text/html" {
			ids = append(ids, p.PartID)
		}
	}
	return ids
}

func partKey(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d,", id)
	}
	return b.String()
}
