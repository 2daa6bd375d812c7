package sync

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/protocol"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// stubSession is a scripted Session: server state is plain maps, and every
// mutating command is recorded for assertions.
type stubSession struct {
	entries    []protocol.ListEntry
	selectInfo map[string]protocol.SelectInfo
	uids       []uint32
	headers    map[uint32]protocol.Header
	flags      map[uint32][]string
	structures map[uint32][]protocol.BodyPart
	sections   map[uint32]map[string][]byte
	raw        map[uint32][]byte

	selected   string
	storeCalls []string
	copyCalls  []string
	expunges   int
	fetches    int
}

func (s *stubSession) List(context.Context) ([]protocol.ListEntry, error) { return s.entries, nil }

func (s *stubSession) Select(_ context.Context, path string) (protocol.SelectInfo, error) {
	s.selected = path
	return s.selectInfo[path], nil
}

func (s *stubSession) SearchSince(_ context.Context, sinceUID uint32) ([]uint32, error) {
	var out []uint32
	for _, uid := range s.uids {
		if uid > sinceUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (s *stubSession) FetchHeaders(_ context.Context, uids []uint32) ([]protocol.Header, error) {
	s.fetches++
	var out []protocol.Header
	for _, uid := range uids {
		if h, ok := s.headers[uid]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *stubSession) FetchFlags(_ context.Context, uids []uint32) (map[uint32][]string, error) {
	s.fetches++
	out := make(map[uint32][]string)
	for _, uid := range uids {
		if f, ok := s.flags[uid]; ok {
			out[uid] = f
		}
	}
	return out, nil
}

func (s *stubSession) FetchStructures(_ context.Context, uids []uint32) (map[uint32]*protocol.FetchRecord, error) {
	s.fetches++
	out := make(map[uint32]*protocol.FetchRecord)
	for _, uid := range uids {
		if parts, ok := s.structures[uid]; ok {
			out[uid] = &protocol.FetchRecord{UID: uid, Parts: parts}
		}
	}
	return out, nil
}

func (s *stubSession) FetchSections(_ context.Context, uids []uint32, _ []int) (map[uint32]*protocol.FetchRecord, error) {
	s.fetches++
	out := make(map[uint32]*protocol.FetchRecord)
	for _, uid := range uids {
		if secs, ok := s.sections[uid]; ok {
			out[uid] = &protocol.FetchRecord{UID: uid, Sections: secs}
		}
	}
	return out, nil
}

func (s *stubSession) FetchRaw(_ context.Context, uid uint32) ([]byte, error) {
	s.fetches++
	return s.raw[uid], nil
}

func (s *stubSession) StoreFlags(_ context.Context, uid uint32, add bool, flags ...string) error {
	op := "+"
	if !add {
		op = "-"
	}
	for _, f := range flags {
		s.storeCalls = append(s.storeCalls, op+f)
	}
	return nil
}

func (s *stubSession) Copy(_ context.Context, _ uint32, destPath string) error {
	s.copyCalls = append(s.copyCalls, destPath)
	return nil
}

func (s *stubSession) Expunge(context.Context) error { s.expunges++; return nil }

func (s *stubSession) Append(context.Context, string, []string, []byte) error { return nil }

func (s *stubSession) Idle(context.Context, <-chan struct{}, func()) error { return nil }

func (s *stubSession) Logout() error { return nil }

func (s *stubSession) Broken() bool { return false }

type stubBroker struct {
	session   imap.Session
	checkouts int
	checkins  int
}

func (b *stubBroker) Checkout(context.Context, *types.Account, *types.ProviderProfile, *types.WireCredential) (imap.Session, error) {
	b.checkouts++
	return b.session, nil
}

func (b *stubBroker) Checkin(int64, imap.Session) { b.checkins++ }

type stubCreds struct{}

func (stubCreds) Resolve(context.Context, *types.Account) (*types.WireCredential, error) {
	return &types.WireCredential{Mechanism: types.WirePlain}, nil
}

func newTestOrchestrator(t *testing.T, session *stubSession) (*Orchestrator, *store.Store, *stubBroker) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st, err := store.OpenInMemory(logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := &stubBroker{session: session}
	return NewOrchestrator(st, broker, stubCreds{}, logger), st, broker
}

func seedSyncAccount(t *testing.T, st *store.Store) *types.Account {
	t.Helper()
	custom := "custom"
	account := &types.Account{
		Email:      "user@example.com",
		IMAPHost:   "imap.example.com",
		IMAPPort:   993,
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		Provider:   &custom,
		AuthMethod: types.AuthPlain,
		Active:     true,
	}
	require.NoError(t, st.UpsertAccount(account))
	return account
}

func date(s string) *time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return &t
}

func inboxSession() *stubSession {
	return &stubSession{
		entries: []protocol.ListEntry{
			{Path: "INBOX", Name: "INBOX", Delimiter: "/"},
		},
		selectInfo: map[string]protocol.SelectInfo{
			"INBOX": {UIDValidity: 7, Exists: 2},
		},
		uids: []uint32{1, 2},
		headers: map[uint32]protocol.Header{
			1: {
				UID: 1, MessageID: "<root@example.com>", Subject: "Topic",
				From: "ann@example.com", FromName: "Ann",
				To: []string{"user@example.com"}, Flags: []string{`\Seen`},
				Date: date("2026-08-30T10:00:00Z"),
			},
			2: {
				UID: 2, MessageID: "<reply@example.com>", Subject: "Re: Topic",
				InReplyTo: "<root@example.com>", References: "<root@example.com>",
				From: "bob@example.com",
				Date: date("2026-08-30T11:00:00Z"),
			},
		},
		structures: map[uint32][]protocol.BodyPart{
			1: {{PartID: 1, MIMEType: "text/plain", Encoding: "7BIT"}},
			2: {{PartID: 1, MIMEType: "text/plain", Encoding: "7BIT"}},
		},
		sections: map[uint32]map[string][]byte{
			1: {"1": []byte("root body")},
			2: {"1": []byte("reply body")},
		},
	}
}

func TestSyncAccountIngestsAndThreads(t *testing.T) {
	session := inboxSession()
	o, st, broker := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)

	require.NoError(t, o.SyncAccount(context.Background(), account.ID))
	assert.Equal(t, broker.checkouts, broker.checkins)

	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, "root body", root.BodyText)
	assert.True(t, root.Read)

	reply, err := st.GetEmailByMessageID(account.ID, "<reply@example.com>")
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.False(t, reply.Read)

	// Reply chains into the root's thread.
	assert.Equal(t, root.ThreadID, reply.ThreadID)
	thread, err := st.GetThread(root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)

	folder, err := st.GetFolderByPath(account.ID, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, folder)
	assert.Equal(t, types.FolderInbox, folder.Type)
	assert.Equal(t, uint32(7), folder.UIDValidity)
	assert.Equal(t, 2, folder.MessageCount)
	require.NotNil(t, folder.LastSyncedAt)

	known, err := st.JoinedUIDs(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{1: true, 2: true}, known)

	contacts, err := st.ListContacts(account.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 3)
}

func TestSyncAccountIsIdempotent(t *testing.T) {
	session := inboxSession()
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)

	require.NoError(t, o.SyncAccount(context.Background(), account.ID))
	fetchesAfterFirst := session.fetches
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	// Nothing new on the server means the second pass fetches nothing.
	assert.Equal(t, fetchesAfterFirst, session.fetches)

	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)
	thread, err := st.GetThread(root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)

	folder, err := st.GetFolderByPath(account.ID, "INBOX")
	require.NoError(t, err)
	known, err := st.JoinedUIDs(folder.ID)
	require.NoError(t, err)
	assert.Len(t, known, 2)
}

func TestSyncThreadsReplyArrivingBeforeRoot(t *testing.T) {
	session := inboxSession()
	// The reply holds the lower UID, so it is ingested before its root.
	session.headers = map[uint32]protocol.Header{
		1: {
			UID: 1, MessageID: "<reply@example.com>", Subject: "Re: Topic",
			InReplyTo: "<root@example.com>", References: "<root@example.com>",
			From: "bob@example.com",
			Date: date("2026-08-30T11:00:00Z"),
		},
		2: {
			UID: 2, MessageID: "<root@example.com>", Subject: "Topic",
			From: "ann@example.com", FromName: "Ann",
			To: []string{"user@example.com"}, Flags: []string{`\Seen`},
			Date: date("2026-08-30T10:00:00Z"),
		},
	}
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)

	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)
	reply, err := st.GetEmailByMessageID(account.ID, "<reply@example.com>")
	require.NoError(t, err)

	// Arrival order must not split the conversation.
	assert.Equal(t, reply.ThreadID, root.ThreadID)
	thread, err := st.GetThread(root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
}

func TestSyncMergesThreadsJoinedByReferences(t *testing.T) {
	session := inboxSession()
	session.selectInfo["INBOX"] = protocol.SelectInfo{UIDValidity: 7, Exists: 3}
	session.uids = []uint32{1, 2, 3}
	// Two unrelated messages, then a reply whose References chain both.
	session.headers = map[uint32]protocol.Header{
		1: {
			UID: 1, MessageID: "<a@example.com>", Subject: "Planning",
			From: "ann@example.com", Date: date("2026-08-30T10:00:00Z"),
		},
		2: {
			UID: 2, MessageID: "<b@example.com>", Subject: "Budget",
			From: "bob@example.com", Date: date("2026-08-30T10:30:00Z"),
		},
		3: {
			UID: 3, MessageID: "<c@example.com>", Subject: "Re: Planning",
			InReplyTo: "<b@example.com>", References: "<a@example.com> <b@example.com>",
			From: "cat@example.com", Date: date("2026-08-30T11:00:00Z"),
		},
	}
	session.structures[3] = session.structures[1]
	session.sections[3] = session.sections[1]
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)

	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	a, err := st.GetEmailByMessageID(account.ID, "<a@example.com>")
	require.NoError(t, err)
	b, err := st.GetEmailByMessageID(account.ID, "<b@example.com>")
	require.NoError(t, err)
	c, err := st.GetEmailByMessageID(account.ID, "<c@example.com>")
	require.NoError(t, err)

	assert.Equal(t, a.ThreadID, b.ThreadID)
	assert.Equal(t, a.ThreadID, c.ThreadID)
	thread, err := st.GetThread(a.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.MessageCount)
}

func TestSyncFolderResyncsOnValidityChange(t *testing.T) {
	session := inboxSession()
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	// The server rebuilt the mailbox: new validity epoch, new UIDs for the
	// same messages.
	session.selectInfo["INBOX"] = protocol.SelectInfo{UIDValidity: 9, Exists: 2}
	session.uids = []uint32{5, 6}
	session.headers[5] = session.headers[1]
	session.headers[6] = session.headers[2]
	session.structures[5] = session.structures[1]
	session.structures[6] = session.structures[2]
	session.sections[5] = session.sections[1]
	session.sections[6] = session.sections[2]
	h5 := session.headers[5]
	h5.UID = 5
	session.headers[5] = h5
	h6 := session.headers[6]
	h6.UID = 6
	session.headers[6] = h6

	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	folder, err := st.GetFolderByPath(account.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), folder.UIDValidity)

	known, err := st.JoinedUIDs(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{5: true, 6: true}, known)

	// The emails deduplicated by message id; no copies were created.
	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)
	thread, err := st.GetThread(root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
}

func TestRefreshFlagsTracksRemoteChanges(t *testing.T) {
	session := inboxSession()
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	// Another client starred the reply and read it. A plain sync never
	// re-fetches known UIDs; the explicit refresh picks it up.
	session.flags = map[uint32][]string{
		2: {`\Seen`, `\Flagged`},
	}
	require.NoError(t, o.RefreshFlags(context.Background(), account.ID, "INBOX"))

	reply, err := st.GetEmailByMessageID(account.ID, "<reply@example.com>")
	require.NoError(t, err)
	assert.True(t, reply.Read)
	assert.True(t, reply.Starred)
}

func TestSyncAccountInboxFirstOrdering(t *testing.T) {
	session := inboxSession()
	session.entries = []protocol.ListEntry{
		{Path: "Work", Name: "Work", Delimiter: "/"},
		{Path: "INBOX", Name: "INBOX", Delimiter: "/"},
	}
	session.selectInfo["Work"] = protocol.SelectInfo{UIDValidity: 3, Exists: 0}
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)

	inboxDone := false
	require.NoError(t, o.SyncAccountInboxFirst(context.Background(), account.ID, func(inbox []*types.Email) {
		inboxDone = true
		// The callback carries the just-synced inbox messages and fires
		// before any other folder completes.
		require.Len(t, inbox, 2)
		assert.Equal(t, "<root@example.com>", inbox[0].MessageID)
		work, err := st.GetFolderByPath(account.ID, "Work")
		require.NoError(t, err)
		assert.Nil(t, work.LastSyncedAt)
	}))
	assert.True(t, inboxDone)
}

func TestSyncAccountInactive(t *testing.T) {
	o, st, broker := newTestOrchestrator(t, inboxSession())
	account := seedSyncAccount(t, st)
	account.Active = false
	require.NoError(t, st.UpsertAccount(account))

	err := o.SyncAccount(context.Background(), account.ID)
	require.Error(t, err)
	assert.Zero(t, broker.checkouts)
}

func TestClassify(t *testing.T) {
	custom := "custom"
	profile := &types.ProviderProfile{ID: custom}

	tests := []struct {
		name     string
		entry    protocol.ListEntry
		want     types.FolderType
		syncable bool
	}{
		{"inbox", protocol.ListEntry{Path: "INBOX", Name: "INBOX"}, types.FolderInbox, true},
		{"sent by name", protocol.ListEntry{Path: "Sent Items", Name: "Sent Items"}, types.FolderSent, true},
		{"special use wins", protocol.ListEntry{Path: "Elsewhere", Name: "Elsewhere", Attributes: []string{`\Trash`}}, types.FolderTrash, true},
		{"noselect skipped", protocol.ListEntry{Path: "[Gmail]", Name: "[Gmail]", Attributes: []string{`\Noselect`}}, types.FolderCustom, false},
		{"custom", protocol.ListEntry{Path: "Receipts", Name: "Receipts"}, types.FolderCustom, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, syncable := Classify(tt.entry, profile)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.syncable, syncable)
		})
	}
}

func TestClassifyGmailAggregates(t *testing.T) {
	gmail := "gmail"
	profile := &types.ProviderProfile{
		ID: gmail,
		SpecialFolders: map[string]types.FolderType{
			"[gmail]/all mail": types.FolderArchive,
		},
		AggregateFolders: map[string]bool{
			"[gmail]/all mail": true,
		},
	}
	folderType, syncable := Classify(protocol.ListEntry{Path: "[Gmail]/All Mail", Name: "All Mail"}, profile)
	assert.Equal(t, types.FolderArchive, folderType)
	assert.False(t, syncable)
}

func TestMarkReadAndStarred(t *testing.T) {
	session := inboxSession()
	o, st, broker := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	reply, err := st.GetEmailByMessageID(account.ID, "<reply@example.com>")
	require.NoError(t, err)

	require.NoError(t, o.MarkRead(context.Background(), reply.ID, true))
	require.NoError(t, o.SetStarred(context.Background(), reply.ID, true))
	assert.Equal(t, []string{`+\Seen`, `+\Flagged`}, session.storeCalls)
	assert.Equal(t, "INBOX", session.selected)
	assert.Equal(t, broker.checkouts, broker.checkins)

	got, err := st.GetEmail(reply.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.True(t, got.Starred)
}

func TestDeleteMovesToTrash(t *testing.T) {
	session := inboxSession()
	session.entries = append(session.entries, protocol.ListEntry{Path: "Trash", Name: "Trash", Delimiter: "/"})
	session.selectInfo["Trash"] = protocol.SelectInfo{UIDValidity: 4, Exists: 0}
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)

	require.NoError(t, o.Delete(context.Background(), root.ID))
	assert.Equal(t, []string{"Trash"}, session.copyCalls)
	assert.Contains(t, session.storeCalls, `+\Deleted`)
	assert.Equal(t, 1, session.expunges)

	got, err := st.GetEmail(root.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	inbox, err := st.GetFolderByPath(account.ID, "INBOX")
	require.NoError(t, err)
	known, err := st.JoinedUIDs(inbox.ID)
	require.NoError(t, err)
	assert.NotContains(t, known, uint32(1))
}

func TestArchiveMoveProvider(t *testing.T) {
	session := inboxSession()
	session.entries = append(session.entries, protocol.ListEntry{Path: "Archive", Name: "Archive", Delimiter: "/"})
	session.selectInfo["Archive"] = protocol.SelectInfo{UIDValidity: 5, Exists: 0}
	o, st, _ := newTestOrchestrator(t, session)
	account := seedSyncAccount(t, st)
	require.NoError(t, o.SyncAccount(context.Background(), account.ID))

	root, err := st.GetEmailByMessageID(account.ID, "<root@example.com>")
	require.NoError(t, err)

	// The custom profile archives by move.
	require.NoError(t, o.Archive(context.Background(), root.ID))
	assert.Equal(t, []string{"Archive"}, session.copyCalls)
	assert.Equal(t, 1, session.expunges)
}
