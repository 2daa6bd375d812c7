package store

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := OpenInMemory(logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store) *types.Account {
	t.Helper()
	account := &types.Account{
		Email:      "user@example.com",
		IMAPHost:   "imap.example.com",
		IMAPPort:   993,
		SMTPHost:   "smtp.example.com",
		SMTPPort:   465,
		AuthMethod: types.AuthXOAuth2,
		Active:     true,
	}
	require.NoError(t, s.UpsertAccount(account))
	require.NotZero(t, account.ID)
	return account
}

func seedFolder(t *testing.T, s *Store, accountID int64, path string) int64 {
	t.Helper()
	id, err := s.UpsertFolder(&types.Folder{
		AccountID:   accountID,
		DisplayName: path,
		Path:        path,
		Type:        types.FolderCustom,
	})
	require.NoError(t, err)
	return id
}

func TestUpsertAccountIdempotent(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	account.DisplayName = "User"
	require.NoError(t, s.UpsertAccount(account))

	got, err := s.GetAccountByEmail("user@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.ID, got.ID)
	assert.Equal(t, "User", got.DisplayName)

	accounts, err := s.ListActiveAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestUpsertFolderKeyedByPath(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	first, err := s.UpsertFolder(&types.Folder{AccountID: account.ID, DisplayName: "Inbox", Path: "INBOX", Type: types.FolderInbox})
	require.NoError(t, err)
	second, err := s.UpsertFolder(&types.Folder{AccountID: account.ID, DisplayName: "Incoming", Path: "INBOX", Type: types.FolderInbox})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	folder, err := s.GetFolder(first)
	require.NoError(t, err)
	assert.Equal(t, "Incoming", folder.DisplayName)
}

func TestFolderJoins(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)
	folderID := seedFolder(t, s, account.ID, "INBOX")

	emailID, err := s.UpsertEmail(&types.Email{AccountID: account.ID, MessageID: "<a@example.com>", SendState: types.SendNone})
	require.NoError(t, err)

	require.NoError(t, s.UpsertJoin(emailID, folderID, 42))
	require.NoError(t, s.UpsertJoin(emailID, folderID, 42))
	require.NoError(t, s.UpsertJoin(emailID, folderID, 99))

	known, err := s.JoinedUIDs(folderID)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{42: true, 99: true}, known)

	max, err := s.MaxUID(folderID)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), max)

	require.NoError(t, s.DeleteFolderJoins(folderID))
	known, err = s.JoinedUIDs(folderID)
	require.NoError(t, err)
	assert.Empty(t, known)

	// The email itself survives the join purge.
	email, err := s.GetEmail(emailID)
	require.NoError(t, err)
	require.NotNil(t, email)
}

func TestUpsertEmailPreservesSendState(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	email := &types.Email{AccountID: account.ID, MessageID: "<m@example.com>", Subject: "hi", SendState: types.SendNone}
	id, err := s.UpsertEmail(email)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueSend(id, time.Now()))

	// A sync pass re-upserting the same message must not touch the queue.
	email.Subject = "hi again"
	again, err := s.UpsertEmail(email)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := s.GetEmail(id)
	require.NoError(t, err)
	assert.Equal(t, "hi again", got.Subject)
	assert.Equal(t, types.SendQueued, got.SendState)
}

func TestThreadLookupAndAggregates(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	threadID, err := s.CreateThread(account.ID, "Plans")
	require.NoError(t, err)

	rootID, err := s.UpsertEmail(&types.Email{
		AccountID: account.ID, MessageID: "<root@example.com>",
		ThreadID: threadID, Subject: "Plans", Read: true, SendState: types.SendNone,
	})
	require.NoError(t, err)
	require.NotZero(t, rootID)

	found, err := s.FindThreadIDs(account.ID, []string{"<missing@example.com>", "<root@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []int64{threadID}, found)

	found, err = s.FindThreadIDs(account.ID, []string{"<missing@example.com>"})
	require.NoError(t, err)
	assert.Empty(t, found)

	replyID, err := s.UpsertEmail(&types.Email{
		AccountID: account.ID, MessageID: "<reply@example.com>",
		ThreadID: threadID, InReplyTo: "<ghost@example.com>",
		References: "<older@example.com> <ghost@example.com>", SendState: types.SendNone,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetEmailThread(replyID, threadID))
	require.NoError(t, s.RecomputeThread(threadID))

	// The reply's stored In-Reply-To and References also resolve the
	// thread, so a message arriving after its replies still finds it.
	found, err = s.FindThreadIDs(account.ID, []string{"<ghost@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []int64{threadID}, found)

	found, err = s.FindThreadIDs(account.ID, []string{"<older@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []int64{threadID}, found)

	// A partial id must not match inside a longer one.
	found, err = s.FindThreadIDs(account.ID, []string{"<older@example.com"})
	require.NoError(t, err)
	assert.Empty(t, found)

	thread, err := s.GetThread(threadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
}

func TestMergeThreads(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	first, err := s.CreateThread(account.ID, "Plans")
	require.NoError(t, err)
	second, err := s.CreateThread(account.ID, "Re: Plans")
	require.NoError(t, err)

	aID, err := s.UpsertEmail(&types.Email{
		AccountID: account.ID, MessageID: "<a@example.com>", ThreadID: first, SendState: types.SendNone,
	})
	require.NoError(t, err)
	bID, err := s.UpsertEmail(&types.Email{
		AccountID: account.ID, MessageID: "<b@example.com>", ThreadID: second, SendState: types.SendNone,
	})
	require.NoError(t, err)

	require.NoError(t, s.MergeThreads(first, []int64{second}))
	require.NoError(t, s.RecomputeThread(first))

	a, err := s.GetEmail(aID)
	require.NoError(t, err)
	b, err := s.GetEmail(bID)
	require.NoError(t, err)
	assert.Equal(t, first, a.ThreadID)
	assert.Equal(t, first, b.ThreadID)

	merged, err := s.GetThread(second)
	require.NoError(t, err)
	assert.Nil(t, merged)

	thread, err := s.GetThread(first)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
}

func TestUpsertContactFillsName(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	require.NoError(t, s.UpsertContact(account.ID, "ann@example.com", ""))
	require.NoError(t, s.UpsertContact(account.ID, "ann@example.com", "Ann"))
	require.NoError(t, s.UpsertContact(account.ID, "ann@example.com", ""))

	contacts, err := s.ListContacts(account.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Ann", contacts[0].Name)
}

func TestSendLifecycle(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)

	id, err := s.UpsertEmail(&types.Email{AccountID: account.ID, MessageID: "<out@example.com>", SendState: types.SendNone})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueSend(id, time.Now()))

	claimed, err := s.ClaimSend(id, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim on the same message must lose.
	claimed, err = s.ClaimSend(id, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.RequeueSend(id))
	email, err := s.GetEmail(id)
	require.NoError(t, err)
	assert.Equal(t, types.SendQueued, email.SendState)
	assert.Equal(t, 1, email.SendRetryCount)

	queued, err := s.QueuedEmails(account.ID, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	claimed, err = s.ClaimSend(id, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkSent(id, time.Now()))

	email, err = s.GetEmail(id)
	require.NoError(t, err)
	assert.Equal(t, types.SendSent, email.SendState)
	require.NotNil(t, email.SentAt)
}

func TestSweepStuckSends(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s)
	queuedAt := time.Now().Add(-time.Hour)

	// Claimed long ago and never settled: a crashed run left it behind.
	stuckID, err := s.UpsertEmail(&types.Email{AccountID: account.ID, MessageID: "<stuck@example.com>", SendState: types.SendNone})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueSend(stuckID, queuedAt))
	_, err = s.ClaimSend(stuckID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	// Queued long ago but claimed just now: the send is still in flight.
	liveID, err := s.UpsertEmail(&types.Email{AccountID: account.ID, MessageID: "<live@example.com>", SendState: types.SendNone})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueSend(liveID, queuedAt))
	_, err = s.ClaimSend(liveID, time.Now())
	require.NoError(t, err)

	// Still waiting in the queue; a long wait is not a stuck send.
	waitingID, err := s.UpsertEmail(&types.Email{AccountID: account.ID, MessageID: "<waiting@example.com>", SendState: types.SendNone})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueSend(waitingID, queuedAt))

	failed, err := s.SweepStuckSends(time.Now().Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	stuck, err := s.GetEmail(stuckID)
	require.NoError(t, err)
	assert.Equal(t, types.SendFailed, stuck.SendState)

	live, err := s.GetEmail(liveID)
	require.NoError(t, err)
	assert.Equal(t, types.SendSending, live.SendState)

	waiting, err := s.GetEmail(waitingID)
	require.NoError(t, err)
	assert.Equal(t, types.SendQueued, waiting.SendState)
}
