package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailsync/pkg/types"
)

// UpsertEmail inserts or updates an email keyed by (account, message id) and
// returns the row id. Only inbound fields are updated on conflict; the
// send-state columns belong to the outbound pipeline and are never clobbered
// by a sync pass.
func (s *Store) UpsertEmail(email *types.Email) (int64, error) {
	_, err := s.db.NamedExec(`
		INSERT INTO emails (account_id, thread_id, message_id, in_reply_to, references_ids,
			from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
			subject, body_text, body_html, received_at, sent_at,
			read, starred, draft, deleted, send_state, send_retry_count, send_queued_at)
		VALUES (:account_id, :thread_id, :message_id, :in_reply_to, :references_ids,
			:from_address, :from_name, :to_addresses, :cc_addresses, :bcc_addresses,
			:subject, :body_text, :body_html, :received_at, :sent_at,
			:read, :starred, :draft, :deleted, :send_state, :send_retry_count, :send_queued_at)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			in_reply_to = excluded.in_reply_to,
			references_ids = excluded.references_ids,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_addresses = excluded.to_addresses,
			cc_addresses = excluded.cc_addresses,
			bcc_addresses = excluded.bcc_addresses,
			subject = excluded.subject,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			received_at = excluded.received_at,
			read = excluded.read,
			starred = excluded.starred,
			deleted = excluded.deleted`, email)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert email: %w", err)
	}
	var id int64
	if err := s.db.Get(&id, "SELECT id FROM emails WHERE account_id = ? AND message_id = ?",
		email.AccountID, email.MessageID); err != nil {
		return 0, fmt.Errorf("failed to resolve email id: %w", err)
	}
	email.ID = id
	return id, nil
}

// GetEmail retrieves an email by id.
func (s *Store) GetEmail(id int64) (*types.Email, error) {
	var email types.Email
	if err := s.db.Get(&email, "SELECT * FROM emails WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get email %d: %w", id, err)
	}
	return &email, nil
}

// GetEmailByMessageID retrieves an email by its Message-ID header.
func (s *Store) GetEmailByMessageID(accountID int64, messageID string) (*types.Email, error) {
	var email types.Email
	err := s.db.Get(&email, "SELECT * FROM emails WHERE account_id = ? AND message_id = ?", accountID, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get email %s: %w", messageID, err)
	}
	return &email, nil
}

// UpdateEmailFlags records the read and starred state observed on the server.
func (s *Store) UpdateEmailFlags(emailID int64, read, starred bool) error {
	if _, err := s.db.Exec("UPDATE emails SET read = ?, starred = ? WHERE id = ?", read, starred, emailID); err != nil {
		return fmt.Errorf("failed to update email flags: %w", err)
	}
	return nil
}

// MarkEmailDeleted flags an email as deleted locally.
func (s *Store) MarkEmailDeleted(emailID int64) error {
	if _, err := s.db.Exec("UPDATE emails SET deleted = 1 WHERE id = ?", emailID); err != nil {
		return fmt.Errorf("failed to mark email deleted: %w", err)
	}
	return nil
}

// FindThreadIDs returns the distinct threads any of the given message ids
// touch, matching stored Message-ID, In-Reply-To and References headers.
// Matching both directions keeps threading commutative across arrival order:
// a root arriving after its reply still finds the thread the reply opened.
func (s *Store) FindThreadIDs(accountID int64, messageIDs []string) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	conds := []string{
		"message_id IN (" + in + ")",
		"in_reply_to IN (" + in + ")",
	}
	args := []interface{}{accountID}
	for i := 0; i < 2; i++ {
		for _, id := range messageIDs {
			args = append(args, id)
		}
	}
	// References is a space-separated id list; pad both sides so a candidate
	// only matches a whole id, never a substring of one.
	for _, id := range messageIDs {
		conds = append(conds, "instr(' ' || references_ids || ' ', ?) > 0")
		args = append(args, " "+id+" ")
	}
	query := `SELECT DISTINCT thread_id FROM emails
		WHERE account_id = ? AND thread_id != 0 AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY thread_id`
	var ids []int64
	if err := s.db.Select(&ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find threads: %w", err)
	}
	return ids, nil
}

// MergeThreads folds the given threads into one surviving thread. A message
// whose reference chain spans several existing threads proves they are the
// same conversation.
func (s *Store) MergeThreads(into int64, from []int64) error {
	if len(from) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE emails SET thread_id = ? WHERE thread_id IN (?)", into, from)
	if err != nil {
		return fmt.Errorf("failed to build thread merge: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to merge threads: %w", err)
	}
	query, args, err = sqlx.In("DELETE FROM threads WHERE id IN (?)", from)
	if err != nil {
		return fmt.Errorf("failed to build thread cleanup: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete merged threads: %w", err)
	}
	return nil
}

// CreateThread inserts a new thread and returns its id.
func (s *Store) CreateThread(accountID int64, subject string) (int64, error) {
	res, err := s.db.Exec("INSERT INTO threads (account_id, subject) VALUES (?, ?)", accountID, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve thread id: %w", err)
	}
	return id, nil
}

// SetEmailThread assigns an email to a thread.
func (s *Store) SetEmailThread(emailID, threadID int64) error {
	if _, err := s.db.Exec("UPDATE emails SET thread_id = ? WHERE id = ?", threadID, emailID); err != nil {
		return fmt.Errorf("failed to assign thread: %w", err)
	}
	return nil
}

// RecomputeThread refreshes a thread's aggregates from its member emails.
func (s *Store) RecomputeThread(threadID int64) error {
	_, err := s.db.Exec(`
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM emails WHERE thread_id = ?),
			unread_count = (SELECT COUNT(*) FROM emails WHERE thread_id = ? AND read = 0),
			latest_date = COALESCE(
				(SELECT MAX(COALESCE(received_at, sent_at)) FROM emails WHERE thread_id = ?),
				latest_date)
		WHERE id = ?`, threadID, threadID, threadID, threadID)
	if err != nil {
		return fmt.Errorf("failed to recompute thread %d: %w", threadID, err)
	}
	return nil
}

// GetThread retrieves a thread by id.
func (s *Store) GetThread(id int64) (*types.Thread, error) {
	var thread types.Thread
	if err := s.db.Get(&thread, "SELECT * FROM threads WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get thread %d: %w", id, err)
	}
	return &thread, nil
}

// ListThreads returns an account's threads, newest first.
func (s *Store) ListThreads(accountID int64) ([]*types.Thread, error) {
	var threads []*types.Thread
	err := s.db.Select(&threads, "SELECT * FROM threads WHERE account_id = ? ORDER BY latest_date DESC", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

// UpsertContact records an address seen in message headers. A later sighting
// with a non-empty name fills in a previously nameless contact.
func (s *Store) UpsertContact(accountID int64, email, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (account_id, email, name)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END`,
		accountID, email, name)
	if err != nil {
		return fmt.Errorf("failed to upsert contact %s: %w", email, err)
	}
	return nil
}

// ListContacts returns an account's contacts ordered by address.
func (s *Store) ListContacts(accountID int64) ([]*types.Contact, error) {
	var contacts []*types.Contact
	if err := s.db.Select(&contacts, "SELECT * FROM contacts WHERE account_id = ? ORDER BY email", accountID); err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

// EnqueueSend moves an email into the queued state with a fresh retry count.
func (s *Store) EnqueueSend(emailID int64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE emails SET send_state = ?, send_retry_count = 0, send_queued_at = ?
		WHERE id = ?`, types.SendQueued, at, emailID)
	if err != nil {
		return fmt.Errorf("failed to enqueue send: %w", err)
	}
	return nil
}

// ClaimSend atomically moves a queued email into the sending state and
// stamps when the claim happened; the stuck-send sweep keys on that stamp.
// It reports false when the email was not queued, so two workers can never
// claim the same message.
func (s *Store) ClaimSend(emailID int64, at time.Time) (bool, error) {
	res, err := s.db.Exec("UPDATE emails SET send_state = ?, send_claimed_at = ? WHERE id = ? AND send_state = ?",
		types.SendSending, at, emailID, types.SendQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim send: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim send: %w", err)
	}
	return n == 1, nil
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(emailID int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE emails SET send_state = ?, sent_at = ? WHERE id = ?",
		types.SendSent, at, emailID)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return nil
}

// RequeueSend returns a sending email to the queue after a transient
// failure, counting the attempt.
func (s *Store) RequeueSend(emailID int64) error {
	_, err := s.db.Exec(`
		UPDATE emails SET send_state = ?, send_retry_count = send_retry_count + 1
		WHERE id = ?`, types.SendQueued, emailID)
	if err != nil {
		return fmt.Errorf("failed to requeue send: %w", err)
	}
	return nil
}

// MarkSendFailed records a terminal delivery failure.
func (s *Store) MarkSendFailed(emailID int64) error {
	if _, err := s.db.Exec("UPDATE emails SET send_state = ? WHERE id = ?", types.SendFailed, emailID); err != nil {
		return fmt.Errorf("failed to mark send failed: %w", err)
	}
	return nil
}

// QueuedEmails returns emails waiting to be sent, oldest first.
func (s *Store) QueuedEmails(accountID int64, limit int) ([]*types.Email, error) {
	var emails []*types.Email
	err := s.db.Select(&emails, `
		SELECT * FROM emails
		WHERE account_id = ? AND send_state = ?
		ORDER BY send_queued_at LIMIT ?`, accountID, types.SendQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued emails: %w", err)
	}
	return emails, nil
}

// SweepStuckSends fails emails abandoned in the sending state by a crashed
// or interrupted run. Only the claim timestamp decides staleness, so a
// message that waited long in the queue is never swept while its send is
// still in flight. Returns the number failed.
func (s *Store) SweepStuckSends(before time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE emails SET send_state = ?
		WHERE send_state = ? AND send_claimed_at < ?`,
		types.SendFailed, types.SendSending, before)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stuck sends: %w", err)
	}
	failed, _ := res.RowsAffected()
	return failed, nil
}
