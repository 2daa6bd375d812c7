package types

import "time"

// SendState tracks the outbound lifecycle of an email.
type SendState string

const (
	SendNone    SendState = "none"
	SendQueued  SendState = "queued"
	SendSending SendState = "sending"
	SendSent    SendState = "sent"
	SendFailed  SendState = "failed"
)

// Email is a message owned by an account. Inbound fields are written by the
// sync orchestrator, the send-state fields by the outbound pipeline.
type Email struct {
	ID         int64  `json:"id" db:"id"`
	AccountID  int64  `json:"account_id" db:"account_id"`
	ThreadID   int64  `json:"thread_id" db:"thread_id"`
	MessageID  string `json:"message_id" db:"message_id"`
	InReplyTo  string `json:"in_reply_to,omitempty" db:"in_reply_to"`
	References string `json:"references,omitempty" db:"references_ids"`

	FromAddress  string `json:"from_address" db:"from_address"`
	FromName     string `json:"from_name,omitempty" db:"from_name"`
	ToAddresses  string `json:"to_addresses" db:"to_addresses"`
	CcAddresses  string `json:"cc_addresses,omitempty" db:"cc_addresses"`
	BccAddresses string `json:"bcc_addresses,omitempty" db:"bcc_addresses"`

	Subject  string `json:"subject" db:"subject"`
	BodyText string `json:"body_text,omitempty" db:"body_text"`
	BodyHTML string `json:"body_html,omitempty" db:"body_html"`

	ReceivedAt *time.Time `json:"received_at,omitempty" db:"received_at"`
	SentAt     *time.Time `json:"sent_at,omitempty" db:"sent_at"`

	Read    bool `json:"read" db:"read"`
	Starred bool `json:"starred" db:"starred"`
	Draft   bool `json:"draft" db:"draft"`
	Deleted bool `json:"deleted" db:"deleted"`

	SendState      SendState  `json:"send_state" db:"send_state"`
	SendRetryCount int        `json:"send_retry_count" db:"send_retry_count"`
	SendQueuedAt   *time.Time `json:"send_queued_at,omitempty" db:"send_queued_at"`
	SendClaimedAt  *time.Time `json:"send_claimed_at,omitempty" db:"send_claimed_at"`
}

// Thread groups emails chained by Message-ID/In-Reply-To/References.
type Thread struct {
	ID           int64     `json:"id" db:"id"`
	AccountID    int64     `json:"account_id" db:"account_id"`
	Subject      string    `json:"subject" db:"subject"`
	LatestDate   time.Time `json:"latest_date" db:"latest_date"`
	MessageCount int       `json:"message_count" db:"message_count"`
	UnreadCount  int       `json:"unread_count" db:"unread_count"`
}

// Contact is a cached address seen in message headers.
type Contact struct {
	ID        int64  `json:"id" db:"id"`
	AccountID int64  `json:"account_id" db:"account_id"`
	Email     string `json:"email" db:"email"`
	Name      string `json:"name,omitempty" db:"name"`
}
