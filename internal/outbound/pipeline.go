package outbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/provider"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	// defaultMaxAttempts bounds how often one message is tried before it
	// fails for good.
	defaultMaxAttempts = 3
	// defaultStuckAfter is how long a claimed message may sit in the
	// sending state before the recovery sweep fails it.
	defaultStuckAfter = 10 * time.Minute
	// queueBatch is how many queued messages one ProcessQueue pass takes.
	queueBatch = 50
)

// Broker is the session source used for Sent-folder appends.
type Broker interface {
	Checkout(ctx context.Context, account *types.Account, profile *types.ProviderProfile, wire *types.WireCredential) (imap.Session, error)
	Checkin(accountID int64, session imap.Session)
}

// CredentialResolver turns an account's stored credential into wire form.
type CredentialResolver interface {
	Resolve(ctx context.Context, account *types.Account) (*types.WireCredential, error)
}

// Pipeline drives queued mail to delivery.
type Pipeline struct {
	store  *store.Store
	sender Sender
	broker Broker
	creds  CredentialResolver
	logger *logrus.Logger

	maxAttempts int
	stuckAfter  time.Duration
}

// NewPipeline creates an outbound pipeline.
func NewPipeline(st *store.Store, sender Sender, broker Broker, creds CredentialResolver, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		sender:      sender,
		broker:      broker,
		creds:       creds,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		stuckAfter:  defaultStuckAfter,
	}
}

// Queue stores a draft as a queued outgoing email and returns its id. The
// message gets its Message-ID here, so a reply chain can reference it before
// delivery.
func (p *Pipeline) Queue(ctx context.Context, accountID int64, draft *Draft) (int64, error) {
	account, err := p.store.GetAccount(accountID)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", accountID))
	}
	if len(draft.To) == 0 {
		return 0, mailerr.New(mailerr.KindSendTerminal, "draft has no recipients")
	}

	email := &types.Email{
		AccountID:    account.ID,
		MessageID:    NewMessageID(account.Email),
		InReplyTo:    draft.InReplyTo,
		References:   draft.References,
		FromAddress:  account.Email,
		FromName:     account.DisplayName,
		ToAddresses:  joinAddresses(draft.To),
		CcAddresses:  joinAddresses(draft.Cc),
		BccAddresses: joinAddresses(draft.Bcc),
		Subject:      draft.Subject,
		BodyText:     draft.BodyText,
		BodyHTML:     draft.BodyHTML,
		Read:         true,
		SendState:    types.SendNone,
	}
	id, err := p.store.UpsertEmail(email)
	if err != nil {
		return 0, err
	}
	if err := p.store.EnqueueSend(id, time.Now()); err != nil {
		return 0, err
	}
	p.logger.WithFields(logrus.Fields{
		"account":  account.Email,
		"email_id": id,
	}).Info("Message queued")
	return id, nil
}

// ProcessQueue attempts delivery of every queued message of an account.
// Failures of one message never block the rest of the queue.
func (p *Pipeline) ProcessQueue(ctx context.Context, accountID int64) error {
	queued, err := p.store.QueuedEmails(accountID, queueBatch)
	if err != nil {
		return err
	}
	for _, email := range queued {
		if err := ctx.Err(); err != nil {
			return mailerr.Wrap(mailerr.KindOperationCancelled, err, "queue processing cancelled")
		}
		if err := p.attempt(ctx, email); err != nil {
			p.logger.WithError(err).WithField("email_id", email.ID).Warn("Delivery attempt failed")
		}
	}
	return nil
}

// attempt claims one queued message and tries to deliver it exactly once.
// The outcome decides the next state: sent, requeued for another attempt,
// or failed when the error is terminal or the attempts are spent.
func (p *Pipeline) attempt(ctx context.Context, email *types.Email) error {
	claimed, err := p.store.ClaimSend(email.ID, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker got there first.
		return nil
	}

	account, err := p.store.GetAccount(email.AccountID)
	if err != nil {
		return p.settle(email, err)
	}
	if account == nil {
		return p.settle(email, mailerr.New(mailerr.KindAccountNotFound, fmt.Sprintf("account %d", email.AccountID)))
	}

	// Queue validates recipients, but a row can reach queued without
	// passing through it; re-check before composing.
	rcpts := SplitAddresses(email.ToAddresses)
	rcpts = append(rcpts, SplitAddresses(email.CcAddresses)...)
	rcpts = append(rcpts, SplitAddresses(email.BccAddresses)...)
	if len(rcpts) == 0 {
		return p.settle(email, mailerr.New(mailerr.KindSendTerminal, "no recipients"))
	}

	raw, err := Compose(account, email)
	if err != nil {
		// A message that cannot be rendered never will be.
		return p.settle(email, mailerr.Wrap(mailerr.KindSendTerminal, err, "compose failed"))
	}
	wire, err := p.creds.Resolve(ctx, account)
	if err != nil {
		return p.settle(email, err)
	}

	if err := p.sender.Send(ctx, account, wire, rcpts, raw); err != nil {
		return p.settle(email, err)
	}

	if err := p.store.MarkSent(email.ID, time.Now()); err != nil {
		return err
	}
	p.appendToSent(ctx, account, wire, raw)
	return nil
}

// settle records a failed attempt: transient errors requeue until the
// attempt bound, everything else fails the message for good.
func (p *Pipeline) settle(email *types.Email, cause error) error {
	if mailerr.Retryable(cause) && email.SendRetryCount+1 < p.maxAttempts {
		if err := p.store.RequeueSend(email.ID); err != nil {
			return err
		}
		return cause
	}
	if err := p.store.MarkSendFailed(email.ID); err != nil {
		return err
	}
	if mailerr.Retryable(cause) {
		return mailerr.Wrap(mailerr.KindMaxRetriesExhausted, cause, fmt.Sprintf("gave up after %d attempts", p.maxAttempts))
	}
	return cause
}

// appendToSent uploads a delivered message into the Sent folder for
// providers that do not copy it server-side. Best effort: the message is
// already delivered, so an append failure only logs.
func (p *Pipeline) appendToSent(ctx context.Context, account *types.Account, wire *types.WireCredential, raw []byte) {
	profile := provider.ForAccount(account)
	if !profile.RequiresSentAppend {
		return
	}
	sent, err := p.store.GetFolderByType(account.ID, types.FolderSent)
	if err != nil || sent == nil {
		p.logger.WithField("account", account.Email).Warn("No sent folder for append")
		return
	}
	session, err := p.broker.Checkout(ctx, account, profile, wire)
	if err != nil {
		p.logger.WithError(err).Warn("Sent append checkout failed")
		return
	}
	defer p.broker.Checkin(account.ID, session)
	if err := session.Append(ctx, sent.Path, []string{`\Seen`}, raw); err != nil {
		p.logger.WithError(err).WithField("folder", sent.Path).Warn("Sent append failed")
	}
}

// RecoverStuck fails messages abandoned mid-send by a crashed run, so they
// are neither silently lost nor retried without bound.
func (p *Pipeline) RecoverStuck(ctx context.Context) error {
	failed, err := p.store.SweepStuckSends(time.Now().Add(-p.stuckAfter))
	if err != nil {
		return err
	}
	if failed > 0 {
		p.logger.WithField("failed", failed).Warn("Failed stuck sends")
	}
	return nil
}

func joinAddresses(addrs []string) string {
	return strings.Join(addrs, ", ")
}
