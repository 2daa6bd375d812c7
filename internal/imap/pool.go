package imap

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// DialFunc opens an authenticated session; swapped out in tests.
type DialFunc func(ctx context.Context, host string, port int, mode types.SecurityMode, wire *types.WireCredential) (Session, error)

// Broker pools authenticated sessions per account. It is the only shared
// mutable resource in the engine; every borrower goes through
// Checkout/Checkin and nothing touches a session outside that borrow.
type Broker struct {
	dial   DialFunc
	logger *logrus.Logger

	mu    sync.Mutex
	pools map[int64]*pool
}

type pool struct {
	slots chan struct{}

	mu   sync.Mutex
	idle []Session
}

// NewBroker creates a broker around a dialer.
func NewBroker(dial DialFunc, logger *logrus.Logger) *Broker {
	return &Broker{
		dial:   dial,
		logger: logger,
		pools:  make(map[int64]*pool),
	}
}

func (b *Broker) poolFor(accountID int64, capacity int) *pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[accountID]
	if !ok {
		if capacity < 1 {
			capacity = 1
		}
		p = &pool{slots: make(chan struct{}, capacity)}
		b.pools[accountID] = p
	}
	return p
}

// Checkout returns an authenticated session for the account, reusing an
// idle one when available. When the pool is at its provider-configured
// bound, Checkout blocks until a session is returned or ctx is cancelled;
// the bound is never exceeded.
func (b *Broker) Checkout(ctx context.Context, account *types.Account, profile *types.ProviderProfile, wire *types.WireCredential) (Session, error) {
	p := b.poolFor(account.ID, profile.MaxConnections)

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, mailerr.Wrap(mailerr.KindOperationCancelled, ctx.Err(), "checkout cancelled").WithHost(account.IMAPHost)
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		session := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return session, nil
	}
	p.mu.Unlock()

	session, err := b.dial(ctx, account.IMAPHost, account.IMAPPort, account.ResolvedIMAPSecurity(), wire)
	if err != nil {
		// The slot must not leak when the dial fails.
		<-p.slots
		return nil, err
	}
	return session, nil
}

// Checkin returns a session to its account pool. Broken sessions are
// logged out and discarded; the slot is released either way.
func (b *Broker) Checkin(accountID int64, session Session) {
	if session == nil {
		return
	}
	b.mu.Lock()
	p, ok := b.pools[accountID]
	b.mu.Unlock()
	if !ok {
		// Checkin without a matching checkout; nothing to release.
		_ = session.Logout()
		return
	}

	if session.Broken() {
		_ = session.Logout()
	} else {
		p.mu.Lock()
		p.idle = append(p.idle, session)
		p.mu.Unlock()
	}
	select {
	case <-p.slots:
	default:
		b.logger.WithField("account_id", accountID).Warn("Checkin released more sessions than were checked out")
	}
}

// CloseAccount logs out every idle session of one account, e.g. on account
// removal.
func (b *Broker) CloseAccount(accountID int64) {
	b.mu.Lock()
	p, ok := b.pools[accountID]
	delete(b.pools, accountID)
	b.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, session := range idle {
		_ = session.Logout()
	}
}

// Close logs out all idle sessions across accounts.
func (b *Broker) Close() {
	b.mu.Lock()
	pools := b.pools
	b.pools = make(map[int64]*pool)
	b.mu.Unlock()
	for _, p := range pools {
		p.mu.Lock()
		for _, session := range p.idle {
			_ = session.Logout()
		}
		p.idle = nil
		p.mu.Unlock()
	}
}
