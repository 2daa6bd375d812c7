// Package watch turns server IDLE pushes into an event stream. One watch
// covers one folder of one account; the stream ends with exactly one
// disconnected event no matter how the watch dies.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/provider"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// EventType discriminates watch events.
type EventType string

const (
	// EventNewMail signals that the watched folder has new or changed
	// messages and a sync pass is warranted. Events are hints and may be
	// coalesced under load.
	EventNewMail EventType = "new_mail"
	// EventDisconnected is the final event of every watch.
	EventDisconnected EventType = "disconnected"
)

// Event is one occurrence on a watched folder.
type Event struct {
	AccountID int64
	Folder    string
	Type      EventType
	// Err carries the cause of a disconnect; nil for a clean shutdown.
	Err error
}

// Broker is the session source the monitor borrows connections from.
type Broker interface {
	Checkout(ctx context.Context, account *types.Account, profile *types.ProviderProfile, wire *types.WireCredential) (imap.Session, error)
	Checkin(accountID int64, session imap.Session)
}

// CredentialResolver turns an account's stored credential into wire form.
type CredentialResolver interface {
	Resolve(ctx context.Context, account *types.Account) (*types.WireCredential, error)
}

// Monitor runs IDLE watches over broker sessions.
type Monitor struct {
	store  *store.Store
	broker Broker
	creds  CredentialResolver
	logger *logrus.Logger

	// RefreshInterval overrides the provider's IDLE refresh period when
	// positive. Servers drop idle connections that never cycle, so the
	// watch re-issues IDLE on this interval.
	RefreshInterval time.Duration
}

// NewMonitor creates a monitor over the given store and broker.
func NewMonitor(st *store.Store, broker Broker, creds CredentialResolver, logger *logrus.Logger) *Monitor {
	return &Monitor{store: st, broker: broker, creds: creds, logger: logger}
}

// Watch starts watching one folder and returns its event stream. Every
// failure mode, setup included, ends the stream the same way: a single
// EventDisconnected followed by channel close. The borrowed session is
// checked in exactly once on every path.
func (m *Monitor) Watch(ctx context.Context, accountID int64, folderPath string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		err := m.run(ctx, accountID, folderPath, events)
		// The disconnected event is the stream's closing frame; notify
		// keeps one buffer slot free so this send cannot block.
		events <- Event{AccountID: accountID, Folder: folderPath, Type: EventDisconnected, Err: err}
		close(events)
	}()
	return events
}

// run holds the session for the watch's whole lifetime and re-issues IDLE
// on the refresh interval. Any error ends the watch.
func (m *Monitor) run(ctx context.Context, accountID int64, folderPath string, events chan Event) error {
	account, err := m.store.GetAccount(accountID)
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
	refresh := profile.IdleRefresh
	if m.RefreshInterval > 0 {
		refresh = m.RefreshInterval
	}

	wire, err := m.creds.Resolve(ctx, account)
	if err != nil {
		return err
	}
	session, err := m.broker.Checkout(ctx, account, profile, wire)
	if err != nil {
		return err
	}
	defer m.broker.Checkin(account.ID, session)

	if _, err := session.Select(ctx, folderPath); err != nil {
		return err
	}

	log := m.logger.WithFields(logrus.Fields{
		"account": account.Email,
		"folder":  folderPath,
	})
	log.Info("Watch started")

	for {
		stop := make(chan struct{})
		timer := time.AfterFunc(refresh, func() { close(stop) })
		err := session.Idle(ctx, stop, func() {
			m.notify(events, Event{AccountID: account.ID, Folder: folderPath, Type: EventNewMail})
		})
		timer.Stop()
		if err != nil {
			if mailerr.Is(err, mailerr.KindOperationCancelled) {
				log.Info("Watch stopped")
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			log.Info("Watch stopped")
			return nil
		}
		// Refresh fired: loop and re-issue IDLE on the same session.
	}
}

// notify delivers a new-mail hint without ever blocking the watch. The last
// buffer slot stays reserved for the disconnected event; hints beyond that
// are coalesced away.
func (m *Monitor) notify(events chan Event, ev Event) {
	if len(events) < cap(events)-1 {
		events <- ev
	}
}
