package secrets

import (
	"context"
	"time"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// Refresher exchanges an expired OAuth credential for a fresh one. The
// OAuth flow itself lives outside the engine.
type Refresher func(ctx context.Context, cred *types.Credential) (*types.Credential, error)

// Resolver turns stored credentials into wire credentials, refreshing
// expired OAuth tokens along the way.
type Resolver struct {
	store     Store
	refresher Refresher
	now       func() time.Time
}

// NewResolver creates a resolver. refresher may be nil, in which case an
// expired token is a terminal token-refresh failure.
func NewResolver(store Store, refresher Refresher) *Resolver {
	return &Resolver{store: store, refresher: refresher, now: time.Now}
}

// Resolve loads the account's credential, refreshes it when expired, and
// maps it to its wire form. A missing credential or a failed refresh is
// terminal, never retried.
func (r *Resolver) Resolve(ctx context.Context, account *types.Account) (*types.WireCredential, error) {
	cred, err := r.store.Get(account.ID)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindAuthFailed, err, "no stored credential").WithHost(account.IMAPHost)
	}

	if cred.Expired(r.now()) {
		if r.refresher == nil {
			return nil, mailerr.New(mailerr.KindTokenRefreshFailed, "access token expired and no refresher configured").WithHost(account.IMAPHost)
		}
		fresh, err := r.refresher(ctx, cred)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindTokenRefreshFailed, err, "token refresh failed").WithHost(account.IMAPHost)
		}
		if err := r.store.Put(account.ID, fresh); err != nil {
			return nil, mailerr.Wrap(mailerr.KindTokenRefreshFailed, err, "failed to persist refreshed token").WithHost(account.IMAPHost)
		}
		cred = fresh
	}

	wire, err := auth.ResolveWire(account.Email, cred)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindAuthFailed, err, "credential resolution failed").WithHost(account.IMAPHost)
	}
	return wire, nil
}
