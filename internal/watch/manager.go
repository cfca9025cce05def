// Package watch manages the provider push-subscription lifecycle per
// account: registering a new watch, renewing it inside a safety margin
// before expiry, and tearing it down.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/state"
	"github.com/driftline/mailwatch/internal/sync"
)

// DefaultRenewMargin is how far ahead of expiry a watch gets renewed.
const DefaultRenewMargin = 24 * time.Hour

// Subscriber registers and tears down a push subscription for one account.
type Subscriber interface {
	// Register creates a fresh subscription and returns the cursor
	// baseline the provider issued with it (may be empty) and the
	// subscription expiry.
	Register(ctx context.Context) (baseline string, expiry time.Time, err error)

	// Teardown stops the subscription. Returning sync.ErrWatchGone
	// (possibly wrapped) means it was already gone, which callers treat
	// as success.
	Teardown(ctx context.Context) error
}

// SubscriberFactory builds an authorized Subscriber for an account.
type SubscriberFactory func(ctx context.Context, acct state.Account) (Subscriber, error)

// Manager drives the per-account watch state machine against the stored
// expiry: unregistered or expired → register; expiring within the margin →
// tear down and re-register; otherwise no-op.
type Manager struct {
	store       *state.Store
	subscribers SubscriberFactory
	margin      time.Duration
	logger      zerolog.Logger
}

// NewManager creates a watch manager. margin <= 0 selects DefaultRenewMargin.
func NewManager(store *state.Store, subscribers SubscriberFactory, margin time.Duration, logger zerolog.Logger) *Manager {
	if margin <= 0 {
		margin = DefaultRenewMargin
	}
	return &Manager{
		store:       store,
		subscribers: subscribers,
		margin:      margin,
		logger:      logger.With().Str("component", "watch").Logger(),
	}
}

// Ensure makes sure the account has an active push subscription, renewing
// it when the stored expiry falls within the safety margin. It returns
// whether a watch is active and its expiry.
func (m *Manager) Ensure(ctx context.Context, accountID string) (bool, time.Time, error) {
	acct, err := m.store.LoadAccount(ctx, accountID)
	if err != nil {
		return false, time.Time{}, err
	}

	now := time.Now()
	if !acct.WatchExpiry.IsZero() && acct.WatchExpiry.After(now.Add(m.margin)) {
		return true, acct.WatchExpiry, nil
	}

	sub, err := m.subscribers(ctx, acct)
	if err != nil {
		return false, time.Time{}, err
	}

	renewing := !acct.WatchExpiry.IsZero()
	if renewing {
		// The provider allows only one subscription per mailbox; clear the
		// old one before registering. Already-gone counts as cleared.
		if err := sub.Teardown(ctx); err != nil && !errors.Is(err, sync.ErrWatchGone) {
			m.logger.Warn().Err(err).Str("account", accountID).Msg("teardown before renewal failed")
		}
	}

	baseline, expiry, err := sub.Register(ctx)
	if err != nil {
		return false, time.Time{}, err
	}

	// The registration baseline only seeds a never-synced account; an
	// established cursor is never overwritten here.
	if acct.Cursor == "" && baseline != "" {
		acct.Cursor = baseline
	}
	acct.WatchExpiry = expiry
	if err := m.store.SaveAccount(ctx, acct); err != nil {
		return false, time.Time{}, err
	}

	m.logger.Info().
		Str("account", accountID).
		Bool("renewed", renewing).
		Time("expiry", expiry).
		Msg("watch registered")
	return true, expiry, nil
}

// Stop tears down the account's subscription and clears the stored watch
// expiry. The delivery cursor and the delivered-message record stay intact
// so a later incremental fetch can resume.
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	acct, err := m.store.LoadAccount(ctx, accountID)
	if err != nil {
		return err
	}

	sub, err := m.subscribers(ctx, acct)
	if err != nil {
		return err
	}
	if err := sub.Teardown(ctx); err != nil && !errors.Is(err, sync.ErrWatchGone) {
		return err
	}

	acct.WatchExpiry = time.Time{}
	if err := m.store.SaveAccount(ctx, acct); err != nil {
		return err
	}

	m.logger.Info().Str("account", accountID).Msg("watch stopped")
	return nil
}
