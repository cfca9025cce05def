package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/state"
)

// WatchEnsurer keeps an account's push subscription registered and renewed.
type WatchEnsurer interface {
	Ensure(ctx context.Context, accountID string) (active bool, expiry time.Time, err error)
}

// Runner is the periodic/startup trigger: on boot and on every tick it
// ensures each registered account's watch is alive and runs a catch-up
// sync pass. Accounts are processed concurrently; the coordinator's
// per-account lock keeps each account's runs serialized against the push
// path.
type Runner struct {
	store    *state.Store
	coord    *Coordinator
	watches  WatchEnsurer
	interval time.Duration
	logger   zerolog.Logger
}

// NewRunner creates a periodic driver. watches may be nil when push
// subscriptions are not configured.
func NewRunner(store *state.Store, coord *Coordinator, watches WatchEnsurer, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{
		store:    store,
		coord:    coord,
		watches:  watches,
		interval: interval,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Run blocks until ctx is cancelled, doing an immediate startup pass and
// then one pass per interval.
func (r *Runner) Run(ctx context.Context) error {
	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("list accounts failed")
		return
	}

	var wg gosync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct state.Account) {
			defer wg.Done()

			if r.watches != nil {
				if _, _, err := r.watches.Ensure(ctx, acct.ID); err != nil {
					r.logger.Warn().Err(err).Str("account", acct.ID).Msg("watch ensure failed")
				}
			}
			if err := r.coord.Run(ctx, acct.ID, 0); err != nil {
				r.logger.Warn().Err(err).Str("account", acct.ID).Msg("periodic sync failed")
			}
		}(acct)
	}
	wg.Wait()
}
