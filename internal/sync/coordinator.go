package sync

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/state"
)

// Coordinator owns the per-account sync state machine. Each Run serializes
// against other runs for the same account, fetches changes since the stored
// cursor (falling back to a full resync when the cursor is rejected),
// deduplicates against the delivered record, pushes surviving events to the
// sink, and commits the advanced cursor only after the whole batch landed.
type Coordinator struct {
	store   *state.Store
	sources SourceFactory
	sink    Sink
	locks   *keyedLocks
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator over the given store, source factory
// and sink.
func NewCoordinator(store *state.Store, sources SourceFactory, sink Sink, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		sources: sources,
		sink:    sink,
		locks:   newKeyedLocks(),
		logger:  logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run executes one sync pass for the account. hint is the ordering value
// carried by a push notification, or zero when triggered by the periodic
// driver; a hint not newer than the stored cursor short-circuits the run.
//
// On any account-wide failure the stored state is left untouched and the
// next trigger retries from the last committed cursor. Per-message failures
// (missing metadata, sink rejection) never abort the batch.
func (c *Coordinator) Run(ctx context.Context, accountID string, hint uint64) error {
	lock := c.locks.get(accountID)
	lock.Lock()
	defer lock.Unlock()

	log := c.logger.With().
		Str("account", accountID).
		Str("run", uuid.NewString()[:8]).
		Logger()

	acct, err := c.store.LoadAccount(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Msg("load account state failed")
		return err
	}

	if hint != 0 && !cursorNewer(hint, acct.Cursor) {
		log.Debug().
			Uint64("hint", hint).
			Str("cursor", acct.Cursor).
			Msg("hint not newer than stored cursor, nothing to do")
		return nil
	}

	src, err := c.sources(ctx, acct)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			log.Error().Err(err).Msg("run aborted: credentials expired, re-authorization required")
		} else {
			log.Error().Err(err).Msg("run aborted: source unavailable")
		}
		return err
	}

	events, newCursor, err := src.Changes(ctx, acct.Cursor)
	resynced := false
	if errors.Is(err, ErrCursorInvalid) {
		log.Warn().Str("cursor", acct.Cursor).Msg("cursor rejected by provider, running full resync")
		seen := func(id string) bool {
			was, serr := c.store.WasDelivered(ctx, accountID, id)
			return serr == nil && was
		}
		events, newCursor, err = src.Resync(ctx, seen)
		resynced = true
	}
	if err != nil {
		log.Error().Err(err).Msg("run aborted: fetch failed")
		return err
	}

	delivered, skipped, failed := 0, 0, 0
	for _, ev := range events {
		was, err := c.store.WasDelivered(ctx, accountID, ev.MessageID)
		if err != nil {
			log.Error().Err(err).Msg("run aborted: delivered lookup failed")
			return err
		}
		if was {
			skipped++
			continue
		}

		if err := c.sink.Deliver(ctx, ev); err != nil {
			failed++
			log.Warn().Err(err).
				Str("message", ev.MessageID).
				Msg("delivery failed, event will be retried on the next run")
			continue
		}
		if err := c.store.MarkDelivered(ctx, accountID, ev.MessageID); err != nil {
			log.Error().Err(err).Str("message", ev.MessageID).Msg("run aborted: recording delivery failed")
			return err
		}
		if err := src.MarkSeen(ctx, ev.MessageID); err != nil {
			// Delivery already succeeded; re-marking on a later run is harmless.
			log.Warn().Err(err).Str("message", ev.MessageID).Msg("mark seen failed")
		}
		delivered++
	}

	if failed > 0 {
		// An undelivered event must stay ahead of the committed cursor so
		// the next fetch returns it again.
		log.Warn().
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("partial delivery, keeping previous cursor")
		return nil
	}

	if newCursor == "" || newCursor == acct.Cursor {
		log.Debug().Int("delivered", delivered).Msg("no cursor movement")
		return nil
	}
	if !resynced && !cursorAdvances(acct.Cursor, newCursor) {
		// Only an explicit resync may establish an older baseline.
		log.Debug().
			Str("cursor", acct.Cursor).
			Str("reported", newCursor).
			Msg("provider reported a non-advancing cursor, ignoring")
		return nil
	}

	acct.Cursor = newCursor
	if err := c.store.SaveAccount(ctx, acct); err != nil {
		log.Error().Err(err).Msg("run aborted: cursor commit failed")
		return err
	}

	log.Info().
		Int("delivered", delivered).
		Int("duplicates", skipped).
		Bool("resynced", resynced).
		Str("cursor", newCursor).
		Msg("run committed")
	return nil
}

// cursorNewer reports whether a push hint refers to a newer change-log
// position than the stored cursor. Cursors that are not integers (opaque
// provider tokens, or the never-synced empty cursor) always count as older
// so the fetch proceeds.
func cursorNewer(hint uint64, stored string) bool {
	cur, err := strconv.ParseUint(stored, 10, 64)
	if err != nil {
		return true
	}
	return hint > cur
}

// cursorAdvances reports whether next moves the cursor forward. Opaque
// non-integer cursors are trusted as provider-asserted-newer.
func cursorAdvances(current, next string) bool {
	c, err1 := strconv.ParseUint(current, 10, 64)
	n, err2 := strconv.ParseUint(next, 10, 64)
	if err1 != nil || err2 != nil {
		return true
	}
	return n > c
}
