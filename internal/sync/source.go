// Package sync contains the incremental mailbox change-detection pipeline:
// the per-account coordinator, its concurrency guard, and the provider and
// sink contracts it composes.
package sync

import (
	"context"
	"errors"

	"github.com/driftline/mailwatch/internal/state"
)

// Error taxonomy for provider and credential failures. Adapters map raw
// API errors onto these sentinels so the coordinator can branch on them
// with errors.Is.
var (
	// ErrCursorInvalid means the remote change log rejected the stored
	// cursor as expired or unknown. Recoverable via Resync.
	ErrCursorInvalid = errors.New("change cursor invalid or expired")

	// ErrAuthExpired means delegated credentials could not be refreshed.
	// Fatal for the run; requires out-of-band re-authorization.
	ErrAuthExpired = errors.New("account credentials expired")

	// ErrNotFound marks a per-message miss (already deleted remotely).
	ErrNotFound = errors.New("message not found")

	// ErrWatchGone means the push subscription no longer exists. Teardown
	// treats it as success.
	ErrWatchGone = errors.New("watch subscription gone")

	// ErrPermissionDenied is fatal for the run.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoBaseline means a resync could not establish any cursor baseline.
	ErrNoBaseline = errors.New("no cursor baseline available")
)

// ChangeEvent describes one newly observed message. Events are ephemeral:
// produced by a fetch pass, handed to the sink, never persisted.
type ChangeEvent struct {
	AccountID   string `json:"account_id"`
	MessageID   string `json:"message_id"`
	ThreadID    string `json:"thread_id"`
	Subject     string `json:"subject"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	DeliveredTo string `json:"delivered_to"`

	// Marker is the provider-side ordering value for this message (the
	// history ID on Gmail). Events within a run are delivered in ascending
	// Marker order.
	Marker uint64 `json:"marker"`
}

// ChangeSource reads a remote mailbox's change log. Implementations return
// events in ascending Marker order and deduplicate message IDs within a
// single call.
type ChangeSource interface {
	// Changes lists everything newer than cursor, following pagination
	// until exhausted, and returns the new cursor to commit. Returns
	// ErrCursorInvalid (possibly wrapped) when the change log can no
	// longer be read from cursor; an empty cursor is always invalid.
	Changes(ctx context.Context, cursor string) ([]ChangeEvent, string, error)

	// Resync rebuilds a baseline by listing the current inbox unread
	// messages, skipping IDs for which seen returns true. The returned
	// cursor is the highest marker observed, or the provider's current
	// global ordering value when nothing new was listed. Never returns
	// ErrCursorInvalid; returns ErrNoBaseline if no cursor can be
	// established at all.
	Resync(ctx context.Context, seen func(messageID string) bool) ([]ChangeEvent, string, error)

	// MarkSeen marks the message as read on the provider side. Best
	// effort: the coordinator logs failures and moves on.
	MarkSeen(ctx context.Context, messageID string) error
}

// SourceFactory builds an authorized ChangeSource for an account. It is
// where credential lookup happens; implementations return ErrAuthExpired
// when delegated credentials cannot be refreshed.
type SourceFactory func(ctx context.Context, acct state.Account) (ChangeSource, error)

// Sink receives decoded change events. Deliver is called synchronously
// during a run; an error leaves that event undelivered (it is retried on
// the next run) without aborting the rest of the batch.
type Sink interface {
	Deliver(ctx context.Context, ev ChangeEvent) error
}
