package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/driftline/mailwatch/internal/state"
)

// Listener consumes Gmail notifications from a Pub/Sub pull subscription.
// It covers deployments without a public HTTPS endpoint; push callbacks and
// the pull loop share the same dispatch path and per-account serialization.
type Listener struct {
	client   *pubsub.Client
	sub      *pubsub.Subscription
	store    *state.Store
	dispatch Dispatcher
	logger   zerolog.Logger
}

// NewListener connects to the project's pull subscription. credentialsFile
// may be empty to use ambient credentials.
func NewListener(ctx context.Context, projectID, subscription, credentialsFile string, store *state.Store, dispatch Dispatcher, logger zerolog.Logger) (*Listener, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create Pub/Sub client: %w", err)
	}

	return &Listener{
		client:   client,
		sub:      client.Subscription(subscription),
		store:    store,
		dispatch: dispatch,
		logger:   logger.With().Str("component", "pull").Logger(),
	}, nil
}

// Listen blocks receiving notifications until ctx is cancelled. Messages are
// always acked; a failed sync pass is retried by the next periodic pass
// rather than by Pub/Sub redelivery.
func (l *Listener) Listen(ctx context.Context) error {
	err := l.sub.Receive(ctx, func(mctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var note notification
		if err := json.Unmarshal(msg.Data, &note); err != nil || note.EmailAddress == "" {
			l.logger.Warn().Err(err).Msg("malformed notification payload")
			return
		}

		acct, err := l.store.FindByAddress(mctx, note.EmailAddress)
		if err != nil {
			if errors.Is(err, state.ErrAccountNotFound) {
				l.logger.Info().Str("address", note.EmailAddress).Msg("notification for unknown account")
			} else {
				l.logger.Error().Err(err).Msg("account lookup failed")
			}
			return
		}

		if err := l.dispatch.Run(mctx, acct.ID, note.HistoryID); err != nil {
			l.logger.Warn().Err(err).Str("account", acct.ID).Msg("pull-triggered sync failed")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (l *Listener) Close() error {
	return l.client.Close()
}
