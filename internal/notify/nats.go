// Package notify delivers change events to downstream consumers over NATS
// JetStream. The per-message Nats-Msg-Id gives the broker its own dedup
// window on top of the store-side delivered record.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftline/mailwatch/internal/sync"
)

const (
	streamName     = "MAIL_EVENTS"
	subjectPattern = "mail.*.>"
)

// NATSSink publishes change events to a JetStream stream, one subject per
// account.
type NATSSink struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &NATSSink{nc: nc, js: js}, nil
}

// EnsureStream creates the MAIL_EVENTS stream if it does not exist yet.
func (s *NATSSink) EnsureStream(ctx context.Context) error {
	info, err := s.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPattern},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Deliver publishes one event as JSON on mail.<accountID>.received with a
// deterministic message ID derived from the account and message.
func (s *NATSSink) Deliver(ctx context.Context, ev sync.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	subject := fmt.Sprintf("mail.%s.received", ev.AccountID)
	msgID := fmt.Sprintf("mail.received|%s|%s", ev.AccountID, ev.MessageID)

	if _, err := s.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
