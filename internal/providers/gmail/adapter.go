// Package gmail adapts the Gmail API to the sync pipeline: History-API
// change fetching, the unread-listing fallback resync, mark-as-read, and
// the Pub/Sub watch subscription.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	syncpkg "github.com/driftline/mailwatch/internal/sync"
)

const (
	defaultPageSize    = 100
	defaultResyncLimit = 50
	fetchConcurrency   = 10
)

var metadataHeaders = []string{"Subject", "From", "To", "Delivered-To"}

// Config carries the per-account parameters for an adapter.
type Config struct {
	// AccountID tags the events produced by this adapter.
	AccountID string
	// Address is the canonical mailbox address; messages whose
	// Delivered-To header names a different address are skipped.
	Address string
	// Topic is the fully qualified Pub/Sub topic for watch registration.
	Topic string
	// PageSize bounds history pages; ResyncLimit bounds the fallback
	// unread listing.
	PageSize    int64
	ResyncLimit int64
}

// Adapter implements sync.ChangeSource and watch.Subscriber for one Gmail
// account.
type Adapter struct {
	svc    *gmail.Service
	cfg    Config
	logger zerolog.Logger
}

// New builds an adapter over an authorized HTTP client.
func New(ctx context.Context, client *http.Client, cfg Config, logger zerolog.Logger) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ResyncLimit <= 0 {
		cfg.ResyncLimit = defaultResyncLimit
	}
	return &Adapter{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "gmail").Str("account", cfg.AccountID).Logger(),
	}, nil
}

// Changes lists history records newer than cursor and returns events for
// messages added to the mailbox, in ascending history order. The returned
// cursor is the profile's current history ID, which covers everything the
// pass enumerated.
func (a *Adapter) Changes(ctx context.Context, cursor string) ([]syncpkg.ChangeEvent, string, error) {
	if cursor == "" {
		return nil, "", fmt.Errorf("no stored cursor: %w", syncpkg.ErrCursorInvalid)
	}
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("cursor %q: %w", cursor, syncpkg.ErrCursorInvalid)
	}

	current, err := a.currentHistoryID(ctx)
	if err != nil {
		return nil, "", err
	}
	if start >= current {
		// Nothing newer; hand back the provider's view so the stored
		// baseline stays fresh.
		return nil, strconv.FormatUint(current, 10), nil
	}

	ids := make(map[string]struct{})
	var ordered []string
	pageToken := ""
	for {
		call := a.svc.Users.History.List("me").
			StartHistoryId(start).
			MaxResults(a.cfg.PageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			if isInvalidStartHistory(err) {
				return nil, "", fmt.Errorf("start history %d: %w", start, syncpkg.ErrCursorInvalid)
			}
			return nil, "", classify(err, "list history")
		}

		ordered = appendNewIDs(ordered, ids, page.History)

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	events, err := a.fetchMetadata(ctx, ordered)
	if err != nil {
		return nil, "", err
	}
	sortEvents(events)

	return events, strconv.FormatUint(current, 10), nil
}

// Resync rebuilds a baseline from the current unread inbox listing. Message
// IDs for which seen returns true are filtered out; the returned cursor is
// the highest history marker among the listed messages, falling back to the
// profile's current history ID when nothing new turned up.
func (a *Adapter) Resync(ctx context.Context, seen func(string) bool) ([]syncpkg.ChangeEvent, string, error) {
	listing, err := a.svc.Users.Messages.List("me").
		LabelIds("INBOX", "UNREAD").
		MaxResults(a.cfg.ResyncLimit).
		Context(ctx).
		Do()
	if err != nil {
		return nil, "", classify(err, "list unread")
	}

	ids := make([]string, 0, len(listing.Messages))
	for _, m := range listing.Messages {
		if seen != nil && seen(m.Id) {
			continue
		}
		ids = append(ids, m.Id)
	}

	events, err := a.fetchMetadata(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	sortEvents(events)

	var top uint64
	for _, ev := range events {
		if ev.Marker > top {
			top = ev.Marker
		}
	}
	if top == 0 {
		if top, err = a.currentHistoryID(ctx); err != nil {
			return nil, "", fmt.Errorf("%w: %v", syncpkg.ErrNoBaseline, err)
		}
	}

	return events, strconv.FormatUint(top, 10), nil
}

// MarkSeen removes the UNREAD label from the message.
func (a *Adapter) MarkSeen(ctx context.Context, messageID string) error {
	_, err := a.svc.Users.Messages.Modify("me", messageID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, "mark seen")
	}
	return nil
}

// Register starts a watch on the inbox, clearing any existing subscription
// first since Gmail allows only one push client per mailbox. It returns the
// history baseline issued with the watch and the watch expiry.
func (a *Adapter) Register(ctx context.Context) (string, time.Time, error) {
	_ = a.svc.Users.Stop("me").Context(ctx).Do()

	resp, err := a.svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.cfg.Topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return "", time.Time{}, classify(err, "register watch")
	}

	expiry := time.UnixMilli(resp.Expiration)
	a.logger.Debug().
		Uint64("history_id", resp.HistoryId).
		Time("expiry", expiry).
		Msg("watch registered")
	return strconv.FormatUint(resp.HistoryId, 10), expiry, nil
}

// Teardown stops the mailbox watch. A missing subscription maps to
// sync.ErrWatchGone.
func (a *Adapter) Teardown(ctx context.Context) error {
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			return fmt.Errorf("stop watch: %w", syncpkg.ErrWatchGone)
		}
		return classify(err, "stop watch")
	}
	return nil
}

// currentHistoryID reads the mailbox's current global history position from
// the profile.
func (a *Adapter) currentHistoryID(ctx context.Context) (uint64, error) {
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return 0, classify(err, "get profile")
	}
	return profile.HistoryId, nil
}

// fetchMetadata resolves message IDs to change events with a bounded number
// of concurrent metadata calls. IDs that have vanished remotely are skipped,
// as are messages delivered to a different address than the configured one.
func (a *Adapter) fetchMetadata(ctx context.Context, ids []string) ([]syncpkg.ChangeEvent, error) {
	var (
		mu     gosync.Mutex
		events []syncpkg.ChangeEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			msg, err := a.svc.Users.Messages.Get("me", id).
				Format("metadata").
				MetadataHeaders(metadataHeaders...).
				Context(gctx).
				Do()
			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
					a.logger.Debug().Str("message", id).Msg("message gone, skipping")
					return nil
				}
				return classify(err, "get metadata")
			}

			ev := a.toEvent(msg)
			if !a.acceptDeliveredTo(ev.DeliveredTo) {
				a.logger.Debug().
					Str("message", id).
					Str("delivered_to", ev.DeliveredTo).
					Msg("delivered-to mismatch, skipping")
				return nil
			}

			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return events, nil
}

func (a *Adapter) toEvent(msg *gmail.Message) syncpkg.ChangeEvent {
	return syncpkg.ChangeEvent{
		AccountID:   a.cfg.AccountID,
		MessageID:   msg.Id,
		ThreadID:    msg.ThreadId,
		Subject:     header(msg, "Subject"),
		Sender:      header(msg, "From"),
		Recipient:   header(msg, "To"),
		DeliveredTo: strings.ToLower(header(msg, "Delivered-To")),
		Marker:      msg.HistoryId,
	}
}

func (a *Adapter) acceptDeliveredTo(deliveredTo string) bool {
	if a.cfg.Address == "" {
		return true
	}
	return strings.EqualFold(deliveredTo, a.cfg.Address)
}

// appendNewIDs folds a page of history records into the ordered ID list,
// dropping IDs already collected. A message can show up in several history
// records, within one page or across pages.
func appendNewIDs(ordered []string, seen map[string]struct{}, records []*gmail.History) []string {
	for _, record := range records {
		for _, id := range addedMessageIDs(record) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// addedMessageIDs extracts the message IDs a history record introduced to
// the mailbox: messages added outright, plus messages that gained the INBOX
// label after being routed through filters.
func addedMessageIDs(record *gmail.History) []string {
	var ids []string
	for _, added := range record.MessagesAdded {
		if added.Message != nil {
			ids = append(ids, added.Message.Id)
		}
	}
	for _, labeled := range record.LabelsAdded {
		if labeled.Message == nil {
			continue
		}
		for _, label := range labeled.LabelIds {
			if label == "INBOX" {
				ids = append(ids, labeled.Message.Id)
				break
			}
		}
	}
	return ids
}

func header(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// sortEvents orders events by ascending history marker, breaking ties by
// message ID so delivery order is stable.
func sortEvents(events []syncpkg.ChangeEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Marker != events[j].Marker {
			return events[i].Marker < events[j].Marker
		}
		return events[i].MessageID < events[j].MessageID
	})
}

// isInvalidStartHistory reports whether a history.list failure means the
// start history ID is expired or unknown rather than a generic failure.
func isInvalidStartHistory(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound
}

// classify maps raw API failures onto the pipeline's error taxonomy.
func classify(err error, op string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", op, syncpkg.ErrAuthExpired)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w", op, syncpkg.ErrPermissionDenied)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, syncpkg.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
