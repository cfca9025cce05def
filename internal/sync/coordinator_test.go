package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/state"
)

type fakeSource struct {
	changes    []ChangeEvent
	changesCur string
	changesErr error

	resync    []ChangeEvent
	resyncCur string
	resyncErr error

	markSeen    []string
	markSeenErr error

	changesCalls int32
	resyncCalls  int32
}

func (f *fakeSource) Changes(ctx context.Context, cursor string) ([]ChangeEvent, string, error) {
	atomic.AddInt32(&f.changesCalls, 1)
	return f.changes, f.changesCur, f.changesErr
}

func (f *fakeSource) Resync(ctx context.Context, seen func(string) bool) ([]ChangeEvent, string, error) {
	atomic.AddInt32(&f.resyncCalls, 1)
	if f.resyncErr != nil {
		return nil, "", f.resyncErr
	}
	var out []ChangeEvent
	for _, ev := range f.resync {
		if seen != nil && seen(ev.MessageID) {
			continue
		}
		out = append(out, ev)
	}
	return out, f.resyncCur, nil
}

func (f *fakeSource) MarkSeen(ctx context.Context, messageID string) error {
	f.markSeen = append(f.markSeen, messageID)
	return f.markSeenErr
}

type fakeSink struct {
	mu        gosync.Mutex
	delivered []ChangeEvent
	failIDs   map[string]bool
}

func (f *fakeSink) Deliver(ctx context.Context, ev ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[ev.MessageID] {
		return errors.New("sink unavailable")
	}
	f.delivered = append(f.delivered, ev)
	return nil
}

func (f *fakeSink) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.delivered))
	for i, ev := range f.delivered {
		ids[i] = ev.MessageID
	}
	return ids
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *state.Store, cursor string) {
	t.Helper()
	err := s.SaveAccount(context.Background(), state.Account{
		ID:       "acct-1",
		Address:  "user@example.com",
		Provider: "google",
		Cursor:   cursor,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func staticFactory(src ChangeSource, err error) SourceFactory {
	return func(ctx context.Context, acct state.Account) (ChangeSource, error) {
		return src, err
	}
}

func event(id string, marker uint64) ChangeEvent {
	return ChangeEvent{AccountID: "acct-1", MessageID: id, Marker: marker}
}

func TestRunDeliversInOrderAndCommitsCursor(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	src := &fakeSource{
		changes:    []ChangeEvent{event("msg-b", 103), event("msg-a", 105)},
		changesCur: "105",
	}
	sink := &fakeSink{}
	coord := NewCoordinator(store, staticFactory(src, nil), sink, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := sink.deliveredIDs()
	if len(got) != 2 || got[0] != "msg-b" || got[1] != "msg-a" {
		t.Errorf("delivery order: got %v, want [msg-b msg-a]", got)
	}

	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "105" {
		t.Errorf("cursor: got %q, want 105", acct.Cursor)
	}

	if len(src.markSeen) != 2 {
		t.Errorf("mark seen calls: got %v", src.markSeen)
	}
}

func TestRunInvalidCursorFallsBackToResync(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	// msg-old was delivered before the cursor was lost; the resync must
	// not hand it downstream again.
	if err := store.MarkDelivered(context.Background(), "acct-1", "msg-old"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	src := &fakeSource{
		changesErr: fmt.Errorf("start history 100: %w", ErrCursorInvalid),
		resync:     []ChangeEvent{event("msg-old", 40), event("msg-1", 50), event("msg-2", 52)},
		resyncCur:  "52",
	}
	sink := &fakeSink{}
	coord := NewCoordinator(store, staticFactory(src, nil), sink, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := sink.deliveredIDs()
	if len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-2" {
		t.Errorf("delivered: got %v, want [msg-1 msg-2]", got)
	}

	// A resync may legitimately establish a cursor older than the invalid one.
	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "52" {
		t.Errorf("cursor: got %q, want 52", acct.Cursor)
	}
}

func TestRunStaleHintShortCircuits(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "95")

	factoryCalls := 0
	factory := func(ctx context.Context, acct state.Account) (ChangeSource, error) {
		factoryCalls++
		return &fakeSource{}, nil
	}
	coord := NewCoordinator(store, factory, &fakeSink{}, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 90); err != nil {
		t.Fatalf("run: %v", err)
	}
	if factoryCalls != 0 {
		t.Errorf("stale hint should not reach the provider, factory called %d times", factoryCalls)
	}

	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "95" {
		t.Errorf("cursor changed on no-op run: %q", acct.Cursor)
	}
}

func TestRunNewerHintFetches(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "95")

	src := &fakeSource{changes: []ChangeEvent{event("msg-1", 99)}, changesCur: "99"}
	coord := NewCoordinator(store, staticFactory(src, nil), &fakeSink{}, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 99); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atomic.LoadInt32(&src.changesCalls) != 1 {
		t.Error("newer hint should trigger a fetch")
	}
}

func TestRunPartialDeliveryKeepsCursor(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	src := &fakeSource{
		changes:    []ChangeEvent{event("msg-1", 101), event("msg-2", 102), event("msg-3", 103)},
		changesCur: "103",
	}
	sink := &fakeSink{failIDs: map[string]bool{"msg-2": true}}
	coord := NewCoordinator(store, staticFactory(src, nil), sink, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := sink.deliveredIDs()
	if len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-3" {
		t.Errorf("delivered: got %v, want [msg-1 msg-3]", got)
	}

	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "100" {
		t.Errorf("cursor advanced past an undelivered event: %q", acct.Cursor)
	}

	// Next run refetches the same window; only the failed event goes out.
	sink.failIDs = nil
	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	got = sink.deliveredIDs()
	if len(got) != 3 || got[2] != "msg-2" {
		t.Errorf("after retry: got %v, want msg-2 appended exactly once", got)
	}

	acct, _ = store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "103" {
		t.Errorf("cursor after clean retry: got %q, want 103", acct.Cursor)
	}
}

func TestRunFetchErrorLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	src := &fakeSource{changesErr: errors.New("transport broke")}
	sink := &fakeSink{}
	coord := NewCoordinator(store, staticFactory(src, nil), sink, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err == nil {
		t.Fatal("want error from failed fetch")
	}
	if len(sink.deliveredIDs()) != 0 {
		t.Error("nothing should be delivered on fetch failure")
	}

	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "100" {
		t.Errorf("cursor changed on failed run: %q", acct.Cursor)
	}
}

func TestRunAuthExpiredSurfaces(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	coord := NewCoordinator(store, staticFactory(nil, ErrAuthExpired), &fakeSink{}, zerolog.Nop())

	err := coord.Run(context.Background(), "acct-1", 0)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("want ErrAuthExpired, got %v", err)
	}
}

func TestRunSkipsAlreadyDelivered(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	if err := store.MarkDelivered(context.Background(), "acct-1", "msg-1"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	src := &fakeSource{
		changes:    []ChangeEvent{event("msg-1", 101), event("msg-2", 102)},
		changesCur: "102",
	}
	sink := &fakeSink{}
	coord := NewCoordinator(store, staticFactory(src, nil), sink, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := sink.deliveredIDs()
	if len(got) != 1 || got[0] != "msg-2" {
		t.Errorf("delivered: got %v, want [msg-2]", got)
	}

	// Duplicates alone never block the cursor.
	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "102" {
		t.Errorf("cursor: got %q, want 102", acct.Cursor)
	}
}

func TestRunIgnoresNonAdvancingCursor(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	src := &fakeSource{changesCur: "90"}
	coord := NewCoordinator(store, staticFactory(src, nil), &fakeSink{}, zerolog.Nop())

	if err := coord.Run(context.Background(), "acct-1", 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	acct, _ := store.LoadAccount(context.Background(), "acct-1")
	if acct.Cursor != "100" {
		t.Errorf("cursor rolled back outside a resync: %q", acct.Cursor)
	}
}

// overlapSource flags any two Changes calls for the same account running
// concurrently.
type overlapSource struct {
	inFlight int32
	overlaps int32
	started  chan struct{}
	release  chan struct{}
}

func (o *overlapSource) Changes(ctx context.Context, cursor string) ([]ChangeEvent, string, error) {
	if atomic.AddInt32(&o.inFlight, 1) > 1 {
		atomic.AddInt32(&o.overlaps, 1)
	}
	o.started <- struct{}{}
	<-o.release
	atomic.AddInt32(&o.inFlight, -1)
	return nil, cursor, nil
}

func (o *overlapSource) Resync(ctx context.Context, seen func(string) bool) ([]ChangeEvent, string, error) {
	return nil, "", nil
}

func (o *overlapSource) MarkSeen(ctx context.Context, messageID string) error { return nil }

func TestRunsForSameAccountSerialize(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "100")

	src := &overlapSource{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	coord := NewCoordinator(store, staticFactory(src, nil), &fakeSink{}, zerolog.Nop())

	var wg gosync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Run(context.Background(), "acct-1", 0)
		}()
	}

	// Only one run may reach the provider while the first is in flight.
	<-src.started
	close(src.release)
	wg.Wait()

	if n := atomic.LoadInt32(&src.overlaps); n != 0 {
		t.Errorf("detected %d overlapping runs for one account", n)
	}
}

func TestCursorNewer(t *testing.T) {
	cases := []struct {
		hint   uint64
		stored string
		want   bool
	}{
		{100, "95", true},
		{95, "95", false},
		{90, "95", false},
		{1, "", true},
		{1, "opaque-token", true},
	}
	for _, tc := range cases {
		if got := cursorNewer(tc.hint, tc.stored); got != tc.want {
			t.Errorf("cursorNewer(%d, %q) = %v, want %v", tc.hint, tc.stored, got, tc.want)
		}
	}
}

func TestCursorAdvances(t *testing.T) {
	cases := []struct {
		current, next string
		want          bool
	}{
		{"100", "105", true},
		{"100", "100", false},
		{"100", "90", false},
		{"", "100", true},
		{"abc", "100", true},
		{"100", "xyz", true},
	}
	for _, tc := range cases {
		if got := cursorAdvances(tc.current, tc.next); got != tc.want {
			t.Errorf("cursorAdvances(%q, %q) = %v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}
