package gmail

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	syncpkg "github.com/driftline/mailwatch/internal/sync"
)

func TestAddedMessageIDs(t *testing.T) {
	record := &gmail.History{
		MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "m1"}},
			{Message: nil},
		},
		LabelsAdded: []*gmail.HistoryLabelAdded{
			{Message: &gmail.Message{Id: "m2"}, LabelIds: []string{"INBOX"}},
			{Message: &gmail.Message{Id: "m3"}, LabelIds: []string{"STARRED"}},
			{Message: nil, LabelIds: []string{"INBOX"}},
		},
	}

	got := addedMessageIDs(record)
	want := []string{"m1", "m2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("addedMessageIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendNewIDsDeduplicatesAcrossPages(t *testing.T) {
	page1 := []*gmail.History{
		{MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "m1"}},
		}},
		{
			// The same message reappears in a later record on the same page.
			MessagesAdded: []*gmail.HistoryMessageAdded{
				{Message: &gmail.Message{Id: "m1"}},
			},
			LabelsAdded: []*gmail.HistoryLabelAdded{
				{Message: &gmail.Message{Id: "m2"}, LabelIds: []string{"INBOX"}},
			},
		},
	}
	page2 := []*gmail.History{
		{LabelsAdded: []*gmail.HistoryLabelAdded{
			// m1 again, now via a label event on the next page.
			{Message: &gmail.Message{Id: "m1"}, LabelIds: []string{"INBOX"}},
		}},
		{MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "m3"}},
		}},
	}

	seen := make(map[string]struct{})
	var ordered []string
	ordered = appendNewIDs(ordered, seen, page1)
	ordered = appendNewIDs(ordered, seen, page2)

	want := []string{"m1", "m2", "m3"}
	if diff := cmp.Diff(want, ordered); diff != "" {
		t.Errorf("appendNewIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestSortEventsByMarkerThenID(t *testing.T) {
	events := []syncpkg.ChangeEvent{
		{MessageID: "c", Marker: 105},
		{MessageID: "a", Marker: 103},
		{MessageID: "b", Marker: 105},
	}
	sortEvents(events)

	want := []string{"a", "b", "c"}
	for i, ev := range events {
		if ev.MessageID != want[i] {
			t.Fatalf("order: got %v", events)
		}
	}
}

func TestHeaderLookup(t *testing.T) {
	msg := &gmail.Message{
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "hello"},
				{Name: "delivered-to", Value: "user@example.com"},
			},
		},
	}

	if got := header(msg, "Subject"); got != "hello" {
		t.Errorf("Subject = %q", got)
	}
	if got := header(msg, "Delivered-To"); got != "user@example.com" {
		t.Errorf("Delivered-To lookup should be case-insensitive, got %q", got)
	}
	if got := header(msg, "From"); got != "" {
		t.Errorf("missing header should be empty, got %q", got)
	}
	if got := header(&gmail.Message{}, "Subject"); got != "" {
		t.Errorf("nil payload should be empty, got %q", got)
	}
}

func TestAcceptDeliveredTo(t *testing.T) {
	cases := []struct {
		address     string
		deliveredTo string
		want        bool
	}{
		{"user@example.com", "user@example.com", true},
		{"user@example.com", "User@Example.com", true},
		{"user@example.com", "other@example.com", false},
		{"user@example.com", "", false},
		{"", "anyone@example.com", true},
	}
	for _, tc := range cases {
		a := &Adapter{cfg: Config{Address: tc.address}}
		if got := a.acceptDeliveredTo(tc.deliveredTo); got != tc.want {
			t.Errorf("acceptDeliveredTo(%q) with address %q = %v, want %v",
				tc.deliveredTo, tc.address, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, syncpkg.ErrAuthExpired},
		{http.StatusForbidden, syncpkg.ErrPermissionDenied},
		{http.StatusNotFound, syncpkg.ErrNotFound},
	}
	for _, tc := range cases {
		err := classify(&googleapi.Error{Code: tc.code}, "op")
		if !errors.Is(err, tc.want) {
			t.Errorf("classify(%d) = %v, want %v", tc.code, err, tc.want)
		}
	}

	plain := errors.New("connection reset")
	if err := classify(plain, "op"); !errors.Is(err, plain) {
		t.Errorf("non-API error should wrap the original, got %v", err)
	}
}

func TestIsInvalidStartHistory(t *testing.T) {
	if !isInvalidStartHistory(&googleapi.Error{Code: http.StatusNotFound}) {
		t.Error("404 from history.list means the start ID is gone")
	}
	if isInvalidStartHistory(&googleapi.Error{Code: http.StatusInternalServerError}) {
		t.Error("500 is not a cursor problem")
	}
	if isInvalidStartHistory(errors.New("timeout")) {
		t.Error("plain errors are not cursor problems")
	}
}
