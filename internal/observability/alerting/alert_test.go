package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "AuctionMesh/internal/errors"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	err := n.Notify(context.Background(), Event{Code: "AUCTION_EXPIRED", TaskID: "t-1", Stage: "terminal"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.TaskID != "t-1" || received.Code != "AUCTION_EXPIRED" {
		t.Fatalf("unexpected payload %+v", received)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), Event{TaskID: "t-2"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	fanout := NewFanout(
		&LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))},
		NewWebhookNotifier(srv.URL, 0),
		nil,
	)
	if got := fanout.Channels(); len(got) != 2 || got[0] != ChannelLog || got[1] != ChannelWebhook {
		t.Fatalf("unexpected channels %v", got)
	}

	err := fanout.Notify(context.Background(), Event{
		Code:     "TASK_PARTIALLY_FAILED",
		Severity: xerrors.SeverityCritical,
		Message:  "some subtasks failed",
		TaskID:   "t-3",
		Metadata: map[string]string{"failed": "1"},
	})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected webhook error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "meta.failed=1") {
		t.Fatalf("log notifier output missing fields: %s", out)
	}
}
