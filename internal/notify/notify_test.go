package notify_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failed() events.Event {
	return events.Event{
		Type:        events.TypeTerminalized,
		ExecutionID: "ex-1",
		TaskName:    "nightly-sync",
		AgentName:   "indexer",
		Status:      execution.StatusFailed,
		Error:       "step 2 timed out",
		At:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNtfyNotification(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	n := notify.New(notify.Config{
		Enabled: true,
		NtfyURL: srv.URL + "/test-topic",
	}, discardLogger())

	n.Notify(failed())

	if received == nil {
		t.Fatal("no POST received")
	}
	if received["title"] != "nightly-sync FAILED" {
		t.Errorf("unexpected title: %v", received["title"])
	}
	if msg, _ := received["message"].(string); !strings.Contains(msg, "step 2 timed out") {
		t.Errorf("message missing error: %q", msg)
	}
}

func TestWebhookPayload(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	n := notify.New(notify.Config{Enabled: true, Webhook: srv.URL}, discardLogger())
	n.Broadcast(failed())

	select {
	case body := <-got:
		if body["executionId"] != "ex-1" || body["status"] != "FAILED" || body["timestamp"] != "2025-06-01T12:00:00Z" {
			t.Errorf("unexpected payload %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestBroadcastIgnoresOtherEvents(t *testing.T) {
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	n := notify.New(notify.Config{Enabled: true, Webhook: srv.URL}, discardLogger())

	completed := failed()
	completed.Status = execution.StatusCompleted
	n.Broadcast(completed)

	updated := failed()
	updated.Type = events.TypeUpdated
	n.Broadcast(updated)

	select {
	case <-hits:
		t.Error("notified for an unwatched event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotify_WebhookErrorLogged(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Invalid URL forces a POST error.
	n := notify.New(notify.Config{Enabled: true, Webhook: "http://127.0.0.1:1"}, logger)
	n.Notify(failed())

	if !strings.Contains(buf.String(), "webhook") {
		t.Errorf("expected warn log mentioning webhook, got: %q", buf.String())
	}
}

func TestNotify_DisabledNoOp(t *testing.T) {
	n := notify.New(notify.Config{Enabled: false}, discardLogger())
	// Must not panic.
	n.Notify(failed())
	n.Broadcast(failed())
}
