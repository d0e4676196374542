package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/execwatch/internal/db"
	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu        sync.Mutex
	queue     []execution.QueueItem
	recent    []execution.Summary
	recentN   int
	cancelled []string
	cancelErr error
	executed  []string
}

func (f *fakeBackend) Queue(ctx context.Context) ([]execution.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue, nil
}

func (f *fakeBackend) RecentExecutions(ctx context.Context, limit int) ([]execution.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentN++
	return f.recent, nil
}

func (f *fakeBackend) CancelExecution(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBackend) ExecuteTask(ctx context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, taskID)
	return "new-" + taskID, nil
}

func (f *fakeBackend) recentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recentN
}

type failingDialer struct{}

func (failingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	return nil, nil, errors.New("connection refused")
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBroadcaster) Broadcast(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureBroadcaster) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newMonitor(t *testing.T, backend *fakeBackend) (*monitor.Monitor, *db.DB) {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := monitor.New(monitor.Config{
		Session: wsclient.SessionConfig{
			URL:            "ws://broker.invalid/ws",
			ReconnectDelay: 20 * time.Millisecond,
			Dialer:         failingDialer{},
		},
		ExportTopic:  "/topic/collection-export",
		PollInterval: 20 * time.Millisecond,
		RefreshDelay: 50 * time.Millisecond,
	}, store, backend, discardLogger())
	t.Cleanup(m.Stop)
	return m, store
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payload(id string, status execution.Status) wsclient.Message {
	body := fmt.Sprintf(`{"executionId":%q,"taskId":"task-%s","taskName":"sync","status":%q,"currentStep":1,"totalSteps":3}`, id, id, status)
	return wsclient.Message{Destination: "/topic/execution", Payload: []byte(body)}
}

func TestBanner(t *testing.T) {
	cases := []struct {
		current string
		status  wsclient.Status
		want    string
	}{
		{"", wsclient.StatusDisconnected, monitor.LostConnectionBanner},
		{monitor.LostConnectionBanner, wsclient.StatusConnecting, monitor.LostConnectionBanner},
		{monitor.LostConnectionBanner, wsclient.StatusError, monitor.LostConnectionBanner},
		{monitor.LostConnectionBanner, wsclient.StatusConnected, ""},
		{"", wsclient.StatusConnecting, ""},
	}
	for _, tc := range cases {
		if got := monitor.Banner(tc.current, tc.status); got != tc.want {
			t.Errorf("Banner(%q, %s): got %q want %q", tc.current, tc.status, got, tc.want)
		}
	}
}

func TestTerminalizationRefreshesHistoryAndLogs(t *testing.T) {
	backend := &fakeBackend{recent: []execution.Summary{
		{ExecutionID: "a", TaskName: "sync", Status: execution.StatusFailed},
	}}
	m, store := newMonitor(t, backend)
	capture := &captureBroadcaster{}
	m.Attach(capture)

	m.Tracker().HandleMessage(payload("a", execution.StatusRunning))
	m.Tracker().HandleMessage(payload("a", execution.StatusFailed))

	waitUntil(t, "history refresh", func() bool { return capture.count(events.TypeHistoryUpdated) == 1 })

	history, err := m.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ExecutionID != "a" {
		t.Errorf("history: %+v", history)
	}
	if store.RecentRefreshedAt().IsZero() {
		t.Error("refresh time not recorded")
	}

	evs, err := m.Events("a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].EventType != db.EventTerminalized {
		t.Errorf("event log: %+v", evs)
	}
}

func TestRefreshesAreCoalesced(t *testing.T) {
	backend := &fakeBackend{}
	m, _ := newMonitor(t, backend)

	for _, id := range []string{"a", "b", "c"} {
		m.Tracker().HandleMessage(payload(id, execution.StatusCompleted))
	}
	waitUntil(t, "history refresh", func() bool { return backend.recentCalls() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if n := backend.recentCalls(); n != 1 {
		t.Errorf("refreshes: got %d want 1", n)
	}
}

func TestCancelFailureLeavesLiveView(t *testing.T) {
	backend := &fakeBackend{cancelErr: errors.New("API returned 500")}
	m, _ := newMonitor(t, backend)
	m.Tracker().HandleMessage(payload("a", execution.StatusRunning))

	if err := m.Cancel(context.Background(), "a"); err == nil {
		t.Fatal("expected error")
	}
	v := m.Snapshot()
	if len(v.Executions) != 1 || v.Executions[0].Status != execution.StatusRunning {
		t.Errorf("live view changed: %+v", v.Executions)
	}
	evs, _ := m.Events("a", 10)
	if len(evs) != 0 {
		t.Errorf("failed cancel logged: %+v", evs)
	}
}

func TestCancelAndRerunAreLogged(t *testing.T) {
	backend := &fakeBackend{}
	m, _ := newMonitor(t, backend)

	if err := m.Cancel(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	id, err := m.Rerun(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "new-t1" {
		t.Errorf("rerun id: %q", id)
	}

	evs, _ := m.Events("a", 10)
	if len(evs) != 1 || evs[0].EventType != db.EventCancelled {
		t.Errorf("cancel log: %+v", evs)
	}
	evs, _ = m.Events("new-t1", 10)
	if len(evs) != 1 || evs[0].EventType != db.EventRerun {
		t.Errorf("rerun log: %+v", evs)
	}
}

func TestCloseIsLogged(t *testing.T) {
	m, _ := newMonitor(t, &fakeBackend{})
	m.Tracker().HandleMessage(payload("a", execution.StatusRunning))

	m.Close("a")

	if v := m.Snapshot(); len(v.Executions) != 0 {
		t.Errorf("closed execution visible: %+v", v.Executions)
	}
	evs, _ := m.Events("a", 10)
	if len(evs) != 1 || evs[0].EventType != db.EventClosed {
		t.Errorf("event log: %+v", evs)
	}
}

func TestStartPollsQueueAndRaisesBanner(t *testing.T) {
	backend := &fakeBackend{queue: []execution.QueueItem{
		{ExecutionID: "q1", Status: execution.QueueStatusQueued, QueuePosition: 1},
	}}
	m, _ := newMonitor(t, backend)
	capture := &captureBroadcaster{}
	m.Attach(capture)

	m.Start()

	waitUntil(t, "queue snapshot", func() bool { return len(m.Snapshot().Queue) == 1 })
	waitUntil(t, "lost connection banner", func() bool {
		_, banner := m.Connection()
		return banner == monitor.LostConnectionBanner
	})
	if capture.count(events.TypeConnectionStatus) == 0 {
		t.Error("no connection events published")
	}
	evs, _ := m.Events("", 50)
	if len(evs) == 0 {
		t.Error("connection changes not logged")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, _ := newMonitor(t, &fakeBackend{})
	m.Start()
	m.Stop()
	m.Stop()
}
