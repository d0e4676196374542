package webserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/execwatch/internal/db"
	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/exportfeed"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/tracker"
	"github.com/zsprackett/execwatch/internal/webserver"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu        sync.Mutex
	view      tracker.View
	history   []execution.Summary
	events    map[string][]db.ExecutionEvent
	status    wsclient.Status
	banner    string
	closed    []string
	resets    int
	cancelErr error
	cancelled []string
	reruns    []string
}

func (f *fakeSource) Snapshot() tracker.View { return f.view }
func (f *fakeSource) History() ([]execution.Summary, error) { return f.history, nil }
func (f *fakeSource) HistoryRefreshedAt() time.Time { return time.Time{} }
func (f *fakeSource) Exports() []exportfeed.Job { return nil }

func (f *fakeSource) Connection() (wsclient.Status, string) { return f.status, f.banner }

func (f *fakeSource) Events(id string, limit int) ([]db.ExecutionEvent, error) {
	evs := f.events[id]
	if len(evs) > limit {
		evs = evs[:limit]
	}
	return evs, nil
}

func (f *fakeSource) Close(id string) {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
}

func (f *fakeSource) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSource) Cancel(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSource) Rerun(ctx context.Context, taskID string) (string, error) {
	f.reruns = append(f.reruns, taskID)
	return "new-" + taskID, nil
}

func newServer(src *fakeSource) *webserver.Server {
	return webserver.New(src, webserver.Config{Enabled: true, Host: "127.0.0.1"}, discardLogger())
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestExecutionsEndpoint(t *testing.T) {
	src := &fakeSource{view: tracker.View{
		Executions: []execution.Record{{ExecutionID: "a", Status: execution.StatusRunning}},
	}}
	w := serve(t, newServer(src).Handler(), "GET", "/api/executions")

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result struct {
		Executions []execution.Record `json:"executions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Executions) != 1 || result.Executions[0].ExecutionID != "a" {
		t.Errorf("executions: %+v", result.Executions)
	}
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	h := newServer(&fakeSource{}).Handler()
	for _, path := range []string{"/api/queue", "/api/executions/recent", "/api/exports"} {
		w := serve(t, h, "GET", path)
		if w.Code != 200 {
			t.Errorf("%s: got %d", path, w.Code)
			continue
		}
		if strings.Contains(w.Body.String(), "null") {
			t.Errorf("%s: body %s", path, w.Body.String())
		}
	}
}

func TestExecutionEventsEndpoint(t *testing.T) {
	src := &fakeSource{events: map[string][]db.ExecutionEvent{
		"a": {{ExecutionID: "a", EventType: db.EventTerminalized}, {ExecutionID: "a", EventType: db.EventCancelled}},
	}}
	h := newServer(src).Handler()

	w := serve(t, h, "GET", "/api/executions/a/events?limit=1")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result struct {
		Events []db.ExecutionEvent `json:"events"`
	}
	json.NewDecoder(w.Body).Decode(&result)
	if len(result.Events) != 1 || result.Events[0].EventType != db.EventTerminalized {
		t.Errorf("events: %+v", result.Events)
	}

	if w := serve(t, h, "GET", "/api/executions/a/events?limit=x"); w.Code != 400 {
		t.Errorf("bad limit: got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := &fakeSource{status: wsclient.StatusDisconnected, banner: monitor.LostConnectionBanner}
	w := serve(t, newServer(src).Handler(), "GET", "/api/status")

	var result map[string]string
	json.NewDecoder(w.Body).Decode(&result)
	if result["status"] != "disconnected" || result["banner"] != monitor.LostConnectionBanner {
		t.Errorf("status: %v", result)
	}
}

func TestCloseAndResetEndpoints(t *testing.T) {
	src := &fakeSource{}
	h := newServer(src).Handler()

	if w := serve(t, h, "POST", "/api/executions/a/close"); w.Code != 204 {
		t.Fatalf("close: got %d", w.Code)
	}
	if w := serve(t, h, "POST", "/api/reset"); w.Code != 204 {
		t.Fatalf("reset: got %d", w.Code)
	}
	if len(src.closed) != 1 || src.closed[0] != "a" || src.resets != 1 {
		t.Errorf("closed=%v resets=%d", src.closed, src.resets)
	}
}

func TestCancelEndpoint(t *testing.T) {
	src := &fakeSource{}
	h := newServer(src).Handler()
	if w := serve(t, h, "POST", "/api/executions/a/cancel"); w.Code != 204 {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	src.cancelErr = errors.New("API returned 500")
	w := serve(t, h, "POST", "/api/executions/b/cancel")
	if w.Code != 502 {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "API returned 500") {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestRerunEndpoint(t *testing.T) {
	src := &fakeSource{}
	w := serve(t, newServer(src).Handler(), "POST", "/api/tasks/t1/rerun")
	if w.Code != 202 {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var result map[string]string
	json.NewDecoder(w.Body).Decode(&result)
	if result["execution_id"] != "new-t1" {
		t.Errorf("result: %v", result)
	}
}

func TestSSEStreamsBroadcasts(t *testing.T) {
	srv := newServer(&fakeSource{status: wsclient.StatusConnected})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
	}()

	next := func() events.Event {
		t.Helper()
		select {
		case data := <-lines:
			var e events.Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				t.Fatal(err)
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no SSE event")
		}
		return events.Event{}
	}

	if e := next(); e.Type != "snapshot" || e.Connection != "connected" {
		t.Fatalf("first event: %+v", e)
	}
	srv.Broadcast(events.Event{Type: events.TypeTerminalized, ExecutionID: "a"})
	if e := next(); e.Type != events.TypeTerminalized || e.ExecutionID != "a" {
		t.Errorf("broadcast event: %+v", e)
	}
}

func TestIndexServed(t *testing.T) {
	w := serve(t, newServer(&fakeSource{}).Handler(), "GET", "/")
	if w.Code != 200 || !strings.Contains(w.Body.String(), "EventSource") {
		t.Errorf("index: %d", w.Code)
	}
}
