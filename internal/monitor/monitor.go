// Package monitor hosts the live execution view: it owns the websocket
// sessions, the tracker and the queue poller, and fans their events out to
// the history cache, the event log and any attached observers.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/execwatch/internal/db"
	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/exportfeed"
	"github.com/zsprackett/execwatch/internal/queuepoller"
	"github.com/zsprackett/execwatch/internal/tracker"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

const (
	DefaultHistoryLimit   = 100
	DefaultEventRetention = 7 * 24 * time.Hour

	LostConnectionBanner = "Lost connection to server. Attempting to reconnect..."

	historyTimeout = 10 * time.Second
)

// Backend is the subset of the platform REST API the monitor calls.
type Backend interface {
	queuepoller.Fetcher
	RecentExecutions(ctx context.Context, limit int) ([]execution.Summary, error)
	CancelExecution(ctx context.Context, executionID string) error
	ExecuteTask(ctx context.Context, taskID string) (string, error)
}

type Config struct {
	// Session carries the shared connection settings. Destinations is
	// ignored; each topic gets its own session.
	Session        wsclient.SessionConfig
	ExecutionTopic string
	ExportTopic    string // "" disables the export feed

	Tracker        tracker.Config
	PollInterval   time.Duration
	HistoryLimit   int
	RefreshDelay   time.Duration
	EventRetention time.Duration
}

type Monitor struct {
	cfg     Config
	store   *db.DB
	backend Backend
	fanout  *events.Fanout
	logger  *slog.Logger

	tracker       *tracker.Tracker
	poller        *queuepoller.Poller
	execSession   *wsclient.Session
	exports       *exportfeed.Feed
	exportSession *wsclient.Session

	mu       sync.Mutex
	status   wsclient.Status
	banner   string
	refresh  *time.Timer
	stopped  bool
	unsubs   []func()
	stopOnce sync.Once
}

// New wires the monitor's components. Nothing connects until Start.
func New(cfg Config, store *db.DB, backend Backend, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = tracker.RefreshDelay
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = DefaultEventRetention
	}
	if cfg.ExecutionTopic == "" {
		cfg.ExecutionTopic = "/topic/execution"
	}

	m := &Monitor{
		cfg:     cfg,
		store:   store,
		backend: backend,
		fanout:  &events.Fanout{},
		logger:  logger,
		status:  wsclient.StatusDisconnected,
	}
	m.fanout.Attach(events.BroadcasterFunc(m.record))

	m.tracker = tracker.New(cfg.Tracker, m.fanout, logger)
	m.poller = queuepoller.New(backend, m.tracker.ReplaceQueue, cfg.PollInterval, logger)

	execCfg := cfg.Session
	execCfg.Destinations = []string{cfg.ExecutionTopic}
	execCfg.SubscriptionPrefix = "execution"
	m.execSession = wsclient.NewSession(execCfg, logger)
	m.unsubs = append(m.unsubs,
		m.execSession.Subscribe(m.tracker.HandleMessage),
		m.execSession.OnConnectionChange(m.connectionChanged),
	)

	m.exports = exportfeed.New(exportfeed.DefaultTTL, m.fanout, logger)
	if cfg.ExportTopic != "" {
		exportCfg := cfg.Session
		exportCfg.Destinations = []string{cfg.ExportTopic}
		exportCfg.SubscriptionPrefix = "export"
		m.exportSession = wsclient.NewSession(exportCfg, logger)
		m.unsubs = append(m.unsubs, m.exportSession.Subscribe(m.exports.HandleMessage))
	}
	return m
}

// Attach adds an observer for every event the monitor produces. Observers
// run on the producing goroutine and must not block or call back into the
// monitor synchronously.
func (m *Monitor) Attach(b events.Broadcaster) {
	m.fanout.Attach(b)
}

func (m *Monitor) Tracker() *tracker.Tracker { return m.tracker }

func (m *Monitor) Start() {
	if n, err := m.store.PruneExecutionEvents(time.Now().Add(-m.cfg.EventRetention)); err != nil {
		m.logger.Warn("monitor: prune event log failed", "err", err)
	} else if n > 0 {
		m.logger.Info("monitor: pruned event log", "rows", n)
	}

	m.tracker.Start()
	m.poller.Start()
	m.execSession.Connect()
	if m.exportSession != nil {
		m.exportSession.Connect()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := m.RefreshHistory(ctx); err != nil {
			m.logger.Warn("monitor: initial history load failed", "err", err)
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		if m.refresh != nil {
			m.refresh.Stop()
			m.refresh = nil
		}
		unsubs := m.unsubs
		m.unsubs = nil
		m.mu.Unlock()

		for _, fn := range unsubs {
			fn()
		}
		m.execSession.Disconnect()
		if m.exportSession != nil {
			m.exportSession.Disconnect()
		}
		m.poller.Stop()
		m.tracker.Stop()
	})
}

// Banner returns the operator-facing message after a transition to st,
// given the message currently shown. A lost connection raises the banner
// and a successful reconnect clears it; other transitions leave it as is.
func Banner(current string, st wsclient.Status) string {
	switch st {
	case wsclient.StatusDisconnected:
		return LostConnectionBanner
	case wsclient.StatusConnected:
		return ""
	}
	return current
}

// StatusText is a one-line description of the execution stream's state.
func StatusText(st wsclient.Status) string {
	switch st {
	case wsclient.StatusConnected:
		return "Connected to execution monitoring"
	case wsclient.StatusConnecting:
		return "Connecting to execution monitoring..."
	case wsclient.StatusDisconnected:
		return "Connection lost. Attempting to reconnect..."
	default:
		return "Failed to connect to execution monitoring"
	}
}

// Connection returns the execution stream's status and the current banner.
func (m *Monitor) Connection() (wsclient.Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.banner
}

func (m *Monitor) connectionChanged(st wsclient.Status) {
	m.mu.Lock()
	if st == m.status {
		m.mu.Unlock()
		return
	}
	m.status = st
	m.banner = Banner(m.banner, st)
	m.mu.Unlock()

	m.fanout.Broadcast(events.Event{
		Type:       events.TypeConnectionStatus,
		Connection: string(st),
		At:         time.Now(),
	})
}

func (m *Monitor) Snapshot() tracker.View { return m.tracker.Snapshot() }

func (m *Monitor) Exports() []exportfeed.Job { return m.exports.Jobs() }

// History returns the cached recent executions, newest first.
func (m *Monitor) History() ([]execution.Summary, error) {
	return m.store.LoadRecentExecutions(m.cfg.HistoryLimit)
}

func (m *Monitor) HistoryRefreshedAt() time.Time { return m.store.RecentRefreshedAt() }

// Events returns the logged events for one execution, newest first.
func (m *Monitor) Events(executionID string, limit int) ([]db.ExecutionEvent, error) {
	return m.store.GetExecutionEvents(executionID, limit)
}

// RefreshHistory reloads the recent executions from the API into the cache.
func (m *Monitor) RefreshHistory(ctx context.Context) error {
	list, err := m.backend.RecentExecutions(ctx, m.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load recent executions: %w", err)
	}
	if err := m.store.ReplaceRecentExecutions(list); err != nil {
		return fmt.Errorf("cache recent executions: %w", err)
	}
	m.fanout.Broadcast(events.Event{Type: events.TypeHistoryUpdated, At: time.Now()})
	return nil
}

// scheduleRefresh reloads history once RefreshDelay has passed. Requests
// made while one is pending are coalesced into it.
func (m *Monitor) scheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.refresh != nil {
		return
	}
	m.refresh = time.AfterFunc(m.cfg.RefreshDelay, func() {
		m.mu.Lock()
		m.refresh = nil
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := m.RefreshHistory(ctx); err != nil {
			m.logger.Warn("monitor: history refresh failed", "err", err)
		}
	})
}

// Close hides an execution from the live view until Reset.
func (m *Monitor) Close(executionID string) {
	m.tracker.Close(executionID)
}

func (m *Monitor) Reset() {
	m.tracker.Reset()
}

// Cancel asks the platform to cancel an execution. The live view is left
// to the platform's own status updates.
func (m *Monitor) Cancel(ctx context.Context, executionID string) error {
	if err := m.backend.CancelExecution(ctx, executionID); err != nil {
		m.logger.Warn("monitor: cancel failed", "execution_id", executionID, "err", err)
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	m.logEvent(executionID, db.EventCancelled, nil)
	return nil
}

// Rerun starts a new execution of taskID and returns its id.
func (m *Monitor) Rerun(ctx context.Context, taskID string) (string, error) {
	id, err := m.backend.ExecuteTask(ctx, taskID)
	if err != nil {
		m.logger.Warn("monitor: rerun failed", "task_id", taskID, "err", err)
		return "", fmt.Errorf("rerun task %s: %w", taskID, err)
	}
	m.logEvent(id, db.EventRerun, map[string]string{"task_id": taskID})
	m.scheduleRefresh()
	return id, nil
}

// record persists the events worth keeping and triggers history refreshes.
func (m *Monitor) record(e events.Event) {
	switch e.Type {
	case events.TypeConnectionStatus:
		m.logEvent("", db.EventConnection, map[string]string{"status": e.Connection})
	case events.TypeTerminalized:
		detail := map[string]string{"status": string(e.Status), "reason": e.Reason}
		if e.Error != "" {
			detail["error"] = e.Error
		}
		m.logEvent(e.ExecutionID, db.EventTerminalized, detail)
		m.scheduleRefresh()
	case events.TypeEvicted:
		typ := db.EventEvicted
		if e.Reason == "closed" {
			typ = db.EventClosed
		}
		m.logEvent(e.ExecutionID, typ, map[string]string{"reason": e.Reason})
	}
}

func (m *Monitor) logEvent(executionID, typ string, detail map[string]string) {
	var raw []byte
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := m.store.InsertExecutionEvent(db.ExecutionEvent{
		ExecutionID: executionID,
		Ts:          time.Now(),
		EventType:   typ,
		Detail:      string(raw),
	}); err != nil {
		m.logger.Warn("monitor: log event failed", "execution_id", executionID, "type", typ, "err", err)
	}
}
