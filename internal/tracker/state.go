// Package tracker maintains the live view of executions from the platform's
// progress stream and queue snapshots. State is a pure reducer; Tracker
// serialises every operation on it through one goroutine.
package tracker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
)

const (
	TimerSeed    = 30
	StaleAfter   = 15 * time.Second
	TerminalTTL  = 30 * time.Second
	TickInterval = time.Second
	RefreshDelay = time.Second
)

var (
	// ErrNotExecution is returned for payloads that carry no executionId.
	ErrNotExecution = errors.New("payload is not an execution update")
	// ErrClosed is returned for updates to executions the operator dismissed.
	ErrClosed = errors.New("execution was closed by the operator")
)

type Config struct {
	TimerSeed    int
	StaleAfter   time.Duration
	TerminalTTL  time.Duration
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TimerSeed:    TimerSeed,
		StaleAfter:   StaleAfter,
		TerminalTTL:  TerminalTTL,
		TickInterval: TickInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TimerSeed <= 0 {
		c.TimerSeed = d.TimerSeed
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = d.TerminalTTL
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// State is the tracker's data. It is not safe for concurrent use.
type State struct {
	cfg     Config
	records map[string]execution.Record
	timers  map[string]int
	closed  map[string]struct{}
	queue   []execution.QueueItem
}

func NewState(cfg Config) *State {
	return &State{
		cfg:     cfg.withDefaults(),
		records: make(map[string]execution.Record),
		timers:  make(map[string]int),
		closed:  make(map[string]struct{}),
	}
}

// Ingest applies one progress payload. The record is replaced by the
// payload's fields. The countdown is seeded on first sighting only, so an
// execution is evicted TimerSeed ticks after it first appeared. Completion is
// inferred when a RUNNING execution reports its final step.
func (s *State) Ingest(payload []byte, now time.Time) ([]events.Event, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, ErrNotExecution
	}
	var rec execution.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode execution update: %w", err)
	}
	rec.ExecutionID = strings.TrimSpace(rec.ExecutionID)
	if rec.ExecutionID == "" {
		return nil, ErrNotExecution
	}
	if _, ok := s.closed[rec.ExecutionID]; ok {
		return nil, ErrClosed
	}

	prev, seen := s.records[rec.ExecutionID]
	rec.LastUpdated = now

	inferred := false
	if rec.Status == execution.StatusRunning && rec.StepsDone() {
		rec.Status = execution.StatusCompleted
		inferred = true
	}

	s.records[rec.ExecutionID] = rec
	if !seen {
		s.timers[rec.ExecutionID] = s.cfg.TimerSeed
	}

	evs := []events.Event{{
		Type:        events.TypeUpdated,
		ExecutionID: rec.ExecutionID,
		TaskID:      rec.TaskID,
		Status:      rec.Status,
		Inferred:    inferred,
		At:          now,
	}}
	if rec.Status.Terminal() && (!seen || !prev.Status.Terminal()) {
		reason := "reported"
		if inferred {
			reason = "final step reported"
		}
		evs = append(evs, terminalized(rec, inferred, reason, now))
	}
	return evs, nil
}

// Tick advances every countdown by one step, infers completion for silent
// executions and evicts expired records.
func (s *State) Tick(now time.Time) []events.Event {
	var evs []events.Event

	for id, left := range s.timers {
		if left > 0 {
			s.timers[id] = left - 1
		}
	}

	for _, id := range s.sortedIDs() {
		rec := s.records[id]
		if rec.Status == execution.StatusRunning && now.Sub(rec.LastUpdated) > s.cfg.StaleAfter && rec.StepsDone() {
			rec.Status = execution.StatusCompleted
			s.records[id] = rec
			evs = append(evs, terminalized(rec, true, "no updates received", now))
		}
	}

	for _, id := range s.sortedIDs() {
		rec := s.records[id]
		left, armed := s.timers[id]
		expired := armed && left == 0
		aged := rec.Status.Terminal() && now.Sub(rec.LastUpdated) > s.cfg.TerminalTTL
		if !expired && !aged {
			continue
		}
		reason := "terminal ttl"
		if expired {
			reason = "countdown expired"
		}
		delete(s.records, id)
		delete(s.timers, id)
		evs = append(evs, events.Event{
			Type:        events.TypeEvicted,
			ExecutionID: id,
			TaskID:      rec.TaskID,
			Status:      rec.Status,
			Reason:      reason,
			At:          now,
		})
	}

	for id, left := range s.timers {
		if _, closed := s.closed[id]; left == 0 || closed {
			delete(s.timers, id)
		}
	}
	return evs
}

// Close hides id until Reset, dropping its record and countdown.
func (s *State) Close(id string, now time.Time) []events.Event {
	s.closed[id] = struct{}{}
	delete(s.timers, id)
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	return []events.Event{{
		Type:        events.TypeEvicted,
		ExecutionID: id,
		TaskID:      rec.TaskID,
		Status:      rec.Status,
		Reason:      "closed",
		At:          now,
	}}
}

// Reset forgets every record, countdown, queue item and closed id.
func (s *State) Reset(now time.Time) []events.Event {
	clear(s.records)
	clear(s.timers)
	clear(s.closed)
	s.queue = nil
	return []events.Event{{Type: events.TypeUpdated, Reason: "reset", At: now}}
}

// ReplaceQueue swaps in a fresh queue snapshot.
func (s *State) ReplaceQueue(items []execution.QueueItem, now time.Time) []events.Event {
	s.queue = slices.Clone(items)
	return []events.Event{{Type: events.TypeQueueUpdated, At: now}}
}

// Visible returns the executions to display: active ones plus terminal ones
// updated within the terminal TTL, newest first.
func (s *State) Visible(now time.Time) []execution.Record {
	out := make([]execution.Record, 0, len(s.records))
	for id, rec := range s.records {
		if _, closed := s.closed[id]; closed {
			continue
		}
		if rec.Status.Active() || (rec.Status.Terminal() && now.Sub(rec.LastUpdated) <= s.cfg.TerminalTTL) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b execution.Record) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		return strings.Compare(a.ExecutionID, b.ExecutionID)
	})
	return out
}

func (s *State) Queue() []execution.QueueItem {
	return slices.Clone(s.queue)
}

// Record returns the tracked record for id, visible or not.
func (s *State) Record(id string) (execution.Record, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// TimerLeft returns the countdown for id.
func (s *State) TimerLeft(id string) (int, bool) {
	left, ok := s.timers[id]
	return left, ok
}

func (s *State) IsClosed(id string) bool {
	_, ok := s.closed[id]
	return ok
}

func (s *State) sortedIDs() []string {
	return slices.Sorted(maps.Keys(s.records))
}

func terminalized(rec execution.Record, inferred bool, reason string, now time.Time) events.Event {
	return events.Event{
		Type:        events.TypeTerminalized,
		ExecutionID: rec.ExecutionID,
		TaskID:      rec.TaskID,
		TaskName:    rec.TaskName,
		AgentName:   rec.AgentName,
		Status:      rec.Status,
		Inferred:    inferred,
		Reason:      reason,
		Error:       rec.ErrorMessage,
		At:          now,
	}
}
