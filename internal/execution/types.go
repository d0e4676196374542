package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further progress is expected for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the execution is still in flight.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusRunning
}

type QueueStatus string

const (
	QueueStatusQueued   QueueStatus = "QUEUED"
	QueueStatusStarting QueueStatus = "STARTING"
)

type MemoryUsage struct {
	HeapUsed            int64   `json:"heapUsed"`
	HeapMax             int64   `json:"heapMax"`
	NonHeapUsed         int64   `json:"nonHeapUsed"`
	HeapUsagePercent    float64 `json:"heapUsagePercent"`
	NonHeapUsagePercent float64 `json:"nonHeapUsagePercent"`
}

// Record is the live state of one execution as last reported by the
// platform. LastUpdated is the local receipt time of the most recent event.
type Record struct {
	ExecutionID string `json:"executionId"`
	AgentID     string `json:"agentId,omitempty"`
	AgentName   string `json:"agentName,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	TaskName    string `json:"taskName,omitempty"`
	TeamID      string `json:"teamId,omitempty"`

	Status            Status `json:"status"`
	CurrentStep       int    `json:"currentStep"`
	TotalSteps        int    `json:"totalSteps"`
	CurrentStepName   string `json:"currentStepName,omitempty"`
	CurrentStepTarget string `json:"currentStepTarget,omitempty"`
	CurrentStepAction string `json:"currentStepAction,omitempty"`

	StartedAt           Timestamp `json:"startedAt,omitzero"`
	ExecutionDurationMs int64     `json:"executionDurationMs,omitempty"`
	StepDurationMs      int64     `json:"stepDurationMs,omitempty"`

	MemoryUsage  *MemoryUsage `json:"memoryUsage,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	ErrorDetails string       `json:"errorDetails,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// StepsDone reports whether the last reported step is the final one. A
// record without step information is never done.
func (r Record) StepsDone() bool {
	return r.TotalSteps > 0 && r.CurrentStep == r.TotalSteps
}

// Progress returns completion in the range 0..100. Inconsistent step counts
// reported by the platform are passed through unclamped.
func (r Record) Progress() float64 {
	if r.TotalSteps == 0 {
		return 0
	}
	return float64(r.CurrentStep) / float64(r.TotalSteps) * 100
}

// Elapsed is the wall time since the execution started. Zero when the
// platform did not report a start time.
func (r Record) Elapsed(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt.Time)
}

// QueueItem is one entry of the platform's pending-execution queue.
type QueueItem struct {
	ExecutionID   string      `json:"executionId"`
	AgentID       string      `json:"agentId,omitempty"`
	AgentName     string      `json:"agentName"`
	TaskID        string      `json:"taskId,omitempty"`
	TaskName      string      `json:"taskName"`
	Status        QueueStatus `json:"status"`
	QueuePosition Position    `json:"queuePosition"`
	QueuedAt      Timestamp   `json:"queuedAt,omitzero"`
}

// Summary is a finished execution as returned by the history API.
type Summary struct {
	ExecutionID  string    `json:"executionId"`
	AgentID      string    `json:"agentId,omitempty"`
	AgentName    string    `json:"agentName,omitempty"`
	TaskID       string    `json:"taskId,omitempty"`
	TaskName     string    `json:"taskName,omitempty"`
	Status       Status    `json:"status"`
	StartedAt    Timestamp `json:"startedAt,omitzero"`
	CompletedAt  Timestamp `json:"completedAt,omitzero"`
	DurationMs   int64     `json:"executionDurationMs,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Position is a queue position the platform may encode as a string or a
// number.
type Position int

func (p *Position) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*p = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("queue position %q: %w", s, err)
		}
		*p = Position(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Position(n)
	return nil
}

// Timestamp decodes the platform's timestamp encodings: RFC 3339, zone-less
// ISO local date-times (taken as UTC), and the [y,m,d,h,mi,s,nanos] array
// form produced by its serializer.
type Timestamp struct {
	time.Time
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("timestamp array: %w", err)
		}
		if len(parts) < 3 {
			return fmt.Errorf("timestamp array: need at least 3 fields, got %d", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t.Time = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		for _, layout := range localLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("timestamp %q: unrecognised format", s)
	default:
		// Epoch milliseconds.
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
