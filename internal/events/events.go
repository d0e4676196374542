package events

import (
	"sync"
	"time"

	"github.com/zsprackett/execwatch/internal/execution"
)

const (
	TypeTerminalized     = "execution_terminalized"
	TypeEvicted          = "execution_evicted"
	TypeUpdated          = "execution_updated"
	TypeQueueUpdated     = "queue_updated"
	TypeConnectionStatus = "connection_status"
	TypeHistoryUpdated   = "history_updated"
	TypeExportUpdated    = "export_updated"
)

// Event is a state change fanned out to in-process observers and web clients.
type Event struct {
	Type        string           `json:"type"`
	ExecutionID string           `json:"execution_id,omitempty"`
	TaskID      string           `json:"task_id,omitempty"`
	TaskName    string           `json:"task_name,omitempty"`
	AgentName   string           `json:"agent_name,omitempty"`
	Status      execution.Status `json:"status,omitempty"`
	Inferred    bool             `json:"inferred,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Error       string           `json:"error,omitempty"`
	Connection  string           `json:"connection,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	At          time.Time        `json:"at"`
}

// Broadcaster receives events. A nil Broadcaster is safe to use with
// Publish.
type Broadcaster interface {
	Broadcast(e Event)
}

// Publish sends e to b when b is non-nil.
func Publish(b Broadcaster, e Event) {
	if b != nil {
		b.Broadcast(e)
	}
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(Event)

func (f BroadcasterFunc) Broadcast(e Event) { f(e) }

// Fanout delivers each event to every attached Broadcaster in attach order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Broadcaster
}

func (f *Fanout) Attach(b Broadcaster) {
	if b == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, b)
	f.mu.Unlock()
}

// Broadcast implements Broadcaster.
func (f *Fanout) Broadcast(e Event) {
	f.mu.RLock()
	sinks := append([]Broadcaster(nil), f.sinks...)
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Broadcast(e)
	}
}
