package db

import "time"

// Event types recorded in the execution event log.
const (
	EventConnection   = "connection"
	EventUpdated      = "updated"
	EventTerminalized = "terminalized"
	EventEvicted      = "evicted"
	EventClosed       = "closed"
	EventCancelled    = "cancel_requested"
	EventRerun        = "rerun_requested"
)

type ExecutionEvent struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Ts          time.Time `json:"ts"`
	EventType   string    `json:"event_type"`
	Detail      string    `json:"detail"`
}
