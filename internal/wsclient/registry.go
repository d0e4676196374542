package wsclient

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is one decoded MESSAGE frame whose body was valid JSON.
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	Payload      json.RawMessage
}

// Handler receives fanned-out messages. Handlers run on the session's read
// goroutine and should not block.
type Handler func(Message)

type registryEntry struct {
	id uint64
	fn Handler
}

// Registry is the set of subscribers for one Session. Entries are only ever
// added or removed whole; Publish iterates a snapshot, so a removal during a
// fan-out takes effect from the next message.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []registryEntry
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Add registers fn and returns a function that removes it. The remove
// function is idempotent.
func (r *Registry) Add(fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registryEntry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers msg to every current subscriber in registration order. A
// panicking subscriber is logged and skipped.
func (r *Registry) Publish(msg Message) {
	r.mu.Lock()
	snapshot := make([]registryEntry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		r.deliver(e, msg)
	}
}

func (r *Registry) deliver(e registryEntry, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("wsclient: subscriber panicked",
				"destination", msg.Destination,
				"message_id", msg.MessageID,
				"panic", rec,
			)
		}
	}()
	e.fn(msg)
}

// Clear removes every subscriber.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
