package tracker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

// View is a consistent copy of the tracker's visible state.
type View struct {
	Executions []execution.Record
	Queue      []execution.QueueItem
	Now        time.Time
}

type command struct {
	fn    func(s *State, now time.Time) []events.Event
	reply chan struct{}
}

// Tracker owns a State and applies every mutation on a single goroutine.
// Events are published on that goroutine after each step, so Broadcasters
// must not call back into the Tracker synchronously.
type Tracker struct {
	state       *State
	interval    time.Duration
	broadcaster events.Broadcaster
	logger      *slog.Logger

	nowMu sync.RWMutex
	now   func() time.Time

	cmds      chan command
	quit      chan struct{}
	tickStop  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Tracker and starts its command loop. Call Start to begin
// ticking and Stop to release the goroutines.
func New(cfg Config, broadcaster events.Broadcaster, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	t := &Tracker{
		state:       NewState(cfg),
		interval:    cfg.TickInterval,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		cmds:        make(chan command),
		quit:        make(chan struct{}),
		tickStop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// SetNow replaces the clock. Intended for tests.
func (t *Tracker) SetNow(fn func() time.Time) {
	t.nowMu.Lock()
	t.now = fn
	t.nowMu.Unlock()
}

func (t *Tracker) clock() time.Time {
	t.nowMu.RLock()
	defer t.nowMu.RUnlock()
	return t.now()
}

// Start begins the periodic tick.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-t.tickStop:
					return
				case <-ticker.C:
					t.Tick()
				}
			}
		}()
	})
}

// Stop halts ticking and the command loop. Later calls on the Tracker are
// no-ops.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.tickStop)
		close(t.quit)
	})
	t.wg.Wait()
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case cmd := <-t.cmds:
			evs := cmd.fn(t.state, t.clock())
			for _, e := range evs {
				events.Publish(t.broadcaster, e)
			}
			close(cmd.reply)
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish. It reports
// false when the Tracker has been stopped.
func (t *Tracker) do(fn func(s *State, now time.Time) []events.Event) bool {
	cmd := command{fn: fn, reply: make(chan struct{})}
	select {
	case t.cmds <- cmd:
	case <-t.quit:
		return false
	}
	<-cmd.reply
	return true
}

// HandleMessage ingests one message from the execution topic. It has the
// wsclient.Handler signature.
func (t *Tracker) HandleMessage(msg wsclient.Message) {
	t.do(func(s *State, now time.Time) []events.Event {
		evs, err := s.Ingest(msg.Payload, now)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotExecution), errors.Is(err, ErrClosed):
			t.logger.Debug("tracker: ignoring message", "message_id", msg.MessageID, "reason", err)
		default:
			t.logger.Warn("tracker: dropping malformed update", "message_id", msg.MessageID, "err", err)
		}
		return evs
	})
}

// Tick runs one tick immediately.
func (t *Tracker) Tick() {
	t.do(func(s *State, now time.Time) []events.Event {
		evs := s.Tick(now)
		for _, e := range evs {
			switch e.Type {
			case events.TypeTerminalized:
				t.logger.Info("tracker: inferred completion", "execution_id", e.ExecutionID, "reason", e.Reason)
			case events.TypeEvicted:
				t.logger.Debug("tracker: evicted", "execution_id", e.ExecutionID, "reason", e.Reason)
			}
		}
		return evs
	})
}

func (t *Tracker) ReplaceQueue(items []execution.QueueItem) {
	t.do(func(s *State, now time.Time) []events.Event {
		return s.ReplaceQueue(items, now)
	})
}

// Close hides an execution until Reset.
func (t *Tracker) Close(id string) {
	t.do(func(s *State, now time.Time) []events.Event {
		return s.Close(id, now)
	})
}

// Reset forgets all tracked state, including closed executions.
func (t *Tracker) Reset() {
	t.do(func(s *State, now time.Time) []events.Event {
		return s.Reset(now)
	})
}

func (t *Tracker) Snapshot() View {
	var v View
	t.do(func(s *State, now time.Time) []events.Event {
		v = View{Executions: s.Visible(now), Queue: s.Queue(), Now: now}
		return nil
	})
	return v
}

// Lookup returns the tracked record for id, whether or not it is visible.
func (t *Tracker) Lookup(id string) (execution.Record, bool) {
	var (
		rec execution.Record
		ok  bool
	)
	t.do(func(s *State, _ time.Time) []events.Event {
		rec, ok = s.Record(id)
		return nil
	})
	return rec, ok
}
