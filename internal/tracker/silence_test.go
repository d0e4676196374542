package tracker

import (
	"testing"
	"time"

	"github.com/zsprackett/execwatch/internal/events"
	"github.com/zsprackett/execwatch/internal/execution"
)

// Ingest already completes a RUNNING record on its final step, so the tick
// path is exercised by seeding the record directly.
func TestTickSilenceInference(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewState(DefaultConfig())
	s.records["a"] = execution.Record{
		ExecutionID: "a",
		Status:      execution.StatusRunning,
		CurrentStep: 3,
		TotalSteps:  3,
		LastUpdated: t0,
	}
	s.timers["a"] = TimerSeed

	for i := 1; i <= 15; i++ {
		if evs := s.Tick(t0.Add(time.Duration(i) * time.Second)); len(evs) != 0 {
			t.Fatalf("tick %d: unexpected events %+v", i, evs)
		}
	}

	evs := s.Tick(t0.Add(16 * time.Second))
	if len(evs) != 1 || evs[0].Type != events.TypeTerminalized || !evs[0].Inferred {
		t.Fatalf("t=16s: got %+v, want one inferred terminalization", evs)
	}
	if got := s.records["a"].Status; got != execution.StatusCompleted {
		t.Errorf("status: got %s want COMPLETED", got)
	}
	if !s.records["a"].LastUpdated.Equal(t0) {
		t.Error("tick must not stamp LastUpdated")
	}
}
