package server

import (
	"testing"
	"time"

	"github.com/cwbudde/blackboxserve/internal/request"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestRunManager_CreateRun(t *testing.T) {
	rm := NewRunManager()

	run := rm.CreateRun(request.OptimizationRequest{FuncName: strPtr("Tensor"), ForceRecal: boolPtr(true)})

	if run.ID == "" {
		t.Error("Run ID should not be empty")
	}
	if run.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", run.State)
	}
	if run.Key.FuncName != "Tensor" || !run.Forced {
		t.Errorf("Request not recorded correctly: %+v", run)
	}
	if run.KeyHash != run.Key.Hash() {
		t.Error("Key hash mismatch")
	}
}

func TestRunManager_GetRun(t *testing.T) {
	rm := NewRunManager()
	run := rm.CreateRun(request.OptimizationRequest{})

	retrieved, exists := rm.GetRun(run.ID)
	if !exists {
		t.Fatal("Run should exist")
	}
	if retrieved.ID != run.ID {
		t.Error("Retrieved wrong run")
	}

	if _, exists := rm.GetRun("nonexistent"); exists {
		t.Error("Should not find nonexistent run")
	}
}

func TestRunManager_ListRunsInOrder(t *testing.T) {
	rm := NewRunManager()
	if len(rm.ListRuns()) != 0 {
		t.Error("Should start with no runs")
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, rm.CreateRun(request.OptimizationRequest{}).ID)
	}

	runs := rm.ListRuns()
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	for i, run := range runs {
		if run.ID != ids[i] {
			t.Errorf("Run %d out of order", i)
		}
	}
}

func TestRunManager_UpdateRunBroadcasts(t *testing.T) {
	rm := NewRunManager()
	run := rm.CreateRun(request.OptimizationRequest{})

	ch := rm.broadcaster.Subscribe(run.ID)
	defer rm.broadcaster.Unsubscribe(run.ID, ch)

	if err := rm.UpdateRun(run.ID, func(r *Run) { r.State = StateRunning }); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	select {
	case event := <-ch:
		if event.State != StateRunning || event.RunID != run.ID {
			t.Errorf("Unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("No event received")
	}

	if err := rm.UpdateRun("nonexistent", func(r *Run) {}); err == nil {
		t.Error("Expected error for nonexistent run")
	}
}

func TestRunManager_SnapshotsAreCopies(t *testing.T) {
	rm := NewRunManager()
	run := rm.CreateRun(request.OptimizationRequest{})

	run.State = StateFailed
	stored, _ := rm.GetRun(run.ID)
	if stored.State != StatePending {
		t.Error("Mutating a returned run should not affect the registry")
	}
}

func TestRunManager_EvictsOldestFinished(t *testing.T) {
	rm := NewRunManager()

	first := rm.CreateRun(request.OptimizationRequest{})
	rm.UpdateRun(first.ID, func(r *Run) { r.State = StateCompleted })
	pending := rm.CreateRun(request.OptimizationRequest{})

	for i := 0; i < maxRuns; i++ {
		run := rm.CreateRun(request.OptimizationRequest{})
		rm.UpdateRun(run.ID, func(r *Run) { r.State = StateCompleted })
	}

	if _, ok := rm.GetRun(first.ID); ok {
		t.Error("Oldest finished run should have been evicted")
	}
	if _, ok := rm.GetRun(pending.ID); !ok {
		t.Error("Unfinished runs must not be evicted")
	}
	if n := len(rm.ListRuns()); n != maxRuns {
		t.Errorf("Expected %d runs, got %d", maxRuns, n)
	}
}

func TestRunManager_CountByState(t *testing.T) {
	rm := NewRunManager()
	a := rm.CreateRun(request.OptimizationRequest{})
	rm.CreateRun(request.OptimizationRequest{})
	rm.UpdateRun(a.ID, func(r *Run) { r.State = StateFailed })

	counts := rm.CountByState()
	if counts[StatePending] != 1 || counts[StateFailed] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}
