package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/blackboxserve/internal/orchestrator"
	"github.com/cwbudde/blackboxserve/internal/request"
)

// executeRun drives one registered run through the orchestrator and records
// the outcome. It blocks for the whole engine run; the caller's connection
// is the only timeout boundary.
func executeRun(ctx context.Context, rm *RunManager, orch *orchestrator.Orchestrator, runID string, req request.OptimizationRequest) (result *orchestrator.Result, err error) {
	// A run must always reach a terminal state, or it is never evicted.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %s panicked: %v", runID, r)
			result = nil
			markRunFailed(rm, runID, err)
		}
	}()

	if err := rm.UpdateRun(runID, func(r *Run) {
		r.State = StateRunning
	}); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err = orch.Optimize(ctx, req)
	if err != nil {
		markRunFailed(rm, runID, err)
		return nil, err
	}

	endTime := time.Now()
	rm.UpdateRun(runID, func(r *Run) {
		r.State = StateCompleted
		r.Cached = result.Cached
		r.Shared = result.Shared
		r.LogID = result.SessionID
		r.EndTime = &endTime
	})

	slog.Info("Run completed",
		"run_id", runID,
		"key_hash", result.KeyHash,
		"cached", result.Cached,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// markRunFailed marks a run as failed with an error message
func markRunFailed(rm *RunManager, runID string, err error) {
	endTime := time.Now()
	rm.UpdateRun(runID, func(r *Run) {
		r.State = StateFailed
		r.Error = err.Error()
		r.EndTime = &endTime
	})
	slog.Error("Run failed", "run_id", runID, "error", err)
}
