package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// RunState represents the current state of an optimize request
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// maxRuns bounds the registry; the oldest finished runs are dropped first.
const maxRuns = 1000

// Run records one POST /optimize request
type Run struct {
	ID        string      `json:"id"`
	State     RunState    `json:"state"`
	Key       request.Key `json:"key"`
	KeyHash   string      `json:"keyHash"`
	Forced    bool        `json:"forceRecal"`
	Cached    bool        `json:"cached"`
	Shared    bool        `json:"shared"`
	LogID     string      `json:"logId,omitempty"`
	StartTime time.Time   `json:"startTime"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RunManager tracks the lifecycle of optimize requests
type RunManager struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	order       []string
	broadcaster *EventBroadcaster
}

// NewRunManager creates a new RunManager
func NewRunManager() *RunManager {
	return &RunManager{
		runs:        make(map[string]*Run),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateRun registers a pending run for req
func (rm *RunManager) CreateRun(req request.OptimizationRequest) *Run {
	key := request.Normalize(req)
	run := &Run{
		ID:        uuid.New().String(),
		State:     StatePending,
		Key:       key,
		KeyHash:   key.Hash(),
		Forced:    req.ForceRecalculate(),
		StartTime: time.Now(),
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.runs[run.ID] = run
	rm.order = append(rm.order, run.ID)
	rm.evictLocked()

	snapshot := *run
	return &snapshot
}

// evictLocked drops the oldest terminal runs while over capacity.
func (rm *RunManager) evictLocked() {
	for i := 0; len(rm.runs) > maxRuns && i < len(rm.order); {
		id := rm.order[i]
		if run, ok := rm.runs[id]; ok && !run.State.Terminal() {
			i++
			continue
		}
		delete(rm.runs, id)
		rm.order = append(rm.order[:i], rm.order[i+1:]...)
		rm.broadcaster.CleanupRun(id)
	}
}

// GetRun returns a copy of the run with the given ID
func (rm *RunManager) GetRun(id string) (*Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists {
		return nil, false
	}
	snapshot := *run
	return &snapshot, true
}

// ListRuns returns copies of all runs in creation order
func (rm *RunManager) ListRuns() []*Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runs := make([]*Run, 0, len(rm.order))
	for _, id := range rm.order {
		if run, ok := rm.runs[id]; ok {
			snapshot := *run
			runs = append(runs, &snapshot)
		}
	}
	return runs
}

// UpdateRun atomically updates a run and broadcasts its new state
func (rm *RunManager) UpdateRun(id string, updateFn func(*Run)) error {
	rm.mu.Lock()
	run, exists := rm.runs[id]
	if !exists {
		rm.mu.Unlock()
		return fmt.Errorf("run not found: %s", id)
	}
	updateFn(run)
	event := newRunEvent(run)
	rm.mu.Unlock()

	rm.broadcaster.Broadcast(event)
	return nil
}

// CountByState returns the number of runs per state
func (rm *RunManager) CountByState() map[RunState]int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	counts := make(map[RunState]int)
	for _, run := range rm.runs {
		counts[run.State]++
	}
	return counts
}
