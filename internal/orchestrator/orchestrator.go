package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cwbudde/blackboxserve/internal/logcapture"
	"github.com/cwbudde/blackboxserve/internal/memo"
	"github.com/cwbudde/blackboxserve/internal/objective"
	"github.com/cwbudde/blackboxserve/internal/opt"
	"github.com/cwbudde/blackboxserve/internal/request"
)

// DefaultRank is the engine rank used when Options.Rank is unset.
const DefaultRank = 4

// Options tunes an Orchestrator.
type Options struct {
	// Rank is passed to Optimizer.Run
	Rank int

	// SingleFlight collapses concurrent computations of the same key into
	// one engine run. Off by default: the store alone gives weak
	// memoization, where concurrent misses all compute. A shared run is
	// not cancelled when the caller that started it goes away.
	SingleFlight bool

	// MaxConcurrent caps simultaneous engine runs (0 = unlimited)
	MaxConcurrent int

	// Seed is forwarded to the engine
	Seed int64
}

// Result is the outcome of one successful request.
type Result struct {
	Report  string
	KeyHash string

	// SessionID names the log artifact; empty on a cache hit
	SessionID string

	// Cached is true when the report came from the store
	Cached bool

	// Shared is true when the report came from another request's
	// in-flight computation (SingleFlight only)
	Shared bool
}

// Orchestrator turns optimization requests into reports, reusing cached
// reports where allowed.
type Orchestrator struct {
	store        memo.Store
	logs         *logcapture.Manager
	newOptimizer opt.Factory
	logger       *slog.Logger

	rank  int
	seed  int64
	group *singleflight.Group
	slots *semaphore.Weighted
}

// New creates an Orchestrator. A nil logger falls back to slog.Default().
func New(store memo.Store, logs *logcapture.Manager, factory opt.Factory, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:        store,
		logs:         logs,
		newOptimizer: factory,
		logger:       logger,
		rank:         opts.Rank,
		seed:         opts.Seed,
	}
	if o.rank <= 0 {
		o.rank = DefaultRank
	}
	if opts.SingleFlight {
		o.group = &singleflight.Group{}
	}
	if opts.MaxConcurrent > 0 {
		o.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return o
}

// Optimize resolves req to a report. The store lookup is skipped unless the
// request enables caching and does not force recalculation; a computed
// report is always written back.
//
// Errors: objective.ErrUnknownObjective (wrapped) when the objective name
// does not resolve, *EngineError when the engine fails, or a context error
// when ctx ends while waiting for an engine slot.
func (o *Orchestrator) Optimize(ctx context.Context, req request.OptimizationRequest) (*Result, error) {
	key := request.Normalize(req)
	keyHash := key.Hash()

	if key.WithCache && !req.ForceRecalculate() {
		report, ok, err := o.store.Lookup(ctx, key)
		if err != nil {
			o.logger.Warn("Cache lookup failed", "key_hash", keyHash, "error", err)
		} else if ok {
			o.logger.Info("Optimization fetched from cache", "key_hash", keyHash, "func", key.FuncName)
			return &Result{Report: report, KeyHash: keyHash, Cached: true}, nil
		}
	}

	if o.group == nil {
		return o.compute(ctx, req, key)
	}

	// The shared computation outlives any single caller, so it must not
	// inherit the cancellation of whichever request happened to start it.
	v, err, shared := o.group.Do(keyHash, func() (interface{}, error) {
		return o.compute(context.WithoutCancel(ctx), req, key)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	res.Shared = shared
	return &res, nil
}

// compute runs the engine inside a fresh log session.
func (o *Orchestrator) compute(ctx context.Context, req request.OptimizationRequest, key request.Key) (*Result, error) {
	keyHash := key.Hash()

	if o.slots != nil {
		if err := o.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for engine slot: %w", err)
		}
		defer o.slots.Release(1)
	}

	session, err := o.logs.Open(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			o.logger.Error("Failed to close log session", "session", session.ID(), "error", err)
		}
	}()

	reqLog := session.Logger()
	reqLog.Info("optimization request received", "key", key.String(), "force_recalculate", req.ForceRecalculate())

	report, history, err := o.safeRun(key, reqLog)
	if err != nil {
		reqLog.Error("optimization failed", "error", err)
		if berr := session.Banner(logcapture.MarkerFailed, req, err.Error()); berr != nil {
			o.logger.Warn("Failed to write log banner", "session", session.ID(), "error", berr)
		}
		o.logger.Error("Optimization failed",
			"key_hash", keyHash,
			"key", key.String(),
			"session", session.ID(),
			"error", err,
		)
		return nil, err
	}

	if err := session.Banner(logcapture.MarkerCalculated, req, report); err != nil {
		o.logger.Warn("Failed to write log banner", "session", session.ID(), "error", err)
	}
	if len(history) > 0 {
		if err := session.WriteTrace(traceEntries(history)); err != nil {
			o.logger.Warn("Failed to write improvement trace", "session", session.ID(), "error", err)
		}
	}

	if err := o.store.Store(ctx, key, report); err != nil {
		o.logger.Warn("Cache store failed", "key_hash", keyHash, "error", err)
	}

	o.logger.Info("Optimization calculated", "key_hash", keyHash, "func", key.FuncName, "session", session.ID())
	return &Result{Report: report, KeyHash: keyHash, SessionID: session.ID()}, nil
}

// safeRun is run with panics converted to a run-stage *EngineError, so a
// misbehaving engine still produces a failed banner and error log.
func (o *Orchestrator) safeRun(key request.Key, logger *slog.Logger) (report string, history []opt.Improvement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{Objective: key.FuncName, Stage: StageRun, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return o.run(key, logger)
}

// run builds and runs the engine for key, returning its report and, when
// the engine records one, its improvement history.
func (o *Orchestrator) run(key request.Key, logger *slog.Logger) (string, []opt.Improvement, error) {
	f, err := objective.Lookup(key.FuncName)
	if err != nil {
		return "", nil, err
	}

	cfg := opt.Config{
		Name:         key.FuncName,
		Objective:    f,
		Dimensions:   key.Dimensions,
		LowerBound:   key.LowerBound,
		UpperBound:   key.UpperBound,
		GridFactorP:  key.GridSizeFactorP,
		GridFactorQ:  key.GridSizeFactorQ,
		Evals:        key.Evals,
		TargetY:      0,
		IsFunc:       key.IsFunc,
		IsVect:       key.IsVect,
		WithCache:    key.WithCache,
		WithLog:      key.WithLog,
		WithOpt:      key.WithOpt,
		Logger:       logger,
		Seed:         o.seed,
	}

	// validate before sizing anything by the requested dimension
	if err := cfg.Validate(); err != nil {
		return "", nil, &EngineError{Objective: key.FuncName, Stage: StageConstruct, Err: err}
	}
	cfg.InitialGuess = InitialGuess(key.FuncName, key.Dimensions)

	optimizer, err := o.newOptimizer(cfg)
	if err != nil {
		return "", nil, &EngineError{Objective: key.FuncName, Stage: StageConstruct, Err: err}
	}

	start := time.Now()
	if err := optimizer.Run(o.rank); err != nil {
		return "", nil, &EngineError{Objective: key.FuncName, Stage: StageRun, Err: err}
	}
	logger.Info("engine run complete", "elapsed", time.Since(start))

	var history []opt.Improvement
	if hr, ok := optimizer.(opt.HistoryReporter); ok && key.WithOpt {
		history = hr.History()
	}
	return optimizer.Info(), history, nil
}

func traceEntries(history []opt.Improvement) []logcapture.TraceEntry {
	entries := make([]logcapture.TraceEntry, len(history))
	for i, h := range history {
		entries[i] = logcapture.TraceEntry{Eval: h.Eval, Y: h.Y}
	}
	return entries
}

// IsClientVisible reports whether err should be shown verbatim to callers.
// Every orchestrator error is a server-side failure; this only separates
// known failure kinds from unexpected ones for logging.
func IsClientVisible(err error) bool {
	var engineErr *EngineError
	return errors.Is(err, objective.ErrUnknownObjective) || errors.As(err, &engineErr)
}
