package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/blackboxserve/internal/logcapture"
	"github.com/cwbudde/blackboxserve/internal/memo"
	"github.com/cwbudde/blackboxserve/internal/objective"
	"github.com/cwbudde/blackboxserve/internal/opt"
	"github.com/cwbudde/blackboxserve/internal/request"
)

// stubEngine counts invocations and returns a numbered report.
type stubEngine struct {
	runs    atomic.Int64
	configs chan opt.Config
	runErr  error
	// panicWith, if non-nil, is panicked with from Run
	panicWith any
	// beforeRun, if set, is called at the start of every Run
	beforeRun func()
}

func newStubEngine() *stubEngine {
	return &stubEngine{configs: make(chan opt.Config, 64)}
}

func (s *stubEngine) factory(cfg opt.Config) (opt.Optimizer, error) {
	s.configs <- cfg
	return &stubOptimizer{engine: s, cfg: cfg}, nil
}

type stubOptimizer struct {
	engine *stubEngine
	cfg    opt.Config
	n      int64
}

func (o *stubOptimizer) Run(rank int) error {
	if o.engine.beforeRun != nil {
		o.engine.beforeRun()
	}
	o.n = o.engine.runs.Add(1)
	if o.engine.panicWith != nil {
		panic(o.engine.panicWith)
	}
	if o.engine.runErr != nil {
		return o.engine.runErr
	}
	// exercise the real objective once so unknown names would surface
	o.cfg.Objective([][]float64{o.cfg.InitialGuess})
	return nil
}

func (o *stubOptimizer) Info() string {
	return fmt.Sprintf("%s run #%d", o.cfg.Name, o.n)
}

func (o *stubOptimizer) History() []opt.Improvement {
	return []opt.Improvement{{Eval: 1, Y: 4}, {Eval: 9, Y: 1}}
}

func ptr[T any](v T) *T { return &v }

func setup(t *testing.T, engine *stubEngine, opts Options) (*Orchestrator, memo.Store, *logcapture.Manager) {
	t.Helper()
	logs, err := logcapture.NewManager(t.TempDir())
	require.NoError(t, err)
	store := memo.NewMemoryStore()
	return New(store, logs, engine.factory, nil, opts), store, logs
}

func cachedRequest(name string) request.OptimizationRequest {
	return request.OptimizationRequest{
		Dimensions: ptr(5),
		FuncName:   ptr(name),
		WithCache:  ptr(true),
	}
}

func TestOptimizeComputesAndStores(t *testing.T) {
	engine := newStubEngine()
	o, store, logs := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Sphere")
	res, err := o.Optimize(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "Sphere run #1", res.Report)
	assert.False(t, res.Cached)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, request.Normalize(req).Hash(), res.KeyHash)

	report, ok, err := store.Lookup(ctx, request.Normalize(req))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, res.Report, report)

	latest, ok := logs.Latest()
	assert.True(t, ok)
	assert.Equal(t, res.SessionID, latest)

	path, err := logs.Path(res.SessionID)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "optimization request received")
	assert.Contains(t, string(content), "----------calculated----------")
	assert.Contains(t, string(content), "Sphere run #1")
}

func TestOptimizeCacheHit(t *testing.T) {
	engine := newStubEngine()
	o, _, _ := setup(t, engine, Options{})
	ctx := context.Background()

	first, err := o.Optimize(ctx, cachedRequest("Sphere"))
	require.NoError(t, err)
	second, err := o.Optimize(ctx, cachedRequest("Sphere"))
	require.NoError(t, err)

	assert.Equal(t, first.Report, second.Report)
	assert.True(t, second.Cached)
	assert.Empty(t, second.SessionID)
	assert.EqualValues(t, 1, engine.runs.Load())
}

func TestOptimizeCacheDisabledAlwaysComputes(t *testing.T) {
	engine := newStubEngine()
	o, store, _ := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Sphere")
	req.WithCache = ptr(false)

	_, err := o.Optimize(ctx, req)
	require.NoError(t, err)
	res, err := o.Optimize(ctx, req)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, engine.runs.Load())

	// the report is still written back
	report, ok, err := store.Lookup(ctx, request.Normalize(req))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Sphere run #2", report)
}

func TestOptimizeForceRecalculateOverwrites(t *testing.T) {
	engine := newStubEngine()
	o, store, _ := setup(t, engine, Options{})
	ctx := context.Background()

	_, err := o.Optimize(ctx, cachedRequest("Sphere"))
	require.NoError(t, err)

	forced := cachedRequest("Sphere")
	forced.ForceRecal = ptr(true)
	res, err := o.Optimize(ctx, forced)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, "Sphere run #2", res.Report)
	assert.EqualValues(t, 2, engine.runs.Load())

	report, ok, err := store.Lookup(ctx, request.Normalize(forced))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Sphere run #2", report)

	// a later non-forced request sees the overwritten report
	res, err = o.Optimize(ctx, cachedRequest("Sphere"))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "Sphere run #2", res.Report)
}

func TestOptimizeUnknownObjective(t *testing.T) {
	engine := newStubEngine()
	o, store, logs := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Ackley")
	res, err := o.Optimize(ctx, req)

	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, objective.ErrUnknownObjective))
	assert.True(t, IsClientVisible(err))
	assert.Zero(t, engine.runs.Load())

	_, ok, _ := store.Lookup(ctx, request.Normalize(req))
	assert.False(t, ok)

	// the failed session is still closed and downloadable
	latest, ok := logs.Latest()
	require.True(t, ok)
	path, err := logs.Path(latest)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "----------failed----------")
}

func TestOptimizeEngineFailureIsExplicit(t *testing.T) {
	engine := newStubEngine()
	engine.runErr = errors.New("diverged")
	o, store, _ := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Sphere")
	res, err := o.Optimize(ctx, req)

	assert.Nil(t, res)
	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, StageRun, engineErr.Stage)
	assert.Equal(t, "Sphere", engineErr.Objective)
	assert.Contains(t, err.Error(), "diverged")

	_, ok, _ := store.Lookup(ctx, request.Normalize(req))
	assert.False(t, ok, "failed runs must not be cached")
}

func TestOptimizeConstructFailure(t *testing.T) {
	logs, err := logcapture.NewManager(t.TempDir())
	require.NoError(t, err)
	failing := func(opt.Config) (opt.Optimizer, error) { return nil, errors.New("no engine") }
	o := New(memo.NewMemoryStore(), logs, failing, nil, Options{})

	_, err = o.Optimize(context.Background(), cachedRequest("Sphere"))
	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, StageConstruct, engineErr.Stage)
}

func latestLog(t *testing.T, logs *logcapture.Manager) string {
	t.Helper()
	latest, ok := logs.Latest()
	require.True(t, ok)
	path, err := logs.Path(latest)
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestOptimizeRejectsHugeDimensionsBeforeBuilding(t *testing.T) {
	engine := newStubEngine()
	o, _, logs := setup(t, engine, Options{})

	req := cachedRequest("Sphere")
	req.Dimensions = ptr(1 << 62)

	var err error
	require.NotPanics(t, func() {
		_, err = o.Optimize(context.Background(), req)
	})

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, StageConstruct, engineErr.Stage)
	assert.ErrorIs(t, err, opt.ErrInvalidConfig)
	assert.Empty(t, engine.configs, "the engine must not be built")
	assert.Zero(t, engine.runs.Load())
	assert.Contains(t, latestLog(t, logs), "----------failed----------")
}

func TestOptimizeEnginePanicIsEngineError(t *testing.T) {
	engine := newStubEngine()
	engine.panicWith = "index out of range"
	o, store, logs := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Sphere")
	var err error
	require.NotPanics(t, func() {
		_, err = o.Optimize(ctx, req)
	})

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, StageRun, engineErr.Stage)
	assert.Contains(t, err.Error(), "index out of range")
	assert.True(t, IsClientVisible(err))
	assert.Contains(t, latestLog(t, logs), "----------failed----------")

	_, ok, _ := store.Lookup(ctx, request.Normalize(req))
	assert.False(t, ok)
}

func TestOptimizeEngineConfig(t *testing.T) {
	engine := newStubEngine()
	o, _, _ := setup(t, engine, Options{Seed: 7})

	req := request.OptimizationRequest{
		Dimensions:      ptr(5),
		LowerBound:      ptr(-3.0),
		UpperBound:      ptr(4.0),
		GridSizeFactorP: ptr(3),
		GridSizeFactorQ: ptr(6),
		Evals:           ptr(500.0),
		FuncName:        ptr("Tensor"),
		IsFunc:          ptr(false),
		WithOpt:         ptr(true),
	}
	_, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)

	cfg := <-engine.configs
	assert.Equal(t, "Tensor", cfg.Name)
	assert.Equal(t, 5, cfg.Dimensions)
	assert.Equal(t, -3.0, cfg.LowerBound)
	assert.Equal(t, 4.0, cfg.UpperBound)
	assert.Equal(t, 3, cfg.GridFactorP)
	assert.Equal(t, 6, cfg.GridFactorQ)
	assert.Equal(t, 500.0, cfg.Evals)
	assert.Equal(t, []float64{2, 3, 0, 0, 0}, cfg.InitialGuess)
	assert.Equal(t, 0.0, cfg.TargetY)
	assert.False(t, cfg.IsFunc)
	assert.True(t, cfg.IsVect)
	assert.True(t, cfg.WithLog)
	assert.True(t, cfg.WithOpt)
	assert.False(t, cfg.WithCache)
	assert.EqualValues(t, 7, cfg.Seed)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 0.0, objective.Point(cfg.Objective, []float64{2, 3, 0, 0, 0}))
}

// N identical first-time requests with an empty cache: under the weak
// memoization contract every request misses and computes. The engine blocks
// until all N runs have started so no store can happen before every lookup.
func TestOptimizeConcurrentWeakMemoization(t *testing.T) {
	const n = 8
	engine := newStubEngine()
	var started sync.WaitGroup
	started.Add(n)
	engine.beforeRun = func() {
		started.Done()
		started.Wait()
	}
	o, store, _ := setup(t, engine, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Optimize(ctx, cachedRequest("Sphere"))
			if assert.NoError(t, err) {
				reports[i] = res.Report
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, n, engine.runs.Load(), "weak memoization computes once per concurrent miss")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Entries)

	final, ok, err := store.Lookup(ctx, request.Normalize(cachedRequest("Sphere")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, reports, final)
}

func TestOptimizeSingleFlight(t *testing.T) {
	const n = 8
	engine := newStubEngine()
	release := make(chan struct{})
	firstRun := make(chan struct{}, n)
	engine.beforeRun = func() {
		firstRun <- struct{}{}
		<-release
	}
	o, store, _ := setup(t, engine, Options{SingleFlight: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Optimize(ctx, cachedRequest("Sphere"))
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}

	<-firstRun
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, engine.runs.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, "Sphere run #1", res.Report)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Entries)
}

func TestOptimizeMaxConcurrentHonoursContext(t *testing.T) {
	engine := newStubEngine()
	release := make(chan struct{})
	running := make(chan struct{})
	engine.beforeRun = func() {
		close(running)
		<-release
	}
	o, _, _ := setup(t, engine, Options{MaxConcurrent: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.Optimize(context.Background(), cachedRequest("Sphere"))
		assert.NoError(t, err)
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Optimize(ctx, cachedRequest("Rastrigin"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

func TestOptimizeWritesTraceOnlyWithOpt(t *testing.T) {
	engine := newStubEngine()
	o, _, logs := setup(t, engine, Options{})
	ctx := context.Background()

	req := cachedRequest("Sphere")
	req.WithOpt = ptr(true)
	res, err := o.Optimize(ctx, req)
	require.NoError(t, err)

	path, err := logs.TracePath(res.SessionID)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	entries, err := logcapture.ReadTrace(f)
	require.NoError(t, err)
	assert.Equal(t, []logcapture.TraceEntry{{Eval: 1, Y: 4}, {Eval: 9, Y: 1}}, entries)

	plain, err := o.Optimize(ctx, cachedRequest("Alpine"))
	require.NoError(t, err)
	_, err = logs.TracePath(plain.SessionID)
	assert.ErrorIs(t, err, logcapture.ErrSessionNotFound)
}

// A follower joined to an in-flight computation must not fail because the
// request that started it went away.
func TestOptimizeSingleFlightSurvivesLeaderCancel(t *testing.T) {
	engine := newStubEngine()
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var first atomic.Bool
	engine.beforeRun = func() {
		started <- struct{}{}
		if first.CompareAndSwap(false, true) {
			<-release
		}
	}
	o, _, _ := setup(t, engine, Options{SingleFlight: true, MaxConcurrent: 1})

	// occupy the only slot
	blocker := make(chan error, 1)
	go func() {
		_, err := o.Optimize(context.Background(), cachedRequest("Alpine"))
		blocker <- err
	}()
	<-started

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := o.Optimize(leaderCtx, cachedRequest("Sphere"))
		leader <- err
	}()
	time.Sleep(50 * time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := o.Optimize(context.Background(), cachedRequest("Sphere"))
		follower <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-blocker)
	assert.NoError(t, <-leader)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, "Sphere run #2", got.res.Report)
	assert.True(t, got.res.Shared)
	assert.EqualValues(t, 2, engine.runs.Load())
}
