package opt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxGridNodes caps p^q so index arithmetic stays exact in float64.
const maxGridNodes = 1 << 50

// MaxDimensions bounds the problem dimension. Every population member and
// grid index vector is this long.
const MaxDimensions = 100000

// ErrInvalidConfig is wrapped by every configuration error reported by Run.
var ErrInvalidConfig = errors.New("invalid optimizer config")

// Improvement is one step of the incumbent history kept when WithOpt is set.
type Improvement struct {
	Eval int
	Y    float64
}

// GridEngine minimizes an objective restricted to a uniform grid of p^q
// nodes per dimension. Candidate points proposed by the mayfly search are
// snapped to the nearest node before evaluation, so every evaluated point is
// a grid node and the cache can key on node indices.
type GridEngine struct {
	cfg    Config
	logger *slog.Logger
	nodes  int64

	// run state, guarded by mu while the search is active
	mu        sync.Mutex
	fault     error
	ran       bool
	calls     int
	cacheHits int
	cache     map[string]float64
	bestX     []float64
	bestY     float64
	history   []Improvement
	elapsed   time.Duration
}

// NewGrid is the default Factory.
func NewGrid(cfg Config) (Optimizer, error) {
	return NewGridEngine(cfg)
}

// NewGridEngine validates cfg only as far as construction requires; problem
// level errors (bounds, budget, grid) surface from Run.
func NewGridEngine(cfg Config) (*GridEngine, error) {
	if cfg.Objective == nil {
		return nil, fmt.Errorf("%w: objective is nil", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil || !cfg.WithLog {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GridEngine{cfg: cfg, logger: logger}, nil
}

// Validate reports problem-level errors: bad dimensions, bounds, grid,
// budget or initial guess length. It allocates nothing proportional to the
// problem size, so it is safe to call on untrusted input.
func (c Config) Validate() error {
	switch {
	case c.Dimensions < 1:
		return fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalidConfig, c.Dimensions)
	case c.Dimensions > MaxDimensions:
		return fmt.Errorf("%w: dimensions must be at most %d, got %d", ErrInvalidConfig, MaxDimensions, c.Dimensions)
	case !(c.LowerBound < c.UpperBound):
		return fmt.Errorf("%w: lower bound %g must be below upper bound %g", ErrInvalidConfig, c.LowerBound, c.UpperBound)
	case c.GridFactorP < 2:
		return fmt.Errorf("%w: grid factor p must be at least 2, got %d", ErrInvalidConfig, c.GridFactorP)
	case c.GridFactorQ < 1:
		return fmt.Errorf("%w: grid factor q must be positive, got %d", ErrInvalidConfig, c.GridFactorQ)
	case !(c.Evals >= 1):
		return fmt.Errorf("%w: evaluation budget must be at least 1, got %g", ErrInvalidConfig, c.Evals)
	case len(c.InitialGuess) != 0 && len(c.InitialGuess) != c.Dimensions:
		return fmt.Errorf("%w: initial guess has %d entries for %d dimensions", ErrInvalidConfig, len(c.InitialGuess), c.Dimensions)
	}
	_, err := gridNodes(c.GridFactorP, c.GridFactorQ)
	return err
}

// gridNodes returns p^q, or an error if it exceeds maxGridNodes.
func gridNodes(p, q int) (int64, error) {
	n := int64(1)
	for i := 0; i < q; i++ {
		n *= int64(p)
		if n > maxGridNodes {
			return 0, fmt.Errorf("%w: grid %d^%d is too large", ErrInvalidConfig, p, q)
		}
	}
	return n, nil
}

// Run executes the search. A panic inside the objective is reported as an
// error rather than crashing the caller.
func (g *GridEngine) Run(rank int) error {
	if err := g.cfg.Validate(); err != nil {
		return err
	}
	nodes, err := gridNodes(g.cfg.GridFactorP, g.cfg.GridFactorQ)
	if err != nil {
		return err
	}
	if rank < 1 {
		rank = 1
	}

	g.nodes = nodes
	g.calls, g.cacheHits = 0, 0
	g.bestX, g.bestY = nil, math.Inf(1)
	g.history = nil
	g.cache = nil
	g.fault = nil
	if g.cfg.WithCache {
		g.cache = make(map[string]float64)
	}

	start := time.Now()
	budget := int(math.Min(g.cfg.Evals, math.MaxInt32))

	g.logger.Info("grid search started",
		"name", g.cfg.Name,
		"dimensions", g.cfg.Dimensions,
		"nodes_per_dim", nodes,
		"budget", budget,
		"rank", rank,
	)

	popSize := 5 * rank
	if popSize < minPopulation {
		popSize = minPopulation
	}

	// The seed generation is the only place candidates are known up front,
	// so it is where the batch calling convention applies.
	g.evaluateBatch(g.seedPoints(popSize), budget)

	// Each mayfly iteration costs roughly two evaluations per population
	// member; the hard cap in evaluate enforces the exact budget.
	iters := budget / (2 * popSize)
	search := newMayflySearch(iters, popSize, g.cfg.Seed)

	_, _, err = search.run(func(x []float64) float64 {
		return g.evaluate(x, budget)
	}, g.cfg.LowerBound, g.cfg.UpperBound, g.cfg.Dimensions)
	g.elapsed = time.Since(start)
	if err != nil {
		return err
	}
	if g.fault != nil {
		return g.fault
	}

	g.ran = true
	g.logger.Info("grid search finished",
		"name", g.cfg.Name,
		"evals", g.calls,
		"cache_hits", g.cacheHits,
		"best_y", g.bestY,
		"elapsed", g.elapsed,
	)
	return nil
}

// seedPoints returns the first generation: the initial guess (when given)
// followed by n uniform points in the box, drawn from the configured seed.
func (g *GridEngine) seedPoints(n int) [][]float64 {
	a, b := g.cfg.LowerBound, g.cfg.UpperBound
	rng := rand.New(rand.NewSource(g.cfg.Seed))

	points := make([][]float64, 0, n+1)
	if len(g.cfg.InitialGuess) == g.cfg.Dimensions {
		points = append(points, g.cfg.InitialGuess)
	}
	for i := 0; i < n; i++ {
		x := make([]float64, g.cfg.Dimensions)
		for j := range x {
			x[j] = a + rng.Float64()*(b-a)
		}
		points = append(points, x)
	}
	return points
}

// evaluate scores a single candidate proposed by the search.
func (g *GridEngine) evaluate(x []float64, budget int) float64 {
	return g.evaluateBatch([][]float64{x}, budget)[0]
}

// pendingRow is a snapped point that still needs an objective call.
type pendingRow struct {
	idx   []int64
	key   string
	point []float64
	rows  []int // positions in the batch answered by this call
}

// evaluateBatch snaps every point to the grid, answers what it can from the
// cache and sends the rest to the objective while budget remains: as one
// batch when IsVect is set, row by row otherwise. Points past the budget, or
// any point after the objective has faulted, score +Inf.
func (g *GridEngine) evaluateBatch(xs [][]float64, budget int) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ys := make([]float64, len(xs))
	for i := range ys {
		ys[i] = math.Inf(1)
	}
	if g.fault != nil {
		return ys
	}

	var (
		pending []*pendingRow
		byKey   map[string]*pendingRow
	)
	if g.cache != nil {
		byKey = make(map[string]*pendingRow)
	}

	for i, x := range xs {
		idx := g.snap(x)

		var key string
		if g.cache != nil {
			key = indexKey(idx)
			if y, ok := g.cache[key]; ok {
				g.cacheHits++
				ys[i] = y
				continue
			}
			if p, ok := byKey[key]; ok {
				g.cacheHits++
				p.rows = append(p.rows, i)
				continue
			}
		}

		if g.calls+len(pending) >= budget {
			continue
		}

		point := make([]float64, len(idx))
		for j, k := range idx {
			if g.cfg.IsFunc {
				point[j] = g.node(k)
			} else {
				point[j] = float64(k)
			}
		}
		p := &pendingRow{idx: idx, key: key, point: point, rows: []int{i}}
		pending = append(pending, p)
		if byKey != nil {
			byKey[key] = p
		}
	}
	if len(pending) == 0 {
		return ys
	}

	points := make([][]float64, len(pending))
	for i, p := range pending {
		points[i] = p.point
	}
	values, err := g.call(points)
	if err != nil {
		g.fault = err
		return ys
	}

	for i, p := range pending {
		y := values[i]
		g.calls++
		if g.cache != nil {
			g.cache[p.key] = y
		}
		for _, row := range p.rows {
			ys[row] = y
		}
		if y < g.bestY {
			g.bestY = y
			g.bestX = make([]float64, len(p.idx))
			for j, k := range p.idx {
				g.bestX[j] = g.node(k)
			}
			if g.cfg.WithOpt {
				g.history = append(g.history, Improvement{Eval: g.calls, Y: y})
			}
			g.logger.Debug("new best", "eval", g.calls, "y", y)
		}
	}
	return ys
}

// call dispatches on the calling convention: one batch call with every row
// when IsVect is set, one single-row call per point otherwise.
func (g *GridEngine) call(points [][]float64) (ys []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("objective %s panicked: %v", g.cfg.Name, r)
		}
	}()
	if g.cfg.IsVect {
		ys = g.cfg.Objective(points)
		if len(ys) != len(points) {
			return nil, fmt.Errorf("objective %s returned %d values for %d rows", g.cfg.Name, len(ys), len(points))
		}
		return ys, nil
	}
	ys = make([]float64, len(points))
	for i, p := range points {
		ys[i] = g.cfg.Objective([][]float64{p})[0]
	}
	return ys, nil
}

// snap maps a continuous point to the nearest grid node indices.
func (g *GridEngine) snap(x []float64) []int64 {
	a, b := g.cfg.LowerBound, g.cfg.UpperBound
	last := float64(g.nodes - 1)
	idx := make([]int64, len(x))
	for i, v := range x {
		if last == 0 {
			continue
		}
		t := math.Round((v - a) / (b - a) * last)
		if math.IsNaN(t) || t < 0 {
			t = 0
		} else if t > last {
			t = last
		}
		idx[i] = int64(t)
	}
	return idx
}

// node returns the coordinate of grid index k.
func (g *GridEngine) node(k int64) float64 {
	if g.nodes <= 1 {
		return g.cfg.LowerBound
	}
	a, b := g.cfg.LowerBound, g.cfg.UpperBound
	return a + float64(k)*(b-a)/float64(g.nodes-1)
}

func indexKey(idx []int64) string {
	var sb strings.Builder
	for i, k := range idx {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(k, 10))
	}
	return sb.String()
}

// Best returns the incumbent point and value.
func (g *GridEngine) Best() ([]float64, float64) {
	return g.bestX, g.bestY
}

// Evaluations returns how many objective calls the last run spent.
func (g *GridEngine) Evaluations() int {
	return g.calls
}

// CacheHits returns how many evaluations were answered by the run cache.
func (g *GridEngine) CacheHits() int {
	return g.cacheHits
}

// History returns the improvement history (WithOpt only).
func (g *GridEngine) History() []Improvement {
	return g.history
}

// Info renders the one-line report:
//
//	<name> > m <evals> | t <seconds> | y <best> | e_x <x error> | e_y <y error> [| c <hits>] [| opt <steps>]
func (g *GridEngine) Info() string {
	name := g.cfg.Name
	if name == "" {
		name = "function"
	}
	if !g.ran {
		return fmt.Sprintf("%-16s> not run", name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-16s> m %-7.1e | t %-7.1e | y %11.4e", name, float64(g.calls), g.elapsed.Seconds(), g.bestY)
	if ex, ok := g.errorX(); ok {
		fmt.Fprintf(&sb, " | e_x %-7.1e", ex)
	}
	fmt.Fprintf(&sb, " | e_y %-7.1e", math.Abs(g.bestY-g.cfg.TargetY))
	if g.cfg.WithCache {
		fmt.Fprintf(&sb, " | c %d", g.cacheHits)
	}
	if g.cfg.WithOpt {
		fmt.Fprintf(&sb, " | opt %d", len(g.history))
	}
	return sb.String()
}

// errorX is the relative distance between the incumbent and the reference
// point (absolute when the reference is the origin).
func (g *GridEngine) errorX() (float64, bool) {
	ref := g.cfg.InitialGuess
	if len(ref) == 0 || len(g.bestX) != len(ref) {
		return 0, false
	}
	var diff, norm float64
	for i := range ref {
		d := g.bestX[i] - ref[i]
		diff += d * d
		norm += ref[i] * ref[i]
	}
	if norm == 0 {
		return math.Sqrt(diff), true
	}
	return math.Sqrt(diff / norm), true
}
