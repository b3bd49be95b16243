package opt

import (
	"log/slog"

	"github.com/cwbudde/blackboxserve/internal/objective"
)

// Optimizer is the black-box minimization engine as seen by the
// orchestrator: configure once, run, then read a human-readable report.
type Optimizer interface {
	// Run executes the search. rank bounds the engine's internal model size
	// (for the grid engine it scales the population).
	Run(rank int) error

	// Info returns the textual report of the last run.
	Info() string
}

// HistoryReporter is implemented by optimizers that record the incumbent
// history when Config.WithOpt is set.
type HistoryReporter interface {
	History() []Improvement
}

// Factory constructs an Optimizer for one problem.
type Factory func(cfg Config) (Optimizer, error)

// Config describes one minimization problem.
type Config struct {
	// Name labels the report
	Name string

	// Objective is evaluated on batches of points (or grid indices, see IsFunc)
	Objective objective.BatchFunc

	Dimensions int
	LowerBound float64
	UpperBound float64

	// GridFactorP and GridFactorQ give p^q grid nodes per dimension
	GridFactorP int
	GridFactorQ int

	// Evals is the hard budget of objective calls
	Evals float64

	// InitialGuess is evaluated first and is the reference point for the
	// x-error diagnostic
	InitialGuess []float64

	// TargetY is the reference minimum used for the y-error diagnostic
	TargetY float64

	// IsFunc: the objective takes coordinates (true) or grid indices (false)
	IsFunc bool
	// IsVect: the objective is called with a batch (true) or row by row (false)
	IsVect bool

	WithCache bool
	WithLog   bool
	WithOpt   bool

	// Logger receives progress when WithLog is set. Nil discards.
	Logger *slog.Logger

	Seed int64
}
