package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minPopulation is the smallest population mayfly v0.1.0 accepts.
const minPopulation = 20

// mayflySearch wraps the external Mayfly library as a continuous box search.
type mayflySearch struct {
	maxIters int
	popSize  int
	seed     int64
}

func newMayflySearch(maxIters, popSize int, seed int64) *mayflySearch {
	if popSize < minPopulation {
		popSize = minPopulation
	}
	if maxIters < 1 {
		maxIters = 1
	}
	return &mayflySearch{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// run minimizes eval over [lower, upper]^dim and returns the best position
// and cost found.
func (m *mayflySearch) run(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error) {
	config := mayfly.NewDefaultConfig()

	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower
	config.UpperBound = upper
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}
	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
