package orchestrator

// guessBuilders maps objective names to their initial-guess builders.
// Names without an entry start from the all-ones vector.
var guessBuilders = map[string]func(d int) []float64{
	"Tensor": tensorGuess,
	"Simple": zeros,
	"Alpine": ones,
}

// InitialGuess returns the starting point for objective name in d
// dimensions.
func InitialGuess(name string, d int) []float64 {
	if d < 0 {
		d = 0
	}
	if build, ok := guessBuilders[name]; ok {
		return build(d)
	}
	return ones(d)
}

func zeros(d int) []float64 {
	return make([]float64, d)
}

func ones(d int) []float64 {
	x := make([]float64, d)
	for i := range x {
		x[i] = 1
	}
	return x
}

// tensorGuess is the known minimizer of the Tensor objective: 2 and 3 in the
// first two coordinates, zero elsewhere.
func tensorGuess(d int) []float64 {
	x := zeros(d)
	if d > 0 {
		x[0] = 2
	}
	if d > 1 {
		x[1] = 3
	}
	return x
}
