package objective

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// BatchFunc evaluates a batch of points (rows = samples, columns = dimensions)
// and returns one scalar per row.
type BatchFunc func(X [][]float64) []float64

// ErrUnknownObjective is returned when a name does not resolve in the catalog.
// Use errors.Is(err, ErrUnknownObjective) to check for it.
var ErrUnknownObjective = errors.New("unknown objective")

// catalog is the closed name -> function table. Entries are row-wise so
// every function shares the same batch wrapper.
var catalog = map[string]func(x []float64) float64{
	"Alpine":          alpine,
	"Simple":          simple,
	"Tensor":          tensor,
	"Rosenbrock":      rosenbrock,
	"Rastrigin":       rastrigin,
	"Sphere":          sphere,
	"Styblinski-Tang": styblinskiTang,
}

// Lookup resolves an objective by name.
func Lookup(name string) (BatchFunc, error) {
	row, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjective, name)
	}
	return batch(row), nil
}

// Names returns the catalog entries in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Point evaluates f on a single point.
func Point(f BatchFunc, x []float64) float64 {
	return f([][]float64{x})[0]
}

func batch(row func([]float64) float64) BatchFunc {
	return func(X [][]float64) []float64 {
		y := make([]float64, len(X))
		for i, x := range X {
			y[i] = row(x)
		}
		return y
	}
}

// alpine: sum |x_i sin(x_i) + 0.1 x_i|
func alpine(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += math.Abs(v*math.Sin(v) + 0.1*v)
	}
	return sum
}

// simple: sin(0.1 x_0)^2 + 0.1 sum_{i>=1} x_i^2
func simple(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := math.Sin(0.1 * x[0])
	var tail float64
	for _, v := range x[1:] {
		tail += v * v
	}
	return s*s + 0.1*tail
}

// tensor: (x_0-2)^2 + (x_1-3)^2 + sum_{i>=2} x_i^4
func tensor(x []float64) float64 {
	var sum float64
	for i, v := range x {
		switch i {
		case 0:
			sum += (v - 2) * (v - 2)
		case 1:
			sum += (v - 3) * (v - 3)
		default:
			sq := v * v
			sum += sq * sq
		}
	}
	return sum
}

func rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i+1 < len(x); i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

func rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func styblinskiTang(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sq := v * v
		sum += sq*sq - 16*sq + 5*v
	}
	return 0.5 * sum
}
