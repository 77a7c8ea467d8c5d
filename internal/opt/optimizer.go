package opt

import "fmt"

// Objective is a function to minimize.
type Objective func(x []float64) float64

// Result is the raw outcome of one optimizer run.
type Result struct {
	X           []float64
	F           float64
	Iterations  int
	Evaluations int
	Converged   bool
	Status      string
}

// Optimizer defines a bounded global search
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper]
	Run(eval Objective, lower, upper []float64) (*Result, error)
}

// Refiner defines an unbounded local search from a starting point
type Refiner interface {
	// Refine minimizes eval starting at x0
	Refine(eval Objective, x0 []float64) (*Result, error)
}

func checkBox(lower, upper []float64) error {
	if len(lower) == 0 {
		return fmt.Errorf("empty search space")
	}
	if len(lower) != len(upper) {
		return fmt.Errorf("bounds have different lengths: %d and %d", len(lower), len(upper))
	}
	for i := range lower {
		if !(lower[i] < upper[i]) {
			return fmt.Errorf("dimension %d: lower bound %v is not below upper bound %v", i, lower[i], upper[i])
		}
	}
	return nil
}
