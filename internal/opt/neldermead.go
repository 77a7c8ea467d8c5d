package opt

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/optimize"
)

// NelderMeadConfig configures the local simplex search.
type NelderMeadConfig struct {
	MaxIterations int
	// FuncTol stops the search when the best cost varies by less than
	// this over the last window of iterations.
	FuncTol float64
	// StepTol stops the search when the best point moves less than this
	// (max-norm) over the last window of iterations.
	StepTol float64
	// Adaptive scales the simplex coefficients with the dimension.
	Adaptive bool
}

// DefaultNelderMeadConfig returns the local-stage defaults.
func DefaultNelderMeadConfig() NelderMeadConfig {
	return NelderMeadConfig{
		MaxIterations: 480,
		FuncTol:       1e-7,
		StepTol:       1e-4,
		Adaptive:      true,
	}
}

// NelderMeadAdapter refines a point with gonum's Nelder-Mead method.
type NelderMeadAdapter struct {
	cfg NelderMeadConfig
}

// NewNelderMead creates a local refiner.
func NewNelderMead(cfg NelderMeadConfig) *NelderMeadAdapter {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	return &NelderMeadAdapter{cfg: cfg}
}

// Refine runs the simplex search from x0 and returns the best point seen.
// The result is never worse than x0.
func (n *NelderMeadAdapter) Refine(eval Objective, x0 []float64) (*Result, error) {
	dim := len(x0)
	if dim == 0 {
		return nil, fmt.Errorf("empty starting point")
	}

	evaluations := 0
	f := func(x []float64) float64 {
		evaluations++
		return eval(x)
	}

	f0 := f(x0)
	vertices := initialSimplex(x0)
	values := make([]float64, len(vertices))
	values[0] = f0
	for i := 1; i < len(vertices); i++ {
		values[i] = f(vertices[i])
	}

	method := &optimize.NelderMead{
		InitialVertices: vertices,
		InitialValues:   values,
	}
	if n.cfg.Adaptive && dim >= 2 {
		d := float64(dim)
		method.Reflection = 1
		method.Expansion = 1 + 2/d
		method.Contraction = 0.75 - 1/(2*d)
		method.Shrink = 1 - 1/d
	}
	settings := &optimize.Settings{
		MajorIterations: n.cfg.MaxIterations,
		Converger:       &simplexConverger{funcTol: n.cfg.FuncTol, stepTol: n.cfg.StepTol},
	}

	result, err := optimize.Minimize(optimize.Problem{Func: f}, x0, settings, method)
	if result == nil {
		return nil, fmt.Errorf("nelder-mead: %w", err)
	}

	res := &Result{
		X:           slices.Clone(result.Location.X),
		F:           result.Location.F,
		Iterations:  result.Stats.MajorIterations,
		Evaluations: evaluations,
		Status:      result.Status.String(),
	}
	switch result.Status {
	case optimize.FunctionConvergence, optimize.StepConvergence, optimize.Success, optimize.MethodConverge:
		res.Converged = true
	}
	if !(res.F <= f0) {
		res.X, res.F = slices.Clone(x0), f0
	}
	return res, nil
}

// initialSimplex perturbs each coordinate of x0 by 5%, or by 0.00025
// where it is zero.
func initialSimplex(x0 []float64) [][]float64 {
	vertices := make([][]float64, len(x0)+1)
	vertices[0] = slices.Clone(x0)
	for i := range x0 {
		v := slices.Clone(x0)
		if v[i] != 0 {
			v[i] *= 1.05
		} else {
			v[i] = 0.00025
		}
		vertices[i+1] = v
	}
	return vertices
}

// simplexConverger reports convergence when, over the last 4(dim+1)
// major iterations, the best cost spread falls below funcTol or the best
// point spread falls below stepTol.
type simplexConverger struct {
	funcTol float64
	stepTol float64
	window  int
	xs      [][]float64
	fs      []float64
}

func (c *simplexConverger) Init(dim int) {
	c.window = 4 * (dim + 1)
	c.xs = c.xs[:0]
	c.fs = c.fs[:0]
}

func (c *simplexConverger) Converged(loc *optimize.Location) optimize.Status {
	c.xs = append(c.xs, slices.Clone(loc.X))
	c.fs = append(c.fs, loc.F)
	if len(c.fs) > c.window {
		c.xs = c.xs[1:]
		c.fs = c.fs[1:]
	}
	if len(c.fs) < c.window {
		return optimize.NotTerminated
	}

	fmin, fmax := slices.Min(c.fs), slices.Max(c.fs)
	if fmax-fmin <= c.funcTol {
		return optimize.FunctionConvergence
	}
	var step float64
	last := c.xs[len(c.xs)-1]
	for _, x := range c.xs[:len(c.xs)-1] {
		for i := range x {
			step = math.Max(step, math.Abs(x[i]-last[i]))
		}
	}
	if step <= c.stepTol {
		return optimize.StepConvergence
	}
	return optimize.NotTerminated
}
