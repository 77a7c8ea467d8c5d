package fit

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/opt"
	"github.com/strao1986/mixer/internal/params"
)

// Runner executes one optimization stage against the engine. The engine's
// fidelity is whatever the caller has set; Runner does not change it
// except briefly to compute CostFast.
type Runner struct {
	Engine engine.Engine
	Global opt.Optimizer
	Local  opt.Refiner
}

// NewRunner wires a runner with the given optimizers.
func NewRunner(e engine.Engine, global opt.Optimizer, local opt.Refiner) *Runner {
	return &Runner{Engine: e, Global: global, Local: local}
}

// objective builds the cost function over the unconstrained vector space
// of pz. The first engine error is kept in *failed and every later call
// returns InvalidCost.
func (r *Runner) objective(pz *params.Parametrization, failed *error) opt.Objective {
	return func(x []float64) float64 {
		if *failed != nil {
			return engine.InvalidCost
		}
		p, err := pz.VecToParams(x)
		if err != nil {
			*failed = err
			return engine.InvalidCost
		}
		c, err := r.Engine.Cost(p)
		if err != nil {
			*failed = err
			return engine.InvalidCost
		}
		return c
	}
}

// RunGlobal runs the global search inside the box [lower, upper].
func (r *Runner) RunGlobal(ctx context.Context, stage string, pz *params.Parametrization, lower, upper []float64) (*OptimizeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(lower) != pz.Dim() {
		return nil, &params.ShapeError{Field: "bounds", Want: pz.Dim(), Got: len(lower), Reason: "global search box"}
	}
	var failed error
	raw, err := r.Global.Run(r.objective(pz, &failed), lower, upper)
	if failed != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, failed)
	}
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	return r.decorate(stage, pz, raw)
}

// RunLocal refines x0 with the local method.
func (r *Runner) RunLocal(ctx context.Context, stage string, pz *params.Parametrization, x0 []float64) (*OptimizeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(x0) != pz.Dim() {
		return nil, &params.ShapeError{Field: "x0", Want: pz.Dim(), Got: len(x0), Reason: "local starting point"}
	}
	var failed error
	raw, err := r.Local.Refine(r.objective(pz, &failed), x0)
	if failed != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, failed)
	}
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	return r.decorate(stage, pz, raw)
}

// StatusInvalidCost marks a stage whose best point lies outside the
// valid parameter region.
const StatusInvalidCost = "InvalidCost"

// decorate adds the model-comparison statistics to a raw optimizer result.
func (r *Runner) decorate(stage string, pz *params.Parametrization, raw *opt.Result) (*OptimizeResult, error) {
	p, err := pz.VecToParams(raw.X)
	if err != nil {
		return nil, err
	}
	rec, err := p.ToRecord()
	if err != nil {
		return nil, err
	}

	var n float64
	for _, w := range r.Engine.Weights() {
		n += w
	}
	df := pz.Dim()
	aic, bic := informationCriteria(raw.F, n, df)

	res := &OptimizeResult{
		Stage:       stage,
		X:           codec.Floats(slices.Clone(raw.X)),
		Cost:        codec.Float(raw.F),
		Iterations:  raw.Iterations,
		Evaluations: raw.Evaluations,
		Converged:   raw.Converged,
		Status:      raw.Status,
		CostN:       codec.Float(n),
		CostDF:      df,
		AIC:         codec.Float(aic),
		BIC:         codec.Float(bic),
		Params:      rec,
	}
	switch {
	case raw.F >= engine.InvalidCost || math.IsNaN(raw.F):
		res.Converged = false
		res.Status = StatusInvalidCost
		res.Message = "no valid parameter point found"
	case !raw.Converged:
		res.Message = fmt.Sprintf("stopped without convergence: %s", raw.Status)
	}

	var fast float64
	err = engine.With(r.Engine, []engine.Setting{engine.UseFidelity(engine.Gaussian)}, func() error {
		var cerr error
		fast, cerr = r.Engine.Cost(p)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: fast cost: %w", stage, err)
	}
	cf := codec.Float(fast)
	res.CostFast = &cf
	return res, nil
}
