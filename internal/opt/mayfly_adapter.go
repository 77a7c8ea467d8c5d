package opt

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/cwbudde/mayfly"
)

// minPopSize is the smallest population mayfly v0.1.0 accepts.
const minPopSize = 20

// MayflyConfig configures the global search.
type MayflyConfig struct {
	PopSize    int
	Iterations int // generations per epoch
	MaxEpochs  int
	// MaxEvaluations caps objective calls across all epochs (0 = no cap).
	MaxEvaluations int
	Seed           int64
	Convergence    ConvergenceConfig
}

// DefaultMayflyConfig returns the global-stage defaults.
func DefaultMayflyConfig() MayflyConfig {
	return MayflyConfig{
		PopSize:        minPopSize,
		Iterations:     50,
		MaxEpochs:      8,
		MaxEvaluations: 20000,
		Seed:           123,
		Convergence:    DefaultConvergenceConfig(),
	}
}

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface.
//
// The library only takes scalar bounds, so the search runs on the unit
// cube and each candidate is mapped onto the per-dimension box before it
// is evaluated. The search restarts in epochs that share one seeded
// random source; it stops when an epoch no longer improves the best cost
// by the convergence threshold, or when the evaluation budget is spent.
type MayflyAdapter struct {
	cfg MayflyConfig
}

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(cfg MayflyConfig) *MayflyAdapter {
	if cfg.PopSize < minPopSize {
		cfg.PopSize = minPopSize
	}
	if cfg.MaxEpochs < 1 {
		cfg.MaxEpochs = 1
	}
	if cfg.Iterations < 1 {
		cfg.Iterations = 1
	}
	return &MayflyAdapter{cfg: cfg}
}

// Run executes the Mayfly optimization using the external library
func (m *MayflyAdapter) Run(eval Objective, lower, upper []float64) (*Result, error) {
	if err := checkBox(lower, upper); err != nil {
		return nil, err
	}
	dim := len(lower)

	var (
		mu          sync.Mutex
		evaluations int
		bestX       []float64
		bestF       = math.Inf(1)
	)
	toBox := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range x {
			ui := math.Min(1, math.Max(0, u[i]))
			x[i] = lower[i] + ui*(upper[i]-lower[i])
		}
		return x
	}
	exhausted := func() bool {
		return m.cfg.MaxEvaluations > 0 && evaluations >= m.cfg.MaxEvaluations
	}
	// The cost engine is stateful, so evaluations are serialized even if
	// the library ever evaluates its population concurrently.
	objective := func(u []float64) float64 {
		mu.Lock()
		defer mu.Unlock()
		if exhausted() {
			return bestF
		}
		x := toBox(u)
		f := eval(x)
		evaluations++
		if f < bestF || bestX == nil {
			bestF, bestX = f, x
		}
		return f
	}

	rng := rand.New(rand.NewSource(m.cfg.Seed))
	tracker := NewConvergenceTracker(m.cfg.Convergence)
	res := &Result{Status: "MaxEpochs"}

	for epoch := 0; epoch < m.cfg.MaxEpochs; epoch++ {
		config := mayfly.NewDefaultConfig()
		config.ObjectiveFunc = objective
		config.ProblemSize = dim
		config.MaxIterations = m.cfg.Iterations
		config.NPop = m.cfg.PopSize
		config.LowerBound = 0
		config.UpperBound = 1
		config.Rand = rng

		if _, err := mayfly.Optimize(config); err != nil {
			return nil, fmt.Errorf("mayfly epoch %d: %w", epoch, err)
		}
		res.Iterations += m.cfg.Iterations

		slog.Debug("Global search epoch complete", "epoch", epoch, "best_cost", bestF, "evaluations", evaluations)

		if tracker.Observe(bestF) {
			res.Converged = true
			res.Status = "FunctionConvergence"
			break
		}
		if exhausted() {
			res.Status = "FunctionEvaluationLimit"
			break
		}
	}

	if bestX == nil {
		return nil, fmt.Errorf("mayfly evaluated no candidates")
	}
	res.X = slices.Clone(bestX)
	res.F = bestF
	res.Evaluations = evaluations
	return res, nil
}
