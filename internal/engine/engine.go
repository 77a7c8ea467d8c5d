// Package engine defines the port to the numerical cost engine and an
// in-process reference implementation of it.
//
// The engine holds process-wide mutable state: the cost fidelity, the
// sampling budget and the per-SNP analysis weights. Callers that change
// any of it temporarily go through Acquire, With or WithWeights so the
// previous state is restored on every exit path.
package engine

import (
	"errors"
	"fmt"

	"github.com/strao1986/mixer/internal/params"
)

// Fidelity selects how the engine evaluates the mixture cost.
type Fidelity int

const (
	// Sampling draws causal configurations at random, kmax times per tag.
	Sampling Fidelity = 0
	// Gaussian is the closed-form approximation.
	Gaussian Fidelity = 1
	// Convolve integrates over causal counts numerically.
	Convolve Fidelity = 2
)

func (f Fidelity) String() string {
	switch f {
	case Sampling:
		return "sampling"
	case Gaussian:
		return "gaussian"
	case Convolve:
		return "convolve"
	}
	return fmt.Sprintf("fidelity(%d)", int(f))
}

// Valid reports whether f names a known fidelity.
func (f Fidelity) Valid() bool { return f >= Sampling && f <= Convolve }

// Option names understood by SetOption.
const (
	OptCostCalculator        = "cost_calculator"
	OptKmax                  = "kmax"
	OptSeed                  = "seed"
	OptThreads               = "threads"
	OptR2Min                 = "r2min"
	OptCubatureRelError      = "cubature_rel_error"
	OptCubatureMaxEvals      = "cubature_max_evals"
	OptUseCompleteTagIndices = "use_complete_tag_indices"
	OptDiag                  = "diag"
)

// Engine is the cost evaluation port. Implementations are not safe for
// concurrent use by two fits.
type Engine interface {
	// Cost returns the weighted negative log-likelihood of the summary
	// statistics under p, evaluated with the current fidelity.
	Cost(p *params.ModelParams) (float64, error)
	// TagPDF returns the likelihood of each tag's z-score under p.
	TagPDF(p *params.ModelParams) ([]float64, error)
	// TagPDFErr returns an upper bound on each TagPDF value's numeric error.
	TagPDFErr(p *params.ModelParams) ([]float64, error)
	// PDF returns the weight-averaged predictive density on zgrid.
	PDF(p *params.ModelParams, zgrid []float64) ([]float64, error)

	SetOption(name string, value float64) error
	Option(name string) (float64, error)

	// SetWeights replaces the per-tag analysis weights.
	SetWeights(w []float64) error

	MAF() []float64
	TLD() []float64
	Weights() []float64
	Z() []float64
	N() []float64
	NumSNP() int
	NumTag() int

	LogMessage(msg string)
}

// ErrEngineState matches any StateError via errors.Is.
var ErrEngineState = &StateError{}

// ErrConcurrentUse is wrapped by StateError when a second caller enters
// the engine while an evaluation is in flight.
var ErrConcurrentUse = errors.New("engine is already in use")

// StateError reports an operation the engine rejected. The engine state
// may be inconsistent afterwards.
type StateError struct {
	Op     string
	Option string
	Err    error
}

func (e *StateError) Error() string {
	msg := "engine rejected " + e.Op
	if e.Option != "" {
		msg += " " + e.Option
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error { return e.Err }

func (e *StateError) Is(target error) bool {
	_, ok := target.(*StateError)
	return ok
}

// CurrentFidelity reads the cost_calculator option.
func CurrentFidelity(e Engine) (Fidelity, error) {
	v, err := e.Option(OptCostCalculator)
	if err != nil {
		return 0, err
	}
	return Fidelity(int(v)), nil
}

// SNPInfo returns the per-SNP vectors of e for the variance model.
func SNPInfo(e Engine) params.SNPInfo {
	return params.SNPInfo{MAF: e.MAF(), TLD: e.TLD()}
}
