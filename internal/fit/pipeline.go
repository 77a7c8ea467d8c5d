package fit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/params"
)

// Spec describes one model to fit: the constraint fixes some entries, and
// the bounds give the box for the global search.
//
// When Lower and Upper are both nil the constraint must be fully
// specified and is used as the result without optimization.
type Spec struct {
	ID         int
	Name       string
	Lower      *params.ModelParams
	Upper      *params.ModelParams
	Constraint *params.ModelParams
}

// Pipeline fits models through the staged search:
//
//  1. global search under the Gaussian fidelity
//  2. local refinement under the Gaussian fidelity
//  3. local refinement under the Convolve fidelity, skipped for
//     infinitesimal models where both fidelities agree
//
// Each stage starts from the previous stage's best point.
type Pipeline struct {
	Runner      *Runner
	Annot       *params.Annotations
	Diagnostics DiagnosticsConfig
	Observer    Observer
	Logger      *slog.Logger
}

// NewPipeline creates a pipeline. full is the complete annotation table
// used for enrichment reporting; nil means a single all-ones column.
func NewPipeline(r *Runner, full *params.Annotations, diag DiagnosticsConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Runner: r, Annot: full, Diagnostics: diag, Observer: nopObserver{}, Logger: logger}
}

func (pl *Pipeline) observer() Observer {
	if pl.Observer == nil {
		return nopObserver{}
	}
	return pl.Observer
}

// Fit runs the stages for spec and returns the model result along with
// the final parameters.
func (pl *Pipeline) Fit(ctx context.Context, spec Spec) (*ModelResult, *params.ModelParams, error) {
	e := pl.Runner.Engine
	log := pl.Logger.With("model", spec.ID)

	pz, err := params.NewParametrization(spec.Constraint)
	if err != nil {
		return nil, nil, fmt.Errorf("model %d: %w", spec.ID, err)
	}

	res := &ModelResult{}
	var final *params.ModelParams

	if spec.Lower == nil && spec.Upper == nil {
		if !pz.Constraint().IsPoint() {
			return nil, nil, &params.ShapeError{Field: "bounds",
				Reason: fmt.Sprintf("model %d has free entries but no bounds", spec.ID)}
		}
		final = pz.Constraint().Clone()
		log.Info("Model fully determined, no optimization")
	} else {
		final, err = pl.optimize(ctx, log, spec, pz, res)
		if err != nil {
			return nil, nil, err
		}
	}

	rec, err := final.ToRecord()
	if err != nil {
		return nil, nil, err
	}
	res.Params = rec

	full := pl.Annot
	if full == nil {
		full = baseAnnotations(e.NumSNP())
	}
	enrich, h2, err := params.Enrichment(final, full, engine.SNPInfo(e))
	if err != nil {
		return nil, nil, fmt.Errorf("model %d: enrichment: %w", spec.ID, err)
	}
	res.AnnotEnrich, res.AnnotH2 = enrich, h2

	if pl.Diagnostics.Cost {
		start := time.Now()
		if err := costDiagnostics(e, final, pl.Diagnostics, res); err != nil {
			return nil, nil, fmt.Errorf("model %d: %w", spec.ID, err)
		}
		log.Info("Cost diagnostics complete", "duration", time.Since(start))
	}
	if pl.Diagnostics.QQ {
		start := time.Now()
		if err := qqDiagnostics(e, final, pl.Diagnostics, res); err != nil {
			return nil, nil, fmt.Errorf("model %d: %w", spec.ID, err)
		}
		log.Info("QQ diagnostics complete", "duration", time.Since(start))
	}

	return res, final, nil
}

func (pl *Pipeline) optimize(ctx context.Context, log *slog.Logger, spec Spec, pz *params.Parametrization, res *ModelResult) (*params.ModelParams, error) {
	e := pl.Runner.Engine
	lower, upper := spec.Lower, spec.Upper
	if lower == nil || upper == nil {
		return nil, &params.ShapeError{Field: "bounds", Reason: "lower and upper must both be given"}
	}
	lo, hi, err := pz.BoundsToVec(lower, upper)
	if err != nil {
		return nil, fmt.Errorf("model %d: %w", spec.ID, err)
	}
	log.Info("Starting fit", "name", spec.Name, "dim", pz.Dim(), "labels", pz.Labels())

	var last *OptimizeResult
	fast := []engine.Setting{engine.UseFidelity(engine.Gaussian)}
	err = engine.With(e, fast, func() error {
		g, err := pl.stage(spec.ID, StageGlobalFast, log, func() (*OptimizeResult, error) {
			return pl.Runner.RunGlobal(ctx, StageGlobalFast, pz, lo, hi)
		})
		if err != nil {
			return err
		}
		res.Optimize = append(res.Optimize, *g)

		l, err := pl.stage(spec.ID, StageLocalFast, log, func() (*OptimizeResult, error) {
			return pl.Runner.RunLocal(ctx, StageLocalFast, pz, g.X)
		})
		if err != nil {
			return err
		}
		res.Optimize = append(res.Optimize, *l)
		last = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("model %d: %w", spec.ID, err)
	}

	approx, err := pz.VecToParams(last.X)
	if err != nil {
		return nil, err
	}
	if approx.IsInfinitesimal() {
		e.LogMessage("Gaussian cost function is correct for infinitesimal models, skip fit with full cost function")
		log.Info("Skipping exact refinement for infinitesimal model")
		return approx, nil
	}

	exact := []engine.Setting{engine.UseFidelity(engine.Convolve)}
	err = engine.With(e, exact, func() error {
		x, err := pl.stage(spec.ID, StageLocalExact, log, func() (*OptimizeResult, error) {
			return pl.Runner.RunLocal(ctx, StageLocalExact, pz, last.X)
		})
		if err != nil {
			return err
		}
		res.Optimize = append(res.Optimize, *x)
		last = x
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("model %d: %w", spec.ID, err)
	}
	return pz.VecToParams(last.X)
}

// stage times one stage and reports it to the observer and metrics.
func (pl *Pipeline) stage(model int, name string, log *slog.Logger, run func() (*OptimizeResult, error)) (*OptimizeResult, error) {
	start := time.Now()
	pl.observer().StageStarted(StageEvent{Model: model, Stage: name, Time: start})

	r, err := run()
	elapsed := time.Since(start)
	if err != nil {
		log.Error("Stage failed", "stage", name, "error", err)
		return nil, err
	}

	stageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	stagesTotal.WithLabelValues(name, fmt.Sprint(r.Converged)).Inc()
	log.Info("Stage complete",
		"stage", name,
		"cost", float64(r.Cost),
		"nfev", r.Evaluations,
		"converged", r.Converged,
		"duration", elapsed)
	pl.observer().StageFinished(StageEvent{
		Model:       model,
		Stage:       name,
		Cost:        float64(r.Cost),
		Evaluations: r.Evaluations,
		Converged:   r.Converged,
		Duration:    elapsed,
		Time:        time.Now(),
	})
	return r, nil
}

func baseAnnotations(n int) *params.Annotations {
	m := make([][]float64, n)
	for i := range m {
		m[i] = []float64{1}
	}
	return &params.Annotations{Matrix: m, Names: []string{"base"}}
}
