// Package run drives a complete fit: it resolves the model selection,
// fits each model in dependency order and checkpoints the results after
// every model.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/strao1986/mixer/internal/catalog"
	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/opt"
	"github.com/strao1986/mixer/internal/params"
	"github.com/strao1986/mixer/internal/store"
)

// Progress receives model-level progress. Implementations must not block.
type Progress interface {
	RunStarted(runID string, models []int)
	ModelStarted(id int)
	ModelFinished(id int, cost float64, err error)
}

// Output says where results go and who hears about progress.
type Output struct {
	Store store.Store
	// Name is the run name; documents are <name>.tmp.json and <name>.json.
	Name     string
	Observer fit.Observer
	Progress Progress
	Logger   *slog.Logger
	// Catalog defaults to catalog.Default().
	Catalog *catalog.Catalog
}

// Run fits the configured models against eng and writes the results.
// annot is the full annotation table; nil means a single base column.
//
// Models run strictly one after another. On failure the checkpoint is
// flushed with every model finished so far and the flush error, if any,
// is joined to the returned error.
func Run(ctx context.Context, cfg Config, eng engine.Engine, annot *params.Annotations, out Output) (_ *store.Results, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out.Store == nil || out.Name == "" {
		return nil, &ConfigurationError{Field: "output", Reason: "needs a store and a run name"}
	}
	log := out.Logger
	if log == nil {
		log = slog.Default()
	}
	cat := out.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	if annot == nil {
		annot = baseTable(eng.NumSNP())
	}

	order, err := cat.Order(cfg.Models)
	if err != nil {
		return nil, &ConfigurationError{Field: "models", Reason: fmt.Sprint(cfg.Models), Err: err}
	}

	scope, err := engine.Acquire(eng, cfg.engineSettings()...)
	if err != nil {
		return nil, fmt.Errorf("apply engine options: %w", err)
	}
	defer func() {
		if rerr := scope.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore engine options: %w", rerr))
		}
	}()

	eng.LogMessage(fmt.Sprintf("mixer fit: models %v, %d SNPs, %d tags, %d annotations",
		order, eng.NumSNP(), eng.NumTag(), annot.NumCols()))

	opts, err := metadata(cfg, eng, annot)
	if err != nil {
		return nil, err
	}
	results, fitted, err := initialResults(cfg, out, opts, annot, log)
	if err != nil {
		return nil, err
	}
	results.Weights, results.ZVec1 = positiveWeightTags(eng)

	acc := store.NewAccumulator(out.Store, out.Name, results)
	if err := acc.Flush(); err != nil {
		return nil, err
	}

	runner := fit.NewRunner(eng, opt.NewMayfly(cfg.mayfly()), opt.NewNelderMead(cfg.nelderMead()))
	pl := fit.NewPipeline(runner, annot, cfg.diagnostics(), log)
	if out.Observer != nil {
		pl.Observer = out.Observer
	}
	env := catalog.NewEnv(eng, annot)
	progress := out.Progress
	if progress == nil {
		progress = nopProgress{}
	}
	progress.RunStarted(results.RunID, order)

	fail := func(id int, err error) (*store.Results, error) {
		progress.ModelFinished(id, math.NaN(), err)
		modelsTotal.WithLabelValues("failed").Inc()
		if ferr := acc.Flush(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("flush checkpoint: %w", ferr))
		}
		return nil, err
	}

	log.Info("Run started", "run_id", results.RunID, "models", order, "resumed", len(fitted))
	for _, id := range order {
		if _, done := fitted[id]; done {
			log.Info("Model restored from checkpoint, skipping", "model", id)
			progress.ModelStarted(id)
			progress.ModelFinished(id, bestCost(results.Models[id]), nil)
			modelsTotal.WithLabelValues("restored").Inc()
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(id, err)
		}

		progress.ModelStarted(id)
		spec, err := cat.Build(id, env, fitted)
		if err != nil {
			return fail(id, err)
		}
		m, final, err := pl.Fit(ctx, spec)
		if err != nil {
			return fail(id, err)
		}
		if err := acc.Add(id, m); err != nil {
			return fail(id, err)
		}
		fitted[id] = final
		progress.ModelFinished(id, bestCost(m), nil)
		modelsTotal.WithLabelValues("completed").Inc()
	}

	if err := acc.Finalize(time.Now()); err != nil {
		return nil, err
	}
	log.Info("Run complete", "run_id", results.RunID, "models", len(order))
	return acc.Results(), nil
}

// metadata describes the data the run is fitted to.
func metadata(cfg Config, eng engine.Engine, annot *params.Annotations) (store.Options, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return store.Options{}, fmt.Errorf("record settings: %w", err)
	}
	var sumW float64
	for _, w := range eng.Weights() {
		sumW += w
	}
	return store.Options{
		Settings:    settings,
		TotalHet:    codec.Float(engine.SNPInfo(eng).TotalHet()),
		NumSNP:      eng.NumSNP(),
		NumTag:      eng.NumTag(),
		SumWeights:  codec.Float(sumW),
		TraitNVal:   codec.Float(medianN(eng.N())),
		AnnoNames:   slices.Clone(annot.Names),
		TimeStarted: time.Now(),
	}, nil
}

// initialResults starts a fresh document, or with cfg.Resume continues the
// checkpoint of a compatible earlier run. It also returns the fitted
// params of every restored model.
func initialResults(cfg Config, out Output, opts store.Options, annot *params.Annotations, log *slog.Logger) (*store.Results, map[int]*params.ModelParams, error) {
	fitted := map[int]*params.ModelParams{}
	if !cfg.Resume {
		return store.NewResults(uuid.NewString(), opts), fitted, nil
	}

	prev, err := out.Store.LoadCheckpoint(out.Name)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("No checkpoint to resume, starting fresh", "name", out.Name)
		return store.NewResults(uuid.NewString(), opts), fitted, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("resume: %w", err)
	}
	if err := prev.Validate(); err != nil {
		return nil, nil, &ConfigurationError{Field: "resume", Reason: "checkpoint is invalid", Err: err}
	}
	if err := prev.IsCompatible(opts); err != nil {
		return nil, nil, &ConfigurationError{Field: "resume", Reason: "checkpoint was fitted to other data", Err: err}
	}
	for id, m := range prev.Models {
		p, err := params.FromRecord(m.Params, annot)
		if err != nil {
			return nil, nil, fmt.Errorf("resume model %d: %w", id, err)
		}
		fitted[id] = p
	}

	opts.TimeStarted = prev.Options.TimeStarted
	prev.Options = opts
	log.Info("Resuming run", "run_id", prev.RunID, "completed", prev.Completed())
	return prev, fitted, nil
}

// positiveWeightTags returns the weights and z-scores of tags with
// positive weight.
func positiveWeightTags(eng engine.Engine) (w, z codec.Floats) {
	weights, zs := eng.Weights(), eng.Z()
	w, z = codec.Floats{}, codec.Floats{}
	for i, wi := range weights {
		if wi > 0 {
			w = append(w, wi)
			z = append(z, zs[i])
		}
	}
	return w, z
}

// medianN is the median of the finite sample sizes, NaN when none are.
func medianN(n []float64) float64 {
	vals := make([]float64, 0, len(n))
	for _, x := range n {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			vals = append(vals, x)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	slices.Sort(vals)
	return stat.Quantile(0.5, stat.LinInterp, vals, nil)
}

func bestCost(m *fit.ModelResult) float64 {
	if m == nil || len(m.Optimize) == 0 {
		return math.NaN()
	}
	return float64(m.Optimize[len(m.Optimize)-1].Cost)
}

func baseTable(n int) *params.Annotations {
	m := make([][]float64, n)
	for i := range m {
		m[i] = []float64{1}
	}
	return &params.Annotations{Matrix: m, Names: []string{"base"}}
}

type nopProgress struct{}

func (nopProgress) RunStarted(string, []int)          {}
func (nopProgress) ModelStarted(int)                  {}
func (nopProgress) ModelFinished(int, float64, error) {}
