package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/store"
)

func simulated(t *testing.T) *engine.Memory {
	t.Helper()
	cfg := engine.DefaultSimulateConfig()
	cfg.SNPs = 1500
	cfg.Annotations = 1
	cfg.Enrichment = []float64{3}
	cfg.Seed = 11
	ds, err := engine.Simulate(cfg)
	require.NoError(t, err)
	m, err := engine.NewMemory(ds, nil)
	require.NoError(t, err)
	return m
}

// fastConfig keeps the searches short enough for unit tests.
func fastConfig(models ...int) Config {
	cfg := DefaultConfig()
	cfg.Models = models
	cfg.Global = GlobalConfig{PopSize: 20, Iterations: 5, MaxEpochs: 1, MaxEvaluations: 400, Tol: 0.01}
	cfg.Local.MaxIterations = 30
	return cfg
}

type recordingProgress struct {
	mu       sync.Mutex
	runID    string
	models   []int
	started  []int
	finished []int
	failed   []int
}

func (p *recordingProgress) RunStarted(runID string, models []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID, p.models = runID, models
}

func (p *recordingProgress) ModelStarted(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, id)
}

func (p *recordingProgress) ModelFinished(id int, _ float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed = append(p.failed, id)
		return
	}
	p.finished = append(p.finished, id)
}

type stageCounter struct {
	mu     sync.Mutex
	stages map[int][]string
}

func (s *stageCounter) StageStarted(fit.StageEvent) {}

func (s *stageCounter) StageFinished(ev fit.StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages == nil {
		s.stages = map[int][]string{}
	}
	s.stages[ev.Model] = append(s.stages[ev.Model], ev.Stage)
}

func newStore(t *testing.T) *store.FSStore {
	t.Helper()
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestRun_ExpandsPrerequisitesAndFinalizes(t *testing.T) {
	eng := simulated(t)
	st := newStore(t)
	progress := &recordingProgress{}
	stages := &stageCounter{}

	res, err := Run(context.Background(), fastConfig(5), eng, eng.Dataset().Annotations(), Output{
		Store: st, Name: "trait", Progress: progress, Observer: stages,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 5}, res.Completed())
	assert.Equal(t, []int{1, 5}, progress.models)
	assert.Equal(t, []int{1, 5}, progress.finished)
	assert.Empty(t, progress.failed)
	assert.Equal(t, res.RunID, progress.runID)

	// Model 1 is infinitesimal: no exact stage. Model 5 has no bounds.
	assert.Equal(t, []string{fit.StageGlobalFast, fit.StageLocalFast}, stages.stages[1])
	assert.Empty(t, stages.stages[5])
	assert.Empty(t, res.Models[5].Optimize)

	final, err := st.LoadFinal("trait")
	require.NoError(t, err)
	require.NotNil(t, final.Options.TimeFinished)
	assert.Equal(t, res.RunID, final.RunID)
	assert.Equal(t, []string{"base", "annot1"}, final.Options.AnnoNames)
	assert.Equal(t, 1500, final.Options.NumSNP)
	assert.Equal(t, len(final.Weights), len(final.ZVec1))
	assert.Greater(t, float64(final.Options.TotalHet), 0.0)
	assert.Equal(t, 5.0e4, float64(final.Options.TraitNVal))
	assert.Contains(t, final.Options.Settings, "kmax")
}

func TestRun_MixtureModelRunsExactStage(t *testing.T) {
	eng := simulated(t)
	stages := &stageCounter{}

	res, err := Run(context.Background(), fastConfig(3), eng, eng.Dataset().Annotations(), Output{
		Store: newStore(t), Name: "trait", Observer: stages,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3}, res.Completed())
	want := []string{fit.StageGlobalFast, fit.StageLocalFast, fit.StageLocalExact}
	assert.Equal(t, want, stages.stages[3])
	assert.Equal(t, want, res.Models[3].Stages())
}

func TestRun_InfinitesimalModelHasUnitWeight(t *testing.T) {
	eng := simulated(t)

	res, err := Run(context.Background(), fastConfig(1), eng, nil, Output{Store: newStore(t), Name: "trait"})
	require.NoError(t, err)

	rec := res.Models[1].Params
	require.NotNil(t, rec)
	assert.Equal(t, []float64{1}, []float64(rec.Pi))
	assert.Len(t, rec.Sig2Beta, 1)
}

func TestRun_RestoresEngineOptions(t *testing.T) {
	eng := simulated(t)
	require.NoError(t, eng.SetOption(engine.OptCostCalculator, float64(engine.Sampling)))
	require.NoError(t, eng.SetOption(engine.OptKmax, 7))

	_, err := Run(context.Background(), fastConfig(1), eng, nil, Output{Store: newStore(t), Name: "trait"})
	require.NoError(t, err)

	f, err := engine.CurrentFidelity(eng)
	require.NoError(t, err)
	assert.Equal(t, engine.Sampling, f)
	kmax, err := eng.Option(engine.OptKmax)
	require.NoError(t, err)
	assert.Equal(t, 7.0, kmax)
}

func TestRun_ConfigurationErrors(t *testing.T) {
	eng := simulated(t)

	tests := []struct {
		name string
		cfg  Config
		out  Output
	}{
		{"unknown model", fastConfig(1, 42), Output{Store: newStore(t), Name: "trait"}},
		{"bad kmax", func() Config { c := fastConfig(1); c.Kmax = 0; return c }(), Output{Store: newStore(t), Name: "trait"}},
		{"no store", fastConfig(1), Output{Name: "trait"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), tt.cfg, eng, nil, tt.out)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, KindConfiguration, Kind(err))
			assert.Equal(t, 2, ExitCode(err))
		})
	}
}

func TestRun_CanceledFlushesCheckpoint(t *testing.T) {
	eng := simulated(t)
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	progress := &cancelAfterFirst{cancel: cancel}

	_, err := Run(ctx, fastConfig(50, 1), eng, nil, Output{Store: st, Name: "trait", Progress: progress})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCanceled, Kind(err))

	cp, err := st.LoadCheckpoint("trait")
	require.NoError(t, err)
	assert.Equal(t, []int{50}, cp.Completed())
	_, err = st.LoadFinal("trait")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// cancelAfterFirst cancels the run once the first model has finished.
type cancelAfterFirst struct {
	nopProgress
	cancel context.CancelFunc
}

func (c *cancelAfterFirst) ModelFinished(int, float64, error) { c.cancel() }

func TestRun_ResumeSkipsCompletedModels(t *testing.T) {
	eng := simulated(t)
	st := newStore(t)
	annot := eng.Dataset().Annotations()

	first, err := Run(context.Background(), fastConfig(1), eng, annot, Output{Store: st, Name: "trait"})
	require.NoError(t, err)
	// Leave only the checkpoint so the second run resumes from it.
	require.NoError(t, os.Remove(st.FinalPath("trait")))

	cfg := fastConfig(1, 5)
	cfg.Resume = true
	stages := &stageCounter{}
	second, err := Run(context.Background(), cfg, eng, annot, Output{Store: st, Name: "trait", Observer: stages})
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, []int{1, 5}, second.Completed())
	assert.Empty(t, stages.stages[1], "model 1 must not be refitted")
	assert.Equal(t, first.Models[1].Params.Sig2Zero, second.Models[1].Params.Sig2Zero)
}

func TestRun_ResumeRejectsOtherData(t *testing.T) {
	eng := simulated(t)
	st := newStore(t)

	_, err := Run(context.Background(), fastConfig(50), eng, nil, Output{Store: st, Name: "trait"})
	require.NoError(t, err)

	cfg := engine.DefaultSimulateConfig()
	cfg.SNPs = 800
	ds, err := engine.Simulate(cfg)
	require.NoError(t, err)
	other, err := engine.NewMemory(ds, nil)
	require.NoError(t, err)

	rc := fastConfig(50)
	rc.Resume = true
	_, err = Run(context.Background(), rc, other, nil, Output{Store: st, Name: "trait"})
	var cerr *store.CompatibilityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "num_snp", cerr.Field)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRun_WriteFailureIsIOError(t *testing.T) {
	eng := simulated(t)
	st := newStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(st.Dir(), "trait.json"), 0755))

	_, err := Run(context.Background(), fastConfig(50), eng, nil, Output{Store: st, Name: "trait"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrIO))
	assert.Equal(t, 4, ExitCode(err))
}
