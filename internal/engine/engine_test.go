package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strao1986/mixer/internal/params"
)

func smallDataset() *Dataset {
	return &Dataset{
		MAF:     []float64{0.3, 0.1, 0.45, 0.2, 0.05},
		TLD:     []float64{10, 20, 5, 12, 8},
		TLD4:    []float64{10, 40, 5, 12, 8},
		Z:       []float64{0.5, -2.1, 3.4, math.NaN(), -0.7},
		N:       []float64{1000, 1000, 1000, 1000, 1000},
		Weights: []float64{1, 1, 0.5, 1, 0},
	}
}

func newEngine(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(smallDataset(), nil)
	require.NoError(t, err)
	return m
}

func infinitesimal() *params.ModelParams {
	return &params.ModelParams{
		Pi: params.Fixeds(1), Sig2Beta: params.Fixeds(1e-3), Sig2Zero: params.Fixed(1.1),
		Sig2Annot: params.Fixeds(1), S: params.Fixed(0), L: params.Fixed(0),
	}
}

func mixtureParams() *params.ModelParams {
	p := infinitesimal()
	p.Pi = params.Fixeds(0.05, 0.3)
	p.Sig2Beta = params.Fixeds(2e-2, 1e-3)
	p.S = params.Fixed(-0.25)
	p.L = params.Fixed(0.1)
	return p
}

func TestOptionValidation(t *testing.T) {
	m := newEngine(t)

	err := m.SetOption("no_such_option", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineState)

	assert.ErrorIs(t, m.SetOption(OptCostCalculator, 3), ErrEngineState)
	assert.ErrorIs(t, m.SetOption(OptCostCalculator, 1.5), ErrEngineState)
	assert.ErrorIs(t, m.SetOption(OptKmax, 0), ErrEngineState)
	assert.ErrorIs(t, m.SetOption(OptCubatureRelError, 0), ErrEngineState)

	require.NoError(t, m.SetOption(OptKmax, 500))
	v, err := m.Option(OptKmax)
	require.NoError(t, err)
	assert.Equal(t, 500.0, v)

	_, err = m.Option("bogus")
	assert.ErrorIs(t, err, ErrEngineState)

	f, err := CurrentFidelity(m)
	require.NoError(t, err)
	assert.Equal(t, Gaussian, f)
}

func TestFidelitiesAgreeForInfinitesimalModel(t *testing.T) {
	m := newEngine(t)
	p := infinitesimal()

	costs := map[Fidelity]float64{}
	for _, f := range []Fidelity{Sampling, Gaussian, Convolve} {
		require.NoError(t, With(m, []Setting{UseFidelity(f)}, func() error {
			c, err := m.Cost(p)
			costs[f] = c
			return err
		}))
	}
	assert.InDelta(t, costs[Gaussian], costs[Convolve], 1e-9)
	assert.InDelta(t, costs[Gaussian], costs[Sampling], 1e-9)
	assert.False(t, math.IsNaN(costs[Gaussian]))
}

func TestCostMatchesClosedForm(t *testing.T) {
	m := newEngine(t)
	p := infinitesimal()
	ds := m.Dataset()

	var want float64
	for i := range ds.MAF {
		if !Usable(ds.Z[i], ds.N[i], ds.Weights[i]) {
			continue
		}
		het := 2 * ds.MAF[i] * (1 - ds.MAF[i])
		variance := 1.1 + 1000*1e-3*ds.TLD[i]*het
		want += -math.Log(normPDF(ds.Z[i], variance)) * ds.Weights[i]
	}

	got, err := m.Cost(p)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)
}

func TestZeroScaleSNPHasNoCausalVariance(t *testing.T) {
	m := newEngine(t)
	ds := m.Dataset()
	annot := &params.Annotations{Names: []string{"base"}, Matrix: [][]float64{{0}, {1}, {1}, {1}, {1}}}

	for _, f := range []Fidelity{Gaussian, Sampling, Convolve} {
		require.NoError(t, m.SetOption(OptCostCalculator, float64(f)))

		low, high := infinitesimal(), infinitesimal()
		low.Annot, high.Annot = annot, annot
		high.Sig2Beta = params.Fixeds(5e-3)

		a, err := m.Cost(low)
		require.NoError(t, err)
		b, err := m.Cost(high)
		require.NoError(t, err)
		assert.Less(t, a, InvalidCost, "fidelity %v", f)
		assert.NotEqual(t, a, b, "fidelity %v", f)

		pdf, err := m.TagPDF(low)
		require.NoError(t, err)
		assert.InDelta(t, normPDF(ds.Z[0], 1.1), pdf[0], 1e-12, "fidelity %v", f)

		grid, err := m.PDF(low, []float64{0, 1})
		require.NoError(t, err)
		assert.Greater(t, grid[0], grid[1])
	}
}

func TestNonFiniteSampleSizeSkipsTag(t *testing.T) {
	ds := smallDataset()
	ds.N[1] = math.NaN()
	m, err := NewMemory(ds, nil)
	require.NoError(t, err)

	full := newEngine(t)
	for _, f := range []Fidelity{Gaussian, Sampling, Convolve} {
		require.NoError(t, m.SetOption(OptCostCalculator, float64(f)))
		require.NoError(t, full.SetOption(OptCostCalculator, float64(f)))

		c, err := m.Cost(mixtureParams())
		require.NoError(t, err)
		assert.False(t, math.IsNaN(c), "fidelity %v", f)
		assert.Less(t, c, InvalidCost, "fidelity %v", f)

		// Dropping tag 1 by weight gives the same cost.
		require.NoError(t, full.SetWeights([]float64{1, 0, 0.5, 1, 0}))
		want, err := full.Cost(mixtureParams())
		require.NoError(t, err)
		assert.InDelta(t, want, c, 1e-9, "fidelity %v", f)
		require.NoError(t, full.SetWeights(smallDataset().Weights))

		pdf, err := m.TagPDF(mixtureParams())
		require.NoError(t, err)
		assert.True(t, math.IsNaN(pdf[1]))
		assert.Greater(t, pdf[0], 0.0)

		grid, err := m.PDF(mixtureParams(), []float64{0, 2})
		require.NoError(t, err)
		for _, v := range grid {
			assert.False(t, math.IsNaN(v))
			assert.Greater(t, v, 0.0)
		}
	}
}

func TestCostIsDeterministic(t *testing.T) {
	m := newEngine(t)
	require.NoError(t, m.SetOption(OptThreads, 2))
	require.NoError(t, m.SetOption(OptCostCalculator, float64(Sampling)))
	require.NoError(t, m.SetOption(OptSeed, 42))

	a, err := m.Cost(mixtureParams())
	require.NoError(t, err)
	b, err := m.Cost(mixtureParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCostInvalidParams(t *testing.T) {
	m := newEngine(t)

	p := mixtureParams()
	p.Pi[0] = params.Fixed(1.5)
	c, err := m.Cost(p)
	require.NoError(t, err)
	assert.Equal(t, InvalidCost, c)

	p = infinitesimal()
	p.Sig2Zero = params.Fixed(-1)
	c, err = m.Cost(p)
	require.NoError(t, err)
	assert.Equal(t, InvalidCost, c)

	_, err = m.Cost(&params.ModelParams{Pi: params.Frees(1)})
	assert.ErrorIs(t, err, ErrEngineState)

	p = infinitesimal()
	p.Annot = &params.Annotations{Names: []string{"a"}, Matrix: [][]float64{{1}}}
	_, err = m.Cost(p)
	assert.ErrorIs(t, err, ErrEngineState)
}

func TestConcurrentUseRejected(t *testing.T) {
	m := newEngine(t)
	m.busy.Store(true)
	defer m.busy.Store(false)

	_, err := m.Cost(infinitesimal())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentUse)
	assert.ErrorIs(t, m.SetOption(OptKmax, 10), ErrEngineState)
}

func TestTagPDF(t *testing.T) {
	m := newEngine(t)
	require.NoError(t, m.SetOption(OptCostCalculator, float64(Convolve)))

	pdf, err := m.TagPDF(mixtureParams())
	require.NoError(t, err)
	require.Len(t, pdf, 5)
	assert.True(t, math.IsNaN(pdf[3]))
	for _, i := range []int{0, 1, 2, 4} {
		assert.Greater(t, pdf[i], 0.0)
	}

	errs, err := m.TagPDFErr(mixtureParams())
	require.NoError(t, err)
	for _, i := range []int{0, 1, 2, 4} {
		assert.GreaterOrEqual(t, errs[i], 0.0)
		assert.Less(t, errs[i], 1e-3)
	}
}

func TestPDFIntegratesToOne(t *testing.T) {
	m := newEngine(t)
	zgrid := make([]float64, 0, 4001)
	for z := -20.0; z <= 20.0; z += 0.01 {
		zgrid = append(zgrid, z)
	}

	pdf, err := m.PDF(mixtureParams(), zgrid)
	require.NoError(t, err)

	var total float64
	for _, v := range pdf {
		total += v * 0.01
	}
	assert.InDelta(t, 1.0, total, 1e-3)
}

func TestWithRestoresOnErrorAndPanic(t *testing.T) {
	m := newEngine(t)
	boom := errors.New("boom")

	err := With(m, []Setting{UseFidelity(Convolve), Set(OptKmax, 20000)}, func() error {
		f, _ := CurrentFidelity(m)
		assert.Equal(t, Convolve, f)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	f, _ := CurrentFidelity(m)
	assert.Equal(t, Gaussian, f)
	kmax, _ := m.Option(OptKmax)
	assert.Equal(t, 100.0, kmax)

	assert.Panics(t, func() {
		_ = With(m, []Setting{UseFidelity(Sampling)}, func() error { panic("stage failed") })
	})
	f, _ = CurrentFidelity(m)
	assert.Equal(t, Gaussian, f)
}

func TestAcquireRollsBackOnInvalidSetting(t *testing.T) {
	m := newEngine(t)

	_, err := Acquire(m, UseFidelity(Sampling), Set(OptKmax, -1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineState)

	f, _ := CurrentFidelity(m)
	assert.Equal(t, Gaussian, f)
}

func TestScopeReleaseIdempotent(t *testing.T) {
	m := newEngine(t)
	s, err := Acquire(m, Set(OptKmax, 7))
	require.NoError(t, err)
	require.NoError(t, s.Release())
	require.NoError(t, m.SetOption(OptKmax, 9))
	require.NoError(t, s.Release())

	kmax, _ := m.Option(OptKmax)
	assert.Equal(t, 9.0, kmax)
}

func TestWithWeightsRestores(t *testing.T) {
	m := newEngine(t)
	before := m.Weights()

	err := WithWeights(m, []float64{0, 0, 1, 0, 0}, func() error {
		assert.Equal(t, []float64{0, 0, 1, 0, 0}, m.Weights())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, m.Weights())

	assert.ErrorIs(t, m.SetWeights([]float64{1}), ErrEngineState)
}

func TestBinomialTermsMass(t *testing.T) {
	counts, probs, mass := binomialTerms(50, 0.2, 1e-8, 1000)
	assert.InDelta(t, 1.0, mass, 1e-8)
	assert.Equal(t, len(counts), len(probs))
	assert.Equal(t, 10, counts[0])

	_, _, mass = binomialTerms(50, 0.2, 1e-8, 3)
	assert.Less(t, mass, 1.0)

	counts, _, mass = binomialTerms(7, 1, 1e-8, 10)
	assert.Equal(t, []int{7}, counts)
	assert.Equal(t, 1.0, mass)
}

func TestBinomialSamplerMean(t *testing.T) {
	src := rand.NewPCG(3, 0)
	for _, p := range []float64{0.05, 0.2, 0.8} {
		draw := causalSampler(50, p, src)
		var sum float64
		const draws = 20000
		for i := 0; i < draws; i++ {
			sum += float64(draw())
		}
		assert.InDelta(t, 50*p, sum/draws, 0.15, "p=%v", p)
	}
	assert.Equal(t, 0, causalSampler(50, 0, src)())
	assert.Equal(t, 50, causalSampler(50, 1, src)())
}

func TestDatasetLoadAndDefaults(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "ds.json")
	require.NoError(t, smallDataset().Save(jsonPath))
	ds, err := LoadDataset(jsonPath)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(ds.Z[3]))
	assert.Equal(t, []string{"base"}, ds.AnnotNames)
	assert.Equal(t, 5, ds.Annotations().NumRows())

	yamlPath := filepath.Join(dir, "ds.yaml")
	yamlDoc := `maf: [0.2, 0.3]
tld: [4, 6]
tld4: [4, 6]
z: [1.5, .nan]
n: [100, 100]
weights: [1, 1]
annonames: [base, coding]
annot: [[1, 0], [1, 1]]
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlDoc), 0644))
	ds, err = LoadDataset(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "coding"}, ds.AnnotNames)
	assert.True(t, math.IsNaN(ds.Z[1]))

	bad := smallDataset()
	bad.TLD4[0] = 1000
	assert.Error(t, bad.Validate())
}

func TestSimulate(t *testing.T) {
	cfg := DefaultSimulateConfig()
	cfg.SNPs = 300
	a, err := Simulate(cfg)
	require.NoError(t, err)
	b, err := Simulate(cfg)
	require.NoError(t, err)

	require.NoError(t, a.Validate())
	assert.Len(t, a.Z, 300)
	assert.Equal(t, []string{"base", "annot1", "annot2"}, a.AnnotNames)
	assert.Equal(t, []float64(a.Z), []float64(b.Z))

	cfg.Enrichment = []float64{1}
	_, err = Simulate(cfg)
	assert.Error(t, err)
}
