package engine

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strao1986/mixer/internal/params"
)

// InvalidCost is returned by Cost for parameters outside the model domain,
// so optimizers move away from them instead of failing.
const InvalidCost = 1e100

// Memory is an in-process Engine over a Dataset. Per-tag work is spread
// over the configured number of threads.
type Memory struct {
	data    *Dataset
	logger  *slog.Logger
	mu      sync.Mutex
	opts    map[string]float64
	weights []float64
	busy    atomic.Bool
}

// NewMemory validates ds and returns an engine with default options and
// the Gaussian fidelity selected.
func NewMemory(ds *Dataset, logger *slog.Logger) (*Memory, error) {
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		data:   ds,
		logger: logger,
		opts: map[string]float64{
			OptCostCalculator:        float64(Gaussian),
			OptKmax:                  100,
			OptSeed:                  0,
			OptThreads:               0,
			OptR2Min:                 0,
			OptCubatureRelError:      1e-4,
			OptCubatureMaxEvals:      1000,
			OptUseCompleteTagIndices: 0,
			OptDiag:                  0,
		},
		weights: slices.Clone(ds.Weights),
	}, nil
}

// Dataset returns the backing dataset.
func (m *Memory) Dataset() *Dataset { return m.data }

func (m *Memory) enter(op string) error {
	if !m.busy.CompareAndSwap(false, true) {
		return &StateError{Op: op, Err: ErrConcurrentUse}
	}
	return nil
}

func (m *Memory) leave() { m.busy.Store(false) }

// SetOption validates and stores an option.
func (m *Memory) SetOption(name string, value float64) error {
	if err := m.enter("set_option"); err != nil {
		return err
	}
	defer m.leave()

	if err := validateOption(name, value); err != nil {
		return &StateError{Op: "set_option", Option: name, Err: err}
	}
	m.mu.Lock()
	m.opts[name] = value
	m.mu.Unlock()
	m.logger.Debug("engine option set", "option", name, "value", value)
	return nil
}

func validateOption(name string, v float64) error {
	isInt := v == math.Trunc(v) && !math.IsInf(v, 0)
	switch name {
	case OptCostCalculator:
		if !isInt || !Fidelity(int(v)).Valid() {
			return fmt.Errorf("unsupported cost calculator %v", v)
		}
	case OptKmax, OptCubatureMaxEvals:
		if !isInt || v < 1 {
			return fmt.Errorf("must be a positive integer, got %v", v)
		}
	case OptSeed:
		if !isInt {
			return fmt.Errorf("must be an integer, got %v", v)
		}
	case OptThreads:
		if !isInt || v < 0 {
			return fmt.Errorf("must be a non-negative integer, got %v", v)
		}
	case OptR2Min:
		if !(v >= 0 && v < 1) {
			return fmt.Errorf("must be in [0,1), got %v", v)
		}
	case OptCubatureRelError:
		if !(v > 0 && v < 1) {
			return fmt.Errorf("must be in (0,1), got %v", v)
		}
	case OptUseCompleteTagIndices, OptDiag:
		if v != 0 && v != 1 {
			return fmt.Errorf("must be 0 or 1, got %v", v)
		}
	default:
		return fmt.Errorf("unknown option")
	}
	return nil
}

// Option returns the current value of an option.
func (m *Memory) Option(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.opts[name]
	if !ok {
		return 0, &StateError{Op: "get_option", Option: name, Err: fmt.Errorf("unknown option")}
	}
	return v, nil
}

// SetWeights replaces the analysis weights.
func (m *Memory) SetWeights(w []float64) error {
	if err := m.enter("set_weights"); err != nil {
		return err
	}
	defer m.leave()

	if len(w) != m.NumTag() {
		return &StateError{Op: "set_weights", Err: fmt.Errorf("got %d weights, want %d", len(w), m.NumTag())}
	}
	for i, v := range w {
		if v < 0 || math.IsNaN(v) {
			return &StateError{Op: "set_weights", Err: fmt.Errorf("weight %d is %v", i, v)}
		}
	}
	m.mu.Lock()
	m.weights = slices.Clone(w)
	m.mu.Unlock()
	return nil
}

func (m *Memory) MAF() []float64 { return m.data.MAF }
func (m *Memory) TLD() []float64 { return m.data.TLD }
func (m *Memory) Z() []float64   { return m.data.Z }
func (m *Memory) N() []float64   { return m.data.N }
func (m *Memory) NumSNP() int    { return len(m.data.MAF) }
func (m *Memory) NumTag() int    { return len(m.data.MAF) }

// Weights returns a copy of the current analysis weights.
func (m *Memory) Weights() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.weights)
}

// LogMessage forwards msg to the structured log.
func (m *Memory) LogMessage(msg string) {
	m.logger.Info(msg, "source", "engine")
}

// snapshot captures options and weights for one evaluation.
func (m *Memory) snapshot() (mixtureOptions, []float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threads := int(m.opts[OptThreads])
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return mixtureOptions{
		fidelity: Fidelity(int(m.opts[OptCostCalculator])),
		kmax:     int(m.opts[OptKmax]),
		seed:     int64(m.opts[OptSeed]),
		relErr:   m.opts[OptCubatureRelError],
		maxEvals: int(m.opts[OptCubatureMaxEvals]),
	}, m.weights, threads
}

// inputs computes per-tag mixture inputs. It reports false when p lies
// outside the model domain.
func (m *Memory) inputs(p *params.ModelParams) ([]tagInput, bool, error) {
	if !p.IsPoint() {
		return nil, false, &StateError{Op: "evaluate", Err: fmt.Errorf("parameters are not fully specified")}
	}
	if p.Annot != nil && p.Annot.NumRows() != m.NumSNP() {
		return nil, false, &StateError{Op: "evaluate",
			Err: fmt.Errorf("annotation has %d rows, engine has %d SNPs", p.Annot.NumRows(), m.NumSNP())}
	}
	if !(p.Sig2Zero.X > 0) || math.IsInf(p.Sig2Zero.X, 0) {
		return nil, false, nil
	}
	for c := range p.Pi {
		if !(p.Pi[c].X > 0 && p.Pi[c].X <= 1) || !(p.Sig2Beta[c].X > 0) || math.IsInf(p.Sig2Beta[c].X, 0) {
			return nil, false, nil
		}
	}

	snp := SNPInfo(m)
	out := make([]tagInput, m.NumTag())
	for t := range out {
		// A SNP outside every kept annotation column has zero scale and
		// carries no causal variance.
		var w float64
		if het := snp.Het(t); het > 0 {
			w = het * p.SNPScale(snp, t)
		}
		if !(w >= 0) || math.IsInf(w, 0) {
			return nil, false, nil
		}
		tld, tld4 := m.data.TLD[t], m.data.TLD4[t]
		eff := math.Max(1, math.Round(tld*tld/tld4))
		r2 := tld * w
		out[t] = tagInput{index: t, r2: r2, chi: r2 / eff, m: int(eff), n: m.data.N[t]}
	}
	return out, true, nil
}

// parallel splits [0,n) into one chunk per thread and runs fn on each.
// It returns the number of chunks.
func parallel(n, threads int, fn func(chunk, lo, hi int)) int {
	if threads > n {
		threads = n
	}
	if threads < 1 {
		threads = 1
	}
	size := (n + threads - 1) / threads
	chunks := (n + size - 1) / size

	var g errgroup.Group
	g.SetLimit(threads)
	for c := 0; c < chunks; c++ {
		lo, hi := c*size, min(n, (c+1)*size)
		g.Go(func() error {
			fn(c, lo, hi)
			return nil
		})
	}
	_ = g.Wait()
	return chunks
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

// Usable reports whether a tag enters the likelihood. Missing z-scores
// and sample sizes are stored as NaN.
func Usable(z, n, w float64) bool {
	return w > 0 && finite(z) && n > 0 && finite(n)
}

// Cost returns Σ w_t · -log pdf_t over usable tags.
func (m *Memory) Cost(p *params.ModelParams) (float64, error) {
	if err := m.enter("calc_cost"); err != nil {
		return 0, err
	}
	defer m.leave()

	opts, weights, threads := m.snapshot()
	start := time.Now()
	defer func() {
		costEvaluations.WithLabelValues(opts.fidelity.String()).Inc()
		costDuration.WithLabelValues(opts.fidelity.String()).Observe(time.Since(start).Seconds())
	}()

	in, ok, err := m.inputs(p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return InvalidCost, nil
	}

	partial := make([]float64, threads)
	chunks := parallel(len(in), threads, func(chunk, lo, hi int) {
		var sum float64
		for t := lo; t < hi; t++ {
			z := m.data.Z[t]
			if !Usable(z, m.data.N[t], weights[t]) {
				continue
			}
			pdf := buildMixture(p, in[t], opts).pdf(z)
			sum += -math.Log(pdf) * weights[t]
		}
		partial[chunk] = sum
	})

	var total float64
	for _, v := range partial[:chunks] {
		total += v
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return InvalidCost, nil
	}
	return total, nil
}

func (m *Memory) perTag(op string, p *params.ModelParams, fn func(mx mixture, z float64) float64) ([]float64, error) {
	if err := m.enter(op); err != nil {
		return nil, err
	}
	defer m.leave()

	opts, _, threads := m.snapshot()
	in, ok, err := m.inputs(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &StateError{Op: op, Err: fmt.Errorf("parameters outside the model domain")}
	}
	out := make([]float64, len(in))
	parallel(len(in), threads, func(_, lo, hi int) {
		for t := lo; t < hi; t++ {
			z := m.data.Z[t]
			if !finite(z) || !(m.data.N[t] > 0) || !finite(m.data.N[t]) {
				out[t] = math.NaN()
				continue
			}
			out[t] = fn(buildMixture(p, in[t], opts), z)
		}
	})
	return out, nil
}

// TagPDF returns each tag's likelihood under the current fidelity.
// Tags with a non-finite z-score or sample size get NaN.
func (m *Memory) TagPDF(p *params.ModelParams) ([]float64, error) {
	return m.perTag("calc_tag_pdf", p, func(mx mixture, z float64) float64 { return mx.pdf(z) })
}

// TagPDFErr bounds the truncation error of TagPDF. Only the convolve
// fidelity truncates; the others report zero.
func (m *Memory) TagPDFErr(p *params.ModelParams) ([]float64, error) {
	return m.perTag("calc_tag_pdf_err", p, func(mx mixture, z float64) float64 { return mx.errBound(z) })
}

// PDF returns Σt w_t·pdf_t(z) / Σt w_t for each grid point.
func (m *Memory) PDF(p *params.ModelParams, zgrid []float64) ([]float64, error) {
	if err := m.enter("calc_pdf"); err != nil {
		return nil, err
	}
	defer m.leave()

	opts, weights, threads := m.snapshot()
	in, ok, err := m.inputs(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &StateError{Op: "calc_pdf", Err: fmt.Errorf("parameters outside the model domain")}
	}

	partial := make([][]float64, threads)
	sumW := make([]float64, threads)
	chunks := parallel(len(in), threads, func(chunk, lo, hi int) {
		acc := make([]float64, len(zgrid))
		for t := lo; t < hi; t++ {
			if weights[t] <= 0 || !(m.data.N[t] > 0) || !finite(m.data.N[t]) {
				continue
			}
			mx := buildMixture(p, in[t], opts)
			for g, z := range zgrid {
				acc[g] += weights[t] * mx.pdf(z)
			}
			sumW[chunk] += weights[t]
		}
		partial[chunk] = acc
	})

	out := make([]float64, len(zgrid))
	var total float64
	for c := 0; c < chunks; c++ {
		total += sumW[c]
		for g, v := range partial[c] {
			out[g] += v
		}
	}
	if total == 0 {
		return nil, &StateError{Op: "calc_pdf", Err: fmt.Errorf("all weights are zero")}
	}
	for g := range out {
		out[g] /= total
	}
	return out, nil
}
