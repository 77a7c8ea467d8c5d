package fit

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/params"
)

// DiagnosticsConfig selects the optional per-model diagnostics.
type DiagnosticsConfig struct {
	// Cost records per-tag likelihoods under every fidelity.
	Cost bool
	// QQ records the calibration curves.
	QQ bool
	// DiagKmax is the sampling budget for the sampling per-tag likelihood.
	DiagKmax int
	// Downsample keeps every n-th point of the QQ threshold grid.
	Downsample int
	// QQFidelity is the fidelity of the predictive density.
	QQFidelity engine.Fidelity
}

// DefaultDiagnosticsConfig returns the defaults with every diagnostic off.
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		DiagKmax:   20000,
		Downsample: 50,
		QQFidelity: engine.Convolve,
	}
}

const (
	qqZMax      = 38.0
	qqZStep     = 0.05
	qqHvPoints  = 10000
	qqBinsPerAx = 3
)

// costDiagnostics fills the per-tag likelihood vectors, keeping tags with
// positive weight.
func costDiagnostics(e engine.Engine, p *params.ModelParams, cfg DiagnosticsConfig, res *ModelResult) error {
	w := slices.Clone(e.Weights())
	keep := func(v []float64) []float64 {
		out := make([]float64, 0, len(v))
		for t, x := range v {
			if w[t] > 0 {
				out = append(out, x)
			}
		}
		return out
	}

	err := engine.With(e, []engine.Setting{engine.UseFidelity(engine.Convolve)}, func() error {
		pdf, err := e.TagPDF(p)
		if err != nil {
			return err
		}
		pdfErr, err := e.TagPDFErr(p)
		if err != nil {
			return err
		}
		res.ConvolveTagPDF, res.ConvolveTagPDFErr = keep(pdf), keep(pdfErr)
		return nil
	})
	if err != nil {
		return fmt.Errorf("convolve tag pdf: %w", err)
	}

	sampling := []engine.Setting{engine.UseFidelity(engine.Sampling), engine.Set(engine.OptKmax, float64(cfg.DiagKmax))}
	err = engine.With(e, sampling, func() error {
		pdf, err := e.TagPDF(p)
		res.SamplingTagPDF = keep(pdf)
		return err
	})
	if err != nil {
		return fmt.Errorf("sampling tag pdf: %w", err)
	}

	err = engine.With(e, []engine.Setting{engine.UseFidelity(engine.Gaussian)}, func() error {
		pdf, err := e.TagPDF(p)
		res.GaussianTagPDF = keep(pdf)
		return err
	})
	if err != nil {
		return fmt.Errorf("gaussian tag pdf: %w", err)
	}
	return nil
}

// qqDiagnostics computes the overall curve and a 3×3 grid of curves by
// MAF and total LD terciles.
func qqDiagnostics(e engine.Engine, p *params.ModelParams, cfg DiagnosticsConfig, res *ModelResult) error {
	z, n, w := e.Z(), e.N(), slices.Clone(e.Weights())
	maf, tld := e.MAF(), e.TLD()

	defined := make([]bool, len(z))
	for t := range z {
		defined[t] = engine.Usable(z[t], n[t], w[t])
	}

	all, err := qqCurve(e, p, cfg, w, defined, "all SNPs")
	if err != nil {
		return err
	}
	res.QQPlot = all

	mafEdges := terciles(maf)
	tldEdges := terciles(tld)
	for i := 0; i < qqBinsPerAx; i++ {
		for j := 0; j < qqBinsPerAx; j++ {
			mask := make([]bool, len(z))
			for t := range z {
				mask[t] = defined[t] &&
					inBin(maf[t], mafEdges, i) && inBin(tld[t], tldEdges, j)
			}
			title := fmt.Sprintf("maf %s, tld %s", binLabel(mafEdges, i), binLabel(tldEdges, j))
			c, err := qqCurve(e, p, cfg, w, mask, title)
			if err != nil {
				return err
			}
			res.QQPlotBins = append(res.QQPlotBins, *c)
		}
	}
	return nil
}

// terciles returns the 1/3 and 2/3 empirical quantiles of v.
func terciles(v []float64) []float64 {
	s := slices.Clone(v)
	sort.Float64s(s)
	if len(s) == 0 {
		return []float64{0, 0}
	}
	return []float64{
		stat.Quantile(1.0/3, stat.Empirical, s, nil),
		stat.Quantile(2.0/3, stat.Empirical, s, nil),
	}
}

// inBin places x in one of the half-open bins (-inf, e0), [e0, e1), [e1, inf).
func inBin(x float64, edges []float64, bin int) bool {
	switch bin {
	case 0:
		return x < edges[0]
	case 1:
		return x >= edges[0] && x < edges[1]
	}
	return x >= edges[1]
}

func binLabel(edges []float64, bin int) string {
	switch bin {
	case 0:
		return fmt.Sprintf("<%.3g", edges[0])
	case 1:
		return fmt.Sprintf("[%.3g, %.3g)", edges[0], edges[1])
	}
	return fmt.Sprintf(">=%.3g", edges[1])
}

// qqCurve computes one calibration curve over the tags in mask.
func qqCurve(e engine.Engine, p *params.ModelParams, cfg DiagnosticsConfig, w []float64, mask []bool, title string) (*QQCurve, error) {
	z := e.Z()
	curve := &QQCurve{Title: title}

	type obs struct{ absZ, w float64 }
	var data []obs
	var sumW, maxZ float64
	modelW := make([]float64, len(w))
	for t := range z {
		if !mask[t] {
			continue
		}
		a := math.Abs(z[t])
		data = append(data, obs{a, w[t]})
		sumW += w[t]
		maxZ = math.Max(maxZ, a)
		modelW[t] = w[t]
	}
	curve.NSnps = len(data)
	if sumW <= 0 {
		return curve, nil
	}
	curve.SumDataWeights = codec.Float(sumW)
	for t := range modelW {
		modelW[t] /= sumW
	}

	zgrid := make([]float64, int(math.Round(qqZMax/qqZStep))+1)
	for i := range zgrid {
		zgrid[i] = float64(i) * qqZStep
	}
	var pdf []float64
	err := engine.WithWeights(e, modelW, func() error {
		return engine.With(e, []engine.Setting{engine.UseFidelity(cfg.QQFidelity)}, func() error {
			var perr error
			pdf, perr = e.PDF(p, zgrid)
			return perr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("qq %s: %w", title, err)
	}
	tail := symmetricTail(pdf, qqZStep)

	step := max(cfg.Downsample, 1)
	hvMax := math.Min(maxZ, qqZMax)
	var hv []float64
	for i := 0; i < qqHvPoints; i += step {
		hv = append(hv, hvMax*float64(i)/float64(qqHvPoints-1))
	}

	sort.Slice(data, func(i, j int) bool { return data[i].absZ > data[j].absZ })
	curve.HvLogp = make([]float64, len(hv))
	curve.DataLogp = make([]float64, len(hv))
	curve.ModelLogp = make([]float64, len(hv))
	for k, h := range hv {
		curve.HvLogp[k] = -math.Log10(2 * distuv.UnitNormal.CDF(-h))

		var above float64
		for _, d := range data {
			if d.absZ < h {
				break
			}
			above += d.w
		}
		curve.DataLogp[k] = -math.Log10(above / sumW)
		curve.ModelLogp[k] = -math.Log10(math.Min(1, interpTail(tail, h, qqZStep)))
	}
	return curve, nil
}

// symmetricTail returns 2·∫_{z_i}^{zmax} pdf for each grid point by the
// trapezoid rule from the top of the grid.
func symmetricTail(pdf []float64, dz float64) []float64 {
	tail := make([]float64, len(pdf))
	for i := len(pdf) - 2; i >= 0; i-- {
		tail[i] = tail[i+1] + dz*(pdf[i]+pdf[i+1])
	}
	return tail
}

func interpTail(tail []float64, h, dz float64) float64 {
	pos := h / dz
	i := int(pos)
	if i >= len(tail)-1 {
		return tail[len(tail)-1]
	}
	f := pos - float64(i)
	return tail[i]*(1-f) + tail[i+1]*f
}
