package fit

import (
	"math"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/params"
)

// Stage names recorded in OptimizeResult.Stage.
const (
	StageGlobalFast = "mayfly-fast"
	StageLocalFast  = "neldermead-fast"
	StageLocalExact = "neldermead"
)

// OptimizeResult is the outcome of one stage. It is not modified after
// the stage runner returns it.
type OptimizeResult struct {
	Stage       string         `json:"stage"`
	X           codec.Floats   `json:"x"`
	Cost        codec.Float    `json:"fun"`
	Iterations  int            `json:"nit"`
	Evaluations int            `json:"nfev"`
	Converged   bool           `json:"success"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	CostN       codec.Float    `json:"cost_n"`
	CostDF      int            `json:"cost_df"`
	AIC         codec.Float    `json:"AIC"`
	BIC         codec.Float    `json:"BIC"`
	CostFast    *codec.Float   `json:"cost_fast,omitempty"`
	Params      *params.Record `json:"params"`
}

// informationCriteria returns AIC = 2·df + 2·cost and
// BIC = ln(n)·df + 2·cost.
func informationCriteria(cost, n float64, df int) (aic, bic float64) {
	aic = 2*float64(df) + 2*cost
	bic = math.Log(n)*float64(df) + 2*cost
	return aic, bic
}

// QQCurve is one calibration curve: for each threshold in HvLogp, the
// -log10 fraction of (weighted) tags at least as extreme, observed and
// predicted.
type QQCurve struct {
	Title          string       `json:"title"`
	HvLogp         codec.Floats `json:"hv_logp"`
	DataLogp       codec.Floats `json:"data_logpvec"`
	ModelLogp      codec.Floats `json:"model_logpvec"`
	NSnps          int          `json:"n_snps"`
	SumDataWeights codec.Float  `json:"sum_data_weights"`
}

// ModelResult is everything recorded for one fitted model.
type ModelResult struct {
	Params      *params.Record   `json:"params"`
	Optimize    []OptimizeResult `json:"optimize"`
	AnnotEnrich codec.Floats     `json:"annot_enrich"`
	AnnotH2     codec.Floats     `json:"annot_h2"`

	ConvolveTagPDF    codec.Floats `json:"convolve_tag_pdf,omitempty"`
	ConvolveTagPDFErr codec.Floats `json:"convolve_tag_pdf_err,omitempty"`
	SamplingTagPDF    codec.Floats `json:"sampling_tag_pdf,omitempty"`
	GaussianTagPDF    codec.Floats `json:"gaussian_tag_pdf,omitempty"`

	QQPlot     *QQCurve  `json:"qqplot,omitempty"`
	QQPlotBins []QQCurve `json:"qqplot_bins,omitempty"`
}

// Stages returns the stage names in execution order.
func (r *ModelResult) Stages() []string {
	out := make([]string, len(r.Optimize))
	for i, o := range r.Optimize {
		out[i] = o.Stage
	}
	return out
}
