package run

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/opt"
)

// GlobalConfig configures the global search stage.
type GlobalConfig struct {
	PopSize        int     `yaml:"pop_size"`
	Iterations     int     `yaml:"iterations"` // generations per epoch
	MaxEpochs      int     `yaml:"max_epochs"`
	MaxEvaluations int     `yaml:"max_evaluations"`
	Tol            float64 `yaml:"tol"`
}

// LocalConfig configures both local refinement stages.
type LocalConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	FuncTol       float64 `yaml:"fatol"`
	StepTol       float64 `yaml:"xatol"`
	Adaptive      bool    `yaml:"adaptive"`
}

// Config is the resolved configuration of one fit run.
type Config struct {
	// Models selects the models to fit; prerequisites are added. Empty
	// means all.
	Models []int `yaml:"models"`

	Seed             int64   `yaml:"seed"`
	Kmax             int     `yaml:"kmax"`
	R2Min            float64 `yaml:"r2min"`
	Threads          int     `yaml:"threads"`
	CubatureRelError float64 `yaml:"cubature_rel_error"`
	CubatureMaxEvals int     `yaml:"cubature_max_evals"`

	// TolX and TolFunc are recorded with the results only.
	TolX    float64 `yaml:"tol_x"`
	TolFunc float64 `yaml:"tol_func"`

	Global GlobalConfig `yaml:"global"`
	Local  LocalConfig  `yaml:"local"`

	QQPlots          bool `yaml:"qq_plots"`
	Cost             bool `yaml:"cost"`
	DownsampleFactor int  `yaml:"downsample_factor"`
	DiagKmax         int  `yaml:"diag_kmax"`

	Resume bool `yaml:"resume"`
}

// DefaultConfig returns the defaults of a fit run.
func DefaultConfig() Config {
	mf := opt.DefaultMayflyConfig()
	nm := opt.DefaultNelderMeadConfig()
	diag := fit.DefaultDiagnosticsConfig()
	return Config{
		Seed:             123,
		Kmax:             100,
		R2Min:            0.05,
		Threads:          0,
		CubatureRelError: 1e-5,
		CubatureMaxEvals: 1000,
		TolX:             1e-2,
		TolFunc:          1e-2,
		Global: GlobalConfig{
			PopSize:        mf.PopSize,
			Iterations:     mf.Iterations,
			MaxEpochs:      mf.MaxEpochs,
			MaxEvaluations: mf.MaxEvaluations,
			Tol:            mf.Convergence.Threshold,
		},
		Local: LocalConfig{
			MaxIterations: nm.MaxIterations,
			FuncTol:       nm.FuncTol,
			StepTol:       nm.StepTol,
			Adaptive:      nm.Adaptive,
		},
		DownsampleFactor: diag.Downsample,
		DiagKmax:         diag.DiagKmax,
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ConfigurationError{Field: "config", Reason: "cannot be read", Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, &ConfigurationError{Field: "config", Reason: "is malformed", Err: err}
	}
	return cfg, nil
}

// Validate checks every value before any engine call is made.
func (c Config) Validate() error {
	for _, id := range c.Models {
		if id <= 0 {
			return &ConfigurationError{Field: "models", Reason: fmt.Sprintf("contains invalid id %d", id)}
		}
	}
	checks := []struct {
		field string
		ok    bool
		want  string
	}{
		{"kmax", c.Kmax >= 1, "must be at least 1"},
		{"threads", c.Threads >= 0, "must not be negative"},
		{"r2min", c.R2Min >= 0 && c.R2Min < 1, "must be in [0,1)"},
		{"cubature_rel_error", c.CubatureRelError > 0 && c.CubatureRelError < 1, "must be in (0,1)"},
		{"cubature_max_evals", c.CubatureMaxEvals >= 1, "must be at least 1"},
		{"tol_x", c.TolX >= 0, "must not be negative"},
		{"tol_func", c.TolFunc >= 0, "must not be negative"},
		{"global.pop_size", c.Global.PopSize >= 1, "must be at least 1"},
		{"global.iterations", c.Global.Iterations >= 1, "must be at least 1"},
		{"global.max_epochs", c.Global.MaxEpochs >= 1, "must be at least 1"},
		{"global.max_evaluations", c.Global.MaxEvaluations >= 0, "must not be negative"},
		{"global.tol", c.Global.Tol >= 0, "must not be negative"},
		{"local.max_iterations", c.Local.MaxIterations >= 1, "must be at least 1"},
		{"local.fatol", c.Local.FuncTol >= 0, "must not be negative"},
		{"local.xatol", c.Local.StepTol >= 0, "must not be negative"},
		{"downsample_factor", c.DownsampleFactor >= 1, "must be at least 1"},
		{"diag_kmax", c.DiagKmax >= 1, "must be at least 1"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return &ConfigurationError{Field: ch.field, Reason: ch.want}
		}
	}
	return nil
}

// Settings returns the configuration as a generic mapping for the
// result metadata, keyed like the YAML file.
func (c Config) Settings() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// engineSettings returns the base options applied for the whole run.
func (c Config) engineSettings() []engine.Setting {
	return []engine.Setting{
		engine.Set(engine.OptUseCompleteTagIndices, 1),
		engine.UseFidelity(engine.Gaussian),
		engine.Set(engine.OptKmax, float64(c.Kmax)),
		engine.Set(engine.OptSeed, float64(c.Seed)),
		engine.Set(engine.OptThreads, float64(c.Threads)),
		engine.Set(engine.OptR2Min, c.R2Min),
		engine.Set(engine.OptCubatureRelError, c.CubatureRelError),
		engine.Set(engine.OptCubatureMaxEvals, float64(c.CubatureMaxEvals)),
	}
}

func (c Config) mayfly() opt.MayflyConfig {
	conv := opt.DefaultConvergenceConfig()
	conv.Threshold = c.Global.Tol
	return opt.MayflyConfig{
		PopSize:        c.Global.PopSize,
		Iterations:     c.Global.Iterations,
		MaxEpochs:      c.Global.MaxEpochs,
		MaxEvaluations: c.Global.MaxEvaluations,
		Seed:           c.Seed,
		Convergence:    conv,
	}
}

func (c Config) nelderMead() opt.NelderMeadConfig {
	return opt.NelderMeadConfig{
		MaxIterations: c.Local.MaxIterations,
		FuncTol:       c.Local.FuncTol,
		StepTol:       c.Local.StepTol,
		Adaptive:      c.Local.Adaptive,
	}
}

func (c Config) diagnostics() fit.DiagnosticsConfig {
	d := fit.DefaultDiagnosticsConfig()
	d.Cost = c.Cost
	d.QQ = c.QQPlots
	d.DiagKmax = c.DiagKmax
	d.Downsample = c.DownsampleFactor
	return d
}

// ParseModels parses a comma-separated model selection such as "1,5,52".
// "all" and the empty string select every model.
func ParseModels(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, &ConfigurationError{Field: "models", Reason: fmt.Sprintf("has malformed entry %q", part)}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
