package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/params"
)

// Dataset is a snapshot of everything the reference engine needs: per-SNP
// summary statistics, LD moments and the annotation table. Each SNP is
// its own tag.
type Dataset struct {
	MAF        codec.Floats `json:"maf" yaml:"maf"`
	TLD        codec.Floats `json:"tld" yaml:"tld"`
	TLD4       codec.Floats `json:"tld4" yaml:"tld4"`
	Z          codec.Floats `json:"z" yaml:"z"`
	N          codec.Floats `json:"n" yaml:"n"`
	Weights    codec.Floats `json:"weights" yaml:"weights"`
	AnnotNames []string     `json:"annonames,omitempty" yaml:"annonames,omitempty"`
	Annot      codec.Matrix `json:"annot,omitempty" yaml:"annot,omitempty"`
}

// LoadDataset reads a dataset from JSON, or YAML when the file extension
// is .yaml or .yml.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var ds Dataset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ds)
	default:
		err = json.Unmarshal(data, &ds)
	}
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return &ds, nil
}

// Save writes the dataset as indented JSON.
func (ds *Dataset) Save(path string) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}

// Validate checks vector lengths and value domains. A dataset without an
// annotation table gets a single all-ones "base" column.
func (ds *Dataset) Validate() error {
	n := len(ds.MAF)
	if n == 0 {
		return fmt.Errorf("dataset has no SNPs")
	}
	for name, v := range map[string][]float64{"tld": ds.TLD, "tld4": ds.TLD4, "z": ds.Z, "n": ds.N, "weights": ds.Weights} {
		if len(v) != n {
			return fmt.Errorf("%s has %d values, want %d", name, len(v), n)
		}
	}
	for i := 0; i < n; i++ {
		switch {
		case !(ds.MAF[i] > 0 && ds.MAF[i] < 1):
			return fmt.Errorf("snp %d: maf %v outside (0,1)", i, ds.MAF[i])
		case !(ds.TLD[i] > 0) || !(ds.TLD4[i] > 0):
			return fmt.Errorf("snp %d: LD moments must be positive", i)
		case ds.TLD4[i] > ds.TLD[i]*ds.TLD[i]*(1+1e-9):
			return fmt.Errorf("snp %d: tld4 exceeds tld squared", i)
		case !(ds.N[i] > 0) && !math.IsNaN(ds.N[i]):
			return fmt.Errorf("snp %d: sample size %v must be positive", i, ds.N[i])
		case ds.Weights[i] < 0 || math.IsNaN(ds.Weights[i]):
			return fmt.Errorf("snp %d: weight %v must be non-negative", i, ds.Weights[i])
		}
	}
	if ds.Annot == nil {
		ds.AnnotNames = []string{"base"}
		ds.Annot = make(codec.Matrix, n)
		for i := range ds.Annot {
			ds.Annot[i] = []float64{1}
		}
	}
	if len(ds.Annot) != n {
		return fmt.Errorf("annotation has %d rows, want %d", len(ds.Annot), n)
	}
	return ds.Annotations().Validate()
}

// Annotations returns the annotation table backed by the dataset.
func (ds *Dataset) Annotations() *params.Annotations {
	return &params.Annotations{Matrix: ds.Annot, Names: ds.AnnotNames}
}

// SimulateConfig drives Simulate.
type SimulateConfig struct {
	SNPs        int
	Annotations int       // binary annotations besides the base column
	Enrichment  []float64 // extra variance scale per annotation member, one per annotation
	Pi          float64
	Sig2Beta    float64
	Sig2Zero    float64
	SampleSize  float64
	Seed        int64
}

// DefaultSimulateConfig returns a small polygenic trait.
func DefaultSimulateConfig() SimulateConfig {
	return SimulateConfig{
		SNPs:        2000,
		Annotations: 2,
		Pi:          0.01,
		Sig2Beta:    1e-4,
		Sig2Zero:    1.05,
		SampleSize:  50000,
		Seed:        1,
	}
}

// Simulate draws a synthetic dataset from the same mixture model the
// reference engine evaluates.
func Simulate(cfg SimulateConfig) (*Dataset, error) {
	if cfg.SNPs <= 0 {
		return nil, fmt.Errorf("snps must be positive")
	}
	if !(cfg.Pi > 0 && cfg.Pi <= 1) || !(cfg.Sig2Beta > 0) || !(cfg.Sig2Zero > 0) || !(cfg.SampleSize > 0) {
		return nil, fmt.Errorf("invalid simulation parameters")
	}
	if cfg.Enrichment != nil && len(cfg.Enrichment) != cfg.Annotations {
		return nil, fmt.Errorf("enrichment has %d values, want %d", len(cfg.Enrichment), cfg.Annotations)
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0))
	n := cfg.SNPs
	ds := &Dataset{
		MAF:        make(codec.Floats, n),
		TLD:        make(codec.Floats, n),
		TLD4:       make(codec.Floats, n),
		Z:          make(codec.Floats, n),
		N:          make(codec.Floats, n),
		Weights:    make(codec.Floats, n),
		AnnotNames: []string{"base"},
		Annot:      make(codec.Matrix, n),
	}
	for j := 1; j <= cfg.Annotations; j++ {
		ds.AnnotNames = append(ds.AnnotNames, fmt.Sprintf("annot%d", j))
	}

	for i := 0; i < n; i++ {
		maf := 0.02 + 0.48*rng.Float64()
		tld := 2 + 98*rng.Float64()
		m := math.Ceil(tld) + math.Floor(rng.Float64()*tld)

		row := make([]float64, cfg.Annotations+1)
		row[0] = 1
		scale := 1.0
		for j := 1; j <= cfg.Annotations; j++ {
			if rng.Float64() < 0.2 {
				row[j] = 1
				if cfg.Enrichment != nil {
					scale += cfg.Enrichment[j-1]
				}
			}
		}

		het := 2 * maf * (1 - maf)
		causal := causalSampler(int(m), cfg.Pi, rng)()
		variance := cfg.Sig2Zero + cfg.SampleSize*float64(causal)*cfg.Sig2Beta*het*scale*tld/m

		ds.MAF[i] = maf
		ds.TLD[i] = tld
		ds.TLD4[i] = tld * tld / m
		ds.Z[i] = math.Sqrt(variance) * rng.NormFloat64()
		ds.N[i] = cfg.SampleSize
		ds.Weights[i] = 1
		ds.Annot[i] = row
	}
	return ds, nil
}
