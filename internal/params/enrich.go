package params

import (
	"fmt"
	"math"
)

// SNPInfo carries the per-SNP vectors the variance model depends on.
type SNPInfo struct {
	MAF []float64
	TLD []float64
}

// Het returns the heterozygosity 2·maf·(1-maf) of SNP i.
func (s SNPInfo) Het(i int) float64 {
	return 2 * s.MAF[i] * (1 - s.MAF[i])
}

// TotalHet returns the summed heterozygosity over all SNPs.
func (s SNPInfo) TotalHet() float64 {
	var total float64
	for i := range s.MAF {
		total += s.Het(i)
	}
	return total
}

// AnnotScale returns A_i·sig2_annot for SNP i, the annotation multiplier
// of the per-SNP effect variance.
func (p *ModelParams) AnnotScale(i int) float64 {
	if p.Annot == nil {
		return p.Sig2Annot[0].X
	}
	var v float64
	for j, a := range p.Annot.Matrix[i] {
		v += a * p.Sig2Annot[j].X
	}
	return v
}

// SNPScale returns the per-SNP multiplier of the component effect
// variances: A_i·sig2_annot · het_i^s · (1+tld_i)^l.
func (p *ModelParams) SNPScale(snp SNPInfo, i int) float64 {
	return p.AnnotScale(i) * math.Pow(snp.Het(i), p.S.X) * math.Pow(1+snp.TLD[i], p.L.X)
}

// SNPHeritability returns each SNP's expected contribution to heritability,
// Σk pi_k·sig2_beta_k · het_i · SNPScale_i.
func (p *ModelParams) SNPHeritability(snp SNPInfo) ([]float64, error) {
	if !p.IsPoint() {
		return nil, &ShapeError{Field: "params", Reason: "heritability needs fully specified params"}
	}
	if p.Annot != nil && p.Annot.NumRows() != len(snp.MAF) {
		return nil, &ShapeError{Field: "annot", Want: len(snp.MAF), Got: p.Annot.NumRows(), Reason: "rows per SNP"}
	}
	var mix float64
	for k := range p.Pi {
		mix += p.Pi[k].X * p.Sig2Beta[k].X
	}
	h2 := make([]float64, len(snp.MAF))
	for i := range h2 {
		h2[i] = mix * snp.Het(i) * p.SNPScale(snp, i)
	}
	return h2, nil
}

// Enrichment partitions heritability over the columns of full.
// h2[j] = Σi full_ij·h2_i and enrich[j] = (h2[j]/Σh2) / (Σi full_ij / n).
// Columns with no member SNPs get NaN enrichment.
func Enrichment(p *ModelParams, full *Annotations, snp SNPInfo) (enrich, h2 []float64, err error) {
	if full.NumRows() != len(snp.MAF) {
		return nil, nil, &ShapeError{Field: "annot", Want: len(snp.MAF), Got: full.NumRows(), Reason: "rows per SNP"}
	}
	perSNP, err := p.SNPHeritability(snp)
	if err != nil {
		return nil, nil, fmt.Errorf("partition heritability: %w", err)
	}
	var total float64
	for _, v := range perSNP {
		total += v
	}
	h2 = make([]float64, full.NumCols())
	for i, row := range full.Matrix {
		for j, a := range row {
			h2[j] += a * perSNP[i]
		}
	}
	n := float64(full.NumRows())
	enrich = make([]float64, full.NumCols())
	for j, members := range full.ColumnSums() {
		if members == 0 || total == 0 {
			enrich[j] = math.NaN()
			continue
		}
		enrich[j] = (h2[j] / total) / (members / n)
	}
	return enrich, h2, nil
}
