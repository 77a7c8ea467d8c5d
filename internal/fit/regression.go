package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/params"
)

// ErrNoAnnotations is returned when every annotation column has a zero
// fitted scale.
var ErrNoAnnotations = errors.New("all annotation columns have zero scale")

const (
	nnlsMaxSweeps = 10000
	nnlsTol       = 1e-12
)

// FitAnnotScale estimates per-annotation variance scales by regressing
// squared z-scores on the expected per-tag variance contribution of each
// annotation column. Only the first component's sig2_beta and the s and l
// values of tmp are used. The scales are non-negative; the fitted
// intercept becomes sig2_zero, or 1 when it is not positive.
//
// The returned params carry the full annotation table of tmp.
func FitAnnotScale(e engine.Engine, tmp *params.ModelParams) (*params.ModelParams, error) {
	if tmp.Annot == nil {
		return nil, &params.ShapeError{Field: "annot", Reason: "regression needs an annotation table"}
	}
	if len(tmp.Sig2Beta) == 0 || !tmp.Sig2Beta[0].Set || !tmp.S.Set || !tmp.L.Set {
		return nil, &params.ShapeError{Field: "params", Reason: "regression needs sig2_beta, s and l"}
	}
	if tmp.Annot.NumRows() != e.NumSNP() {
		return nil, &params.ShapeError{Field: "annot", Want: e.NumSNP(), Got: tmp.Annot.NumRows(), Reason: "rows per SNP"}
	}

	snp := engine.SNPInfo(e)
	z, n, w := e.Z(), e.N(), e.Weights()
	sb, s, l := tmp.Sig2Beta[0].X, tmp.S.X, tmp.L.X
	cols := tmp.Annot.NumCols()

	var rows []int
	for t := range z {
		if engine.Usable(z[t], n[t], w[t]) {
			rows = append(rows, t)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("annotation regression: no usable tags")
	}

	// Rows are scaled by sqrt(w) so the ordinary Gram matrix is the
	// weighted one. The last column is the intercept.
	x := mat.NewDense(len(rows), cols+1, nil)
	y := mat.NewVecDense(len(rows), nil)
	for i, t := range rows {
		sw := math.Sqrt(w[t])
		base := n[t] * sb * snp.TLD[t] * math.Pow(snp.Het(t), 1+s) * math.Pow(1+snp.TLD[t], l)
		for j, a := range tmp.Annot.Matrix[t] {
			x.Set(i, j, sw*base*a)
		}
		x.Set(i, cols, sw)
		y.SetVec(i, sw*z[t]*z[t])
	}

	var gram mat.Dense
	gram.Mul(x.T(), x)
	var rhs mat.VecDense
	rhs.MulVec(x.T(), y)

	beta := nnls(&gram, &rhs, cols)

	out := tmp.Clone()
	out.Pi = params.Fixeds(1)
	out.Sig2Beta = params.Fixeds(sb)
	out.Sig2Annot = params.Fixeds(beta[:cols]...)
	if icpt := beta[cols]; icpt > 0 {
		out.Sig2Zero = params.Fixed(icpt)
	} else {
		out.Sig2Zero = params.Fixed(1)
	}
	return out, nil
}

// nnls minimizes ||Xb - y||² given the normal equations G b = r by cyclic
// coordinate descent, with b_j ≥ 0 for j < constrained. Coordinates whose
// column is all zero stay at zero.
func nnls(g *mat.Dense, r *mat.VecDense, constrained int) []float64 {
	dim := r.Len()
	beta := make([]float64, dim)
	for sweep := 0; sweep < nnlsMaxSweeps; sweep++ {
		var change, scale float64
		for j := 0; j < dim; j++ {
			gjj := g.At(j, j)
			if gjj <= 0 {
				continue
			}
			acc := r.AtVec(j)
			for k := 0; k < dim; k++ {
				if k != j {
					acc -= g.At(j, k) * beta[k]
				}
			}
			next := acc / gjj
			if j < constrained && next < 0 {
				next = 0
			}
			step := math.Abs(next-beta[j]) * math.Sqrt(gjj)
			change = math.Max(change, step)
			scale = math.Max(scale, math.Abs(next)*math.Sqrt(gjj))
			beta[j] = next
		}
		if change <= nnlsTol*math.Max(scale, 1) {
			break
		}
	}
	return beta
}

// DropZeroAnnot removes annotation columns whose scale is not positive.
func DropZeroAnnot(p *params.ModelParams) (*params.ModelParams, error) {
	if p.Annot == nil {
		return p.Clone(), nil
	}
	if len(p.Sig2Annot) != p.Annot.NumCols() {
		return nil, &params.ShapeError{Field: "sig2_annot", Want: p.Annot.NumCols(), Got: len(p.Sig2Annot),
			Reason: "one entry per annotation column"}
	}
	var keep []int
	for j, v := range p.Sig2Annot {
		if v.Set && v.X > 0 {
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return nil, ErrNoAnnotations
	}
	out := p.Clone()
	out.Annot = p.Annot.Select(keep)
	out.Sig2Annot = make([]params.Value, len(keep))
	for i, j := range keep {
		out.Sig2Annot[i] = p.Sig2Annot[j]
	}
	return out, nil
}
