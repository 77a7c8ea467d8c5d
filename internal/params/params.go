// Package params holds the mixture-model parameter types and the
// transform layer that maps them to and from unconstrained optimizer
// vectors.
package params

import (
	"fmt"
	"slices"
)

// Value is one scalar entry of a ModelParams. An entry with Set=false is
// free: a constraint leaves it to the optimizer, a bound leaves it unbounded.
type Value struct {
	X   float64
	Set bool
}

// Fixed returns a set entry.
func Fixed(x float64) Value { return Value{X: x, Set: true} }

// Free returns an unset entry.
func Free() Value { return Value{} }

// Fixeds returns set entries for xs.
func Fixeds(xs ...float64) []Value {
	out := make([]Value, len(xs))
	for i, x := range xs {
		out[i] = Fixed(x)
	}
	return out
}

// Frees returns n unset entries.
func Frees(n int) []Value { return make([]Value, n) }

// Annotations is an SNP-major annotation matrix with one name per column.
type Annotations struct {
	Matrix [][]float64
	Names  []string
}

// NumCols returns the number of annotation columns.
func (a *Annotations) NumCols() int { return len(a.Names) }

// NumRows returns the number of SNPs.
func (a *Annotations) NumRows() int { return len(a.Matrix) }

// Validate checks that every row has one value per column name.
func (a *Annotations) Validate() error {
	if len(a.Names) == 0 {
		return &ShapeError{Field: "annot", Reason: "no annotation columns"}
	}
	for i, row := range a.Matrix {
		if len(row) != len(a.Names) {
			return &ShapeError{Field: "annot", Want: len(a.Names), Got: len(row),
				Reason: fmt.Sprintf("row %d", i)}
		}
	}
	return nil
}

// Select returns a new table holding only the given columns, in order.
func (a *Annotations) Select(cols []int) *Annotations {
	out := &Annotations{
		Matrix: make([][]float64, len(a.Matrix)),
		Names:  make([]string, len(cols)),
	}
	for j, c := range cols {
		out.Names[j] = a.Names[c]
	}
	for i, row := range a.Matrix {
		r := make([]float64, len(cols))
		for j, c := range cols {
			r[j] = row[c]
		}
		out.Matrix[i] = r
	}
	return out
}

// Base returns the first column only. Base-annotation models use it as an
// all-SNP indicator.
func (a *Annotations) Base() *Annotations { return a.Select([]int{0}) }

// ByName returns the columns with the given names, in the order given.
func (a *Annotations) ByName(names []string) (*Annotations, error) {
	cols := make([]int, len(names))
	for j, n := range names {
		idx := slices.Index(a.Names, n)
		if idx < 0 {
			return nil, &ShapeError{Field: "annonames", Reason: fmt.Sprintf("unknown annotation %q", n)}
		}
		cols[j] = idx
	}
	return a.Select(cols), nil
}

// ColumnSums returns the number of SNPs (or summed membership) per column.
func (a *Annotations) ColumnSums() []float64 {
	sums := make([]float64, a.NumCols())
	for _, row := range a.Matrix {
		for j, v := range row {
			sums[j] += v
		}
	}
	return sums
}

// ModelParams is a point in (or, used as a constraint, a mask over) the
// univariate mixture parameter space.
//
// Pi and Sig2Beta have one entry per mixture component. Sig2Annot has one
// entry per annotation column. A nil Annot stands for a single all-ones
// column.
type ModelParams struct {
	Pi        []Value
	Sig2Beta  []Value
	Sig2Zero  Value
	Sig2Annot []Value
	S         Value
	L         Value
	Annot     *Annotations
}

// Components returns the mixture component count implied by Pi and
// Sig2Beta. A nil array adopts the other array's length; both nil means one.
func (p *ModelParams) Components() (int, error) {
	switch {
	case p.Pi == nil && p.Sig2Beta == nil:
		return 1, nil
	case p.Pi == nil:
		return len(p.Sig2Beta), nil
	case p.Sig2Beta == nil:
		return len(p.Pi), nil
	case len(p.Pi) != len(p.Sig2Beta):
		return 0, &ShapeError{Field: "sig2_beta", Want: len(p.Pi), Got: len(p.Sig2Beta),
			Reason: "component count differs from pi"}
	}
	return len(p.Pi), nil
}

// AnnotCols returns the annotation column count the params refer to.
func (p *ModelParams) AnnotCols() int {
	if p.Annot == nil {
		return 1
	}
	return p.Annot.NumCols()
}

// IsPoint reports whether every entry is set, with consistent shapes.
func (p *ModelParams) IsPoint() bool {
	k, err := p.Components()
	if err != nil || len(p.Pi) != k || len(p.Sig2Beta) != k || len(p.Sig2Annot) != p.AnnotCols() {
		return false
	}
	all := [][]Value{p.Pi, p.Sig2Beta, p.Sig2Annot, {p.Sig2Zero, p.S, p.L}}
	for _, vs := range all {
		for _, v := range vs {
			if !v.Set {
				return false
			}
		}
	}
	return true
}

// IsInfinitesimal reports a single component whose weight is fixed at 1.
// Approximate and exact cost coincide for such models.
func (p *ModelParams) IsInfinitesimal() bool {
	return len(p.Pi) == 1 && p.Pi[0].Set && p.Pi[0].X == 1 &&
		(p.Sig2Beta == nil || len(p.Sig2Beta) == 1)
}

// Clone returns a deep copy. The annotation table is shared.
func (p *ModelParams) Clone() *ModelParams {
	c := *p
	c.Pi = slices.Clone(p.Pi)
	c.Sig2Beta = slices.Clone(p.Sig2Beta)
	c.Sig2Annot = slices.Clone(p.Sig2Annot)
	return &c
}

// Floats returns the X of each entry.
func Floats(vs []Value) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = v.X
	}
	return out
}
