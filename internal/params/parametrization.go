package params

import "fmt"

type slot struct {
	field Field
	index int
}

// Parametrization maps between ModelParams and the vector of free
// dimensions implied by a constraint. Every free entry contributes one
// coordinate, transformed by its field's Kind.
type Parametrization struct {
	constraint *ModelParams
	slots      []slot
}

// NewParametrization validates the constraint and records its free
// dimensions. Nil Pi/Sig2Beta arrays expand to one free entry per
// component; a nil Sig2Annot expands to one free entry per annotation
// column.
func NewParametrization(constraint *ModelParams) (*Parametrization, error) {
	if constraint == nil {
		return nil, &ShapeError{Field: "constraint", Reason: "nil"}
	}
	k, err := constraint.Components()
	if err != nil {
		return nil, err
	}
	c := constraint.Clone()
	if c.Pi == nil {
		c.Pi = Frees(k)
	}
	if c.Sig2Beta == nil {
		c.Sig2Beta = Frees(k)
	}
	if c.Annot != nil {
		if err := c.Annot.Validate(); err != nil {
			return nil, err
		}
	}
	cols := c.AnnotCols()
	switch {
	case c.Sig2Annot == nil:
		c.Sig2Annot = Frees(cols)
	case len(c.Sig2Annot) != cols:
		return nil, &ShapeError{Field: "sig2_annot", Want: cols, Got: len(c.Sig2Annot)}
	}

	pz := &Parametrization{constraint: c}
	for _, f := range fieldOrder {
		for i, v := range c.values(f) {
			if !v.Set {
				pz.slots = append(pz.slots, slot{field: f, index: i})
			}
		}
	}
	return pz, nil
}

// Dim returns the number of free dimensions.
func (pz *Parametrization) Dim() int { return len(pz.slots) }

// Constraint returns the normalized constraint. Callers must not modify it.
func (pz *Parametrization) Constraint() *ModelParams { return pz.constraint }

// Labels names each coordinate, e.g. "pi[1]" or "sig2_zero".
func (pz *Parametrization) Labels() []string {
	out := make([]string, len(pz.slots))
	for i, s := range pz.slots {
		if s.field == FieldPi || s.field == FieldSig2Beta || s.field == FieldSig2Annot {
			out[i] = fmt.Sprintf("%s[%d]", s.field, s.index)
		} else {
			out[i] = s.field.String()
		}
	}
	return out
}

// ParamsToVec flattens the free entries of p, applying forward transforms.
func (pz *Parametrization) ParamsToVec(p *ModelParams) ([]float64, error) {
	vec := make([]float64, len(pz.slots))
	for i, s := range pz.slots {
		x, err := lookup(p, s)
		if err != nil {
			return nil, err
		}
		vec[i] = s.field.Kind().Forward(x)
	}
	return vec, nil
}

// VecToParams applies inverse transforms to vec and merges the result
// into a copy of the constraint.
func (pz *Parametrization) VecToParams(vec []float64) (*ModelParams, error) {
	if len(vec) != len(pz.slots) {
		return nil, &ShapeError{Field: "vector", Want: len(pz.slots), Got: len(vec)}
	}
	p := pz.constraint.Clone()
	for i, s := range pz.slots {
		*p.values(s.field)[s.index] = Fixed(s.field.Kind().Inverse(vec[i]))
	}
	return p, nil
}

// BoundsToVec transforms a lower/upper pair into per-coordinate box
// limits. Each free dimension must be bounded on both sides.
func (pz *Parametrization) BoundsToVec(lower, upper *ModelParams) (lo, hi []float64, err error) {
	if lower == nil || upper == nil {
		return nil, nil, &ShapeError{Field: "bounds", Reason: "lower and upper are both required"}
	}
	if lo, err = pz.ParamsToVec(lower); err != nil {
		return nil, nil, fmt.Errorf("lower bound: %w", err)
	}
	if hi, err = pz.ParamsToVec(upper); err != nil {
		return nil, nil, fmt.Errorf("upper bound: %w", err)
	}
	for i := range lo {
		if !(lo[i] < hi[i]) {
			return nil, nil, &ShapeError{Field: pz.Labels()[i], Reason: "lower bound is not below upper bound"}
		}
	}
	return lo, hi, nil
}

func lookup(p *ModelParams, s slot) (float64, error) {
	if p == nil {
		return 0, &ShapeError{Field: s.field.String(), Reason: "params missing"}
	}
	vs := p.values(s.field)
	if s.index >= len(vs) || !vs[s.index].Set {
		return 0, &ShapeError{Field: fmt.Sprintf("%s[%d]", s.field, s.index), Reason: "no value for free dimension"}
	}
	return vs[s.index].X, nil
}
