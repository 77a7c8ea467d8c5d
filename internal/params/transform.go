package params

import "math"

// Kind selects the transform applied to a field when it is flattened into
// the optimizer vector.
type Kind int

const (
	// KindIdentity passes values through.
	KindIdentity Kind = iota
	// KindPositive maps (0, inf) to the real line with log.
	KindPositive
	// KindUnit maps (0, 1) to the real line with logit.
	KindUnit
	// KindSymmetric maps (-SymmetricBound, SymmetricBound) with a scaled atanh.
	KindSymmetric
)

// SymmetricBound is the half-width of the interval the S and L exponents
// are confined to.
const SymmetricBound = 2.0

func (k Kind) String() string {
	switch k {
	case KindPositive:
		return "log"
	case KindUnit:
		return "logit"
	case KindSymmetric:
		return "arctanh"
	}
	return "identity"
}

// Forward maps a parameter value to optimizer space.
func (k Kind) Forward(x float64) float64 {
	switch k {
	case KindPositive:
		return math.Log(x)
	case KindUnit:
		return math.Log(x / (1 - x))
	case KindSymmetric:
		return math.Atanh(x / SymmetricBound)
	}
	return x
}

// Inverse maps an optimizer coordinate back to a parameter value.
func (k Kind) Inverse(y float64) float64 {
	switch k {
	case KindPositive:
		return math.Exp(y)
	case KindUnit:
		return 1 / (1 + math.Exp(-y))
	case KindSymmetric:
		return SymmetricBound * math.Tanh(y)
	}
	return y
}

// Field names one array or scalar of ModelParams.
type Field int

const (
	FieldPi Field = iota
	FieldSig2Beta
	FieldSig2Zero
	FieldSig2Annot
	FieldS
	FieldL
)

// fieldOrder is the flattening order of the optimizer vector.
var fieldOrder = []Field{FieldPi, FieldSig2Beta, FieldSig2Zero, FieldSig2Annot, FieldS, FieldL}

func (f Field) String() string {
	return [...]string{"pi", "sig2_beta", "sig2_zero", "sig2_annot", "s", "l"}[f]
}

// Kind returns the transform used for the field.
func (f Field) Kind() Kind {
	switch f {
	case FieldPi:
		return KindUnit
	case FieldSig2Beta, FieldSig2Zero, FieldSig2Annot:
		return KindPositive
	case FieldS, FieldL:
		return KindSymmetric
	}
	return KindIdentity
}

// values returns a pointer to the field's entries so the parametrization
// can read and write them uniformly.
func (p *ModelParams) values(f Field) []*Value {
	var vs []Value
	switch f {
	case FieldPi:
		vs = p.Pi
	case FieldSig2Beta:
		vs = p.Sig2Beta
	case FieldSig2Annot:
		vs = p.Sig2Annot
	case FieldSig2Zero:
		return []*Value{&p.Sig2Zero}
	case FieldS:
		return []*Value{&p.S}
	case FieldL:
		return []*Value{&p.L}
	}
	out := make([]*Value, len(vs))
	for i := range vs {
		out[i] = &vs[i]
	}
	return out
}
