package params

import (
	"fmt"

	"github.com/strao1986/mixer/internal/codec"
)

// RecordType tags serialized univariate annotation params.
const RecordType = "AnnotUnivariateParams"

// Record is the serialized form of a point ModelParams. The annotation
// matrix itself is not stored; FromRecord rebuilds it by column name.
type Record struct {
	Type      string       `json:"type"`
	Pi        codec.Floats `json:"pi"`
	Sig2Beta  codec.Floats `json:"sig2_beta"`
	Sig2Zero  codec.Float  `json:"sig2_zero"`
	Sig2Annot codec.Floats `json:"sig2_annot"`
	S         codec.Float  `json:"s"`
	L         codec.Float  `json:"l"`
	AnnoNames []string     `json:"annonames,omitempty"`
}

// ToRecord serializes a point ModelParams.
func (p *ModelParams) ToRecord() (*Record, error) {
	if !p.IsPoint() {
		return nil, &ShapeError{Field: "params", Reason: "only fully specified params can be recorded"}
	}
	r := &Record{
		Type:      RecordType,
		Pi:        Floats(p.Pi),
		Sig2Beta:  Floats(p.Sig2Beta),
		Sig2Zero:  codec.Float(p.Sig2Zero.X),
		Sig2Annot: Floats(p.Sig2Annot),
		S:         codec.Float(p.S.X),
		L:         codec.Float(p.L.X),
	}
	if p.Annot != nil {
		r.AnnoNames = append([]string(nil), p.Annot.Names...)
	}
	return r, nil
}

// FromRecord rebuilds params from a record, selecting the recorded
// annotation columns from full. A record without names uses no table.
func FromRecord(r *Record, full *Annotations) (*ModelParams, error) {
	if r.Type != "" && r.Type != RecordType {
		return nil, fmt.Errorf("unsupported params type %q", r.Type)
	}
	p := &ModelParams{
		Pi:        Fixeds(r.Pi...),
		Sig2Beta:  Fixeds(r.Sig2Beta...),
		Sig2Zero:  Fixed(float64(r.Sig2Zero)),
		Sig2Annot: Fixeds(r.Sig2Annot...),
		S:         Fixed(float64(r.S)),
		L:         Fixed(float64(r.L)),
	}
	if len(r.AnnoNames) > 0 {
		if full == nil {
			return nil, &ShapeError{Field: "annonames", Reason: "record names annotations but no table was given"}
		}
		annot, err := full.ByName(r.AnnoNames)
		if err != nil {
			return nil, err
		}
		p.Annot = annot
	}
	if !p.IsPoint() {
		return nil, &ShapeError{Field: "record", Reason: "inconsistent array lengths"}
	}
	return p, nil
}
