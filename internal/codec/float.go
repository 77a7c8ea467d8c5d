// Package codec encodes floating-point values for result documents.
//
// encoding/json refuses NaN and ±Inf. Result files must keep them, so
// non-finite values are written as the strings "NaN", "Infinity" and
// "-Infinity" and read back to the same values.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const (
	nanToken    = "NaN"
	posInfToken = "Infinity"
	negInfToken = "-Infinity"
)

// Float is a float64 whose JSON form preserves non-finite values.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	return appendFloat(nil, float64(f)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	v, err := parseFloat(data)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Floats is a vector whose JSON form preserves non-finite values.
type Floats []float64

// MarshalJSON implements json.Marshaler. A nil vector encodes as null.
func (fs Floats) MarshalJSON() ([]byte, error) {
	if fs == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(fs)*12)
	buf = append(buf, '[')
	for i, v := range fs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendFloat(buf, v)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (fs *Floats) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*fs = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode float array: %w", err)
	}
	out := make([]float64, len(raw))
	for i, r := range raw {
		v, err := parseFloat(r)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	*fs = out
	return nil
}

// Matrix is a row-major matrix encoded as nested arrays.
type Matrix [][]float64

// MarshalJSON implements json.Marshaler.
func (m Matrix) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	rows := make([]Floats, len(m))
	for i, r := range m {
		rows[i] = Floats(r)
	}
	return json.Marshal(rows)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var rows []Floats
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if rows == nil {
		*m = nil
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = []float64(r)
	}
	*m = out
	return nil
}

func appendFloat(buf []byte, v float64) []byte {
	switch {
	case math.IsNaN(v):
		return append(buf, `"`+nanToken+`"`...)
	case math.IsInf(v, 1):
		return append(buf, `"`+posInfToken+`"`...)
	case math.IsInf(v, -1):
		return append(buf, `"`+negInfToken+`"`...)
	}
	return strconv.AppendFloat(buf, v, 'g', -1, 64)
}

func parseFloat(data []byte) (float64, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		switch s {
		case nanToken:
			return math.NaN(), nil
		case posInfToken:
			return math.Inf(1), nil
		case negInfToken:
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("invalid float token %q", s)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	return v, nil
}
