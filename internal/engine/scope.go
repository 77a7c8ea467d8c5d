package engine

import (
	"errors"
	"fmt"
	"slices"
)

// Setting is one option assignment.
type Setting struct {
	Name  string
	Value float64
}

// Set builds a Setting.
func Set(name string, value float64) Setting { return Setting{Name: name, Value: value} }

// UseFidelity builds the cost_calculator Setting for f.
func UseFidelity(f Fidelity) Setting { return Set(OptCostCalculator, float64(f)) }

// Scope is a temporary set of option values. Release restores the values
// that were in effect when the scope was acquired.
type Scope struct {
	e        Engine
	saved    []Setting
	released bool
}

// Acquire snapshots each named option and applies the new value. If any
// step fails, the options already changed are restored before returning.
func Acquire(e Engine, settings ...Setting) (*Scope, error) {
	s := &Scope{e: e}
	for _, o := range settings {
		prev, err := e.Option(o.Name)
		if err == nil {
			err = e.SetOption(o.Name, o.Value)
		}
		if err != nil {
			return nil, errors.Join(fmt.Errorf("acquire %s: %w", o.Name, err), s.Release())
		}
		s.saved = append(s.saved, Setting{Name: o.Name, Value: prev})
	}
	return s, nil
}

// Release restores the snapshot in reverse order. It is safe to call
// more than once; later calls do nothing.
func (s *Scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	var errs []error
	for i := len(s.saved) - 1; i >= 0; i-- {
		o := s.saved[i]
		if err := s.e.SetOption(o.Name, o.Value); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", o.Name, err))
		}
	}
	return errors.Join(errs...)
}

// With runs fn with settings applied and restores them afterwards,
// including when fn returns an error or panics.
func With(e Engine, settings []Setting, fn func() error) (err error) {
	s, err := Acquire(e, settings...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}

// WithWeights runs fn with the analysis weights replaced by w.
func WithWeights(e Engine, w []float64, fn func() error) (err error) {
	prev := slices.Clone(e.Weights())
	if err := e.SetWeights(w); err != nil {
		return err
	}
	defer func() {
		if rerr := e.SetWeights(prev); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore weights: %w", rerr))
		}
	}()
	return fn()
}
