package params

import (
	"errors"
	"fmt"
)

// ErrShape matches any ShapeError via errors.Is.
var ErrShape = &ShapeError{}

// ShapeError reports a parameter vector or array whose length disagrees
// with what the constraint implies, or a missing entry.
type ShapeError struct {
	Field  string
	Want   int
	Got    int
	Reason string
}

func (e *ShapeError) Error() string {
	msg := "shape mismatch"
	if e.Field != "" {
		msg += " in " + e.Field
	}
	if e.Want != 0 || e.Got != 0 {
		msg += fmt.Sprintf(": want %d, got %d", e.Want, e.Got)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ShapeError) Is(target error) bool {
	_, ok := target.(*ShapeError)
	return ok
}

// IsShape reports whether err carries a ShapeError.
func IsShape(err error) bool {
	return errors.Is(err, ErrShape)
}
