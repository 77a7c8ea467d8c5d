package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModel    = errors.New("unknown model")
	ErrInvalidCatalog  = errors.New("invalid model catalog")
	ErrCycle           = errors.New("dependency cycle")
	ErrUndeclaredDep   = errors.New("model reads an undeclared prerequisite")
	ErrMissingDepValue = errors.New("prerequisite has not been fitted")
)

// GraphError wraps catalog validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidCatalog, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []int) error {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = fmt.Sprint(id)
	}
	return &GraphError{Kind: ErrCycle, Msg: strings.Join(parts, " -> ")}
}

// UnknownModelError names a model id that is not in the catalog.
type UnknownModelError struct {
	ID int
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %d", e.ID)
}

func (e *UnknownModelError) Unwrap() error { return ErrUnknownModel }
