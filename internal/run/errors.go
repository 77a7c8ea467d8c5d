package run

import (
	"context"
	"errors"

	"github.com/strao1986/mixer/internal/catalog"
	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/params"
	"github.com/strao1986/mixer/internal/store"
)

// ErrConfiguration matches any ConfigurationError via errors.Is.
var ErrConfiguration = &ConfigurationError{}

// ConfigurationError reports a run that cannot start as configured.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// Error kinds returned by Kind.
const (
	KindConfiguration = "configuration"
	KindEngine        = "engine"
	KindIO            = "io"
	KindCanceled      = "canceled"
	KindInternal      = "internal"
)

// Kind classifies an error returned by Run. Shape mismatches and unknown
// model ids count as configuration errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrConfiguration), params.IsShape(err),
		errors.Is(err, catalog.ErrUnknownModel), errors.Is(err, catalog.ErrInvalidCatalog):
		return KindConfiguration
	case errors.Is(err, engine.ErrEngineState):
		return KindEngine
	case errors.Is(err, store.ErrIO):
		return KindIO
	}
	return KindInternal
}

// ExitCode maps an error kind to a process exit status.
func ExitCode(err error) int {
	switch Kind(err) {
	case "":
		return 0
	case KindConfiguration:
		return 2
	case KindEngine:
		return 3
	case KindIO:
		return 4
	case KindCanceled:
		return 130
	}
	return 1
}
