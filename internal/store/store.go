package store

import (
	"errors"
	"fmt"
)

// Store defines the interface for result persistence.
// Implementations must be safe for concurrent use.
//
// A run named N has up to three artifacts:
//   - the checkpoint, rewritten after every fitted model
//   - the final document, written once when every model is done
//   - the stage trace
//
// Error handling conventions:
//   - Return ErrNotFound if the requested document doesn't exist
//   - Return a *WriteError (matching ErrIO) when a document cannot be persisted
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically replaces the checkpoint of run name.
	SaveCheckpoint(name string, r *Results) error

	// SaveFinal atomically writes the final document of run name.
	SaveFinal(name string, r *Results) error

	// LoadCheckpoint returns ErrNotFound if no checkpoint exists.
	LoadCheckpoint(name string) (*Results, error)

	// LoadFinal returns ErrNotFound if no final document exists.
	LoadFinal(name string) (*Results, error)

	// ListRuns returns metadata for every run with a checkpoint or final
	// document. The returned slice may be empty.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes every artifact of run name.
	// Returns ErrNotFound if the run has no artifacts.
	DeleteRun(name string) error
}

// ErrNotFound is returned when a requested document does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run document.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return "results not found: " + e.Name
	}
	return "results not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrIO matches any WriteError via errors.Is.
var ErrIO = errors.New("result persistence failed")

// WriteError reports a document that could not be persisted. The
// previous version of the document, if any, is left in place.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrIO, e.Err} }
