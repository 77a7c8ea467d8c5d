package store

import (
	"sync"
	"time"

	"github.com/strao1986/mixer/internal/fit"
)

// Accumulator collects model results for one run. Every Add rewrites the
// checkpoint, so the checkpoint on disk always holds every model added
// so far.
type Accumulator struct {
	mu      sync.Mutex
	store   Store
	name    string
	results *Results
}

// NewAccumulator starts accumulating into r, which may already hold
// models restored from an earlier checkpoint.
func NewAccumulator(s Store, name string, r *Results) *Accumulator {
	if r.Models == nil {
		r.Models = map[int]*fit.ModelResult{}
	}
	return &Accumulator{store: s, name: name, results: r}
}

// Add records the result of model id and writes the checkpoint.
func (a *Accumulator) Add(id int, m *fit.ModelResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results.Models[id] = m
	return a.store.SaveCheckpoint(a.name, a.results)
}

// Flush writes the checkpoint with whatever has been added.
func (a *Accumulator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.SaveCheckpoint(a.name, a.results)
}

// Finalize stamps the finish time and writes the final document.
func (a *Accumulator) Finalize(finished time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results.Options.TimeFinished = &finished
	return a.store.SaveFinal(a.name, a.results)
}

// Results returns the accumulated document. Callers must not modify it
// while the run is in progress.
func (a *Accumulator) Results() *Results {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results
}
