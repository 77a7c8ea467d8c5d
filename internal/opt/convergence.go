package opt

import "math"

// ConvergenceConfig decides when the global search stops restarting.
// After every epoch the best cost so far is compared with the best cost
// at the last epoch that counted as progress.
type ConvergenceConfig struct {
	Enabled bool

	// Patience is the number of consecutive epochs without progress that
	// ends the search.
	Patience int

	// Threshold is the relative decrease (last - best) / |last| an epoch
	// must achieve to count as progress.
	Threshold float64
}

// DefaultConvergenceConfig returns the global-stage defaults: one restart
// epoch that improves the best cost by less than 1% ends the search.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{Enabled: true, Patience: 1, Threshold: 0.01}
}

// DisabledConvergenceConfig runs every epoch.
func DisabledConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{}
}

// ConvergenceTracker follows the per-epoch best cost of a restarted search.
type ConvergenceTracker struct {
	cfg      ConvergenceConfig
	epochs   int
	best     float64
	anchor   float64 // best cost at the last epoch that made progress
	stagnant int
}

// NewConvergenceTracker returns a tracker that has seen no epoch yet.
func NewConvergenceTracker(cfg ConvergenceConfig) *ConvergenceTracker {
	t := &ConvergenceTracker{cfg: cfg}
	t.Reset()
	return t
}

// Observe records the best cost after an epoch and reports whether the
// search has stalled.
func (t *ConvergenceTracker) Observe(best float64) bool {
	if !t.cfg.Enabled {
		return false
	}
	t.epochs++
	t.best = math.Min(t.best, best)

	if t.epochs == 1 || progress(t.anchor, best) >= t.cfg.Threshold {
		t.anchor = best
		t.stagnant = 0
		return false
	}
	t.stagnant++
	return t.stagnant >= t.cfg.Patience
}

// progress is the relative decrease from anchor to cost. Moving away from
// a zero anchor counts as infinite progress downwards and none upwards.
func progress(anchor, cost float64) float64 {
	switch {
	case anchor == cost:
		return 0
	case math.IsInf(anchor, 1):
		return math.Inf(1)
	case anchor == 0 && cost < 0:
		return math.Inf(1)
	case anchor == 0:
		return math.Inf(-1)
	}
	return (anchor - cost) / math.Abs(anchor)
}

// BestCost returns the lowest cost observed.
func (t *ConvergenceTracker) BestCost() float64 { return t.best }

// Stagnant returns the number of epochs since the last progress.
func (t *ConvergenceTracker) Stagnant() int { return t.stagnant }

// Reset forgets every observed epoch.
func (t *ConvergenceTracker) Reset() {
	t.epochs = 0
	t.best = math.Inf(1)
	t.anchor = math.Inf(1)
	t.stagnant = 0
}
