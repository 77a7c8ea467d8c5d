package fit

import "time"

// StageEvent describes a stage that has just started or finished.
type StageEvent struct {
	Model       int
	Stage       string
	Cost        float64
	Evaluations int
	Converged   bool
	Duration    time.Duration
	Time        time.Time
}

// Observer receives stage progress. Implementations must not block.
type Observer interface {
	StageStarted(ev StageEvent)
	StageFinished(ev StageEvent)
}

// Observers fans events out to several observers.
type Observers []Observer

func (os Observers) StageStarted(ev StageEvent) {
	for _, o := range os {
		o.StageStarted(ev)
	}
}

func (os Observers) StageFinished(ev StageEvent) {
	for _, o := range os {
		o.StageFinished(ev)
	}
}

type nopObserver struct{}

func (nopObserver) StageStarted(StageEvent)  {}
func (nopObserver) StageFinished(StageEvent) {}
