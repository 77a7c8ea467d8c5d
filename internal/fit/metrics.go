package fit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageDuration tracks wall time per optimization stage
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mixer_stage_duration_seconds",
		Help:    "Optimization stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
	}, []string{"stage"})

	// stagesTotal counts finished stages by outcome
	stagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixer_stages_total",
		Help: "Total optimization stages by stage and convergence",
	}, []string{"stage", "converged"})
)
