package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// costEvaluations counts Cost calls by fidelity
	costEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixer_cost_evaluations_total",
		Help: "Total cost function evaluations by fidelity",
	}, []string{"fidelity"})

	// costDuration tracks cost evaluation latency
	costDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mixer_cost_evaluation_seconds",
		Help:    "Cost evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	}, []string{"fidelity"})
)
