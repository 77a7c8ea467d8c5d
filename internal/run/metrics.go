package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var modelsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mixer_models_total",
		Help: "Models handled by fit runs, by outcome.",
	},
	[]string{"status"},
)
