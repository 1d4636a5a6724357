package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stanrun_runs_total",
			Help: "Total number of finished runs.",
		},
		[]string{"method", "status"},
	)

	chainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stanrun_chain_duration_seconds",
			Help:    "Wall-clock duration of engine chain subprocesses.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"method"},
	)

	parseFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stanrun_output_parse_failures_total",
			Help: "Total number of chain output files rejected as malformed.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(chainDuration)
	prometheus.MustRegister(parseFailuresTotal)
}
