// Package metrics registers the Prometheus metrics of cache storage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts completed operations labelled by operation name
	// and outcome ("success", "error").
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachestorage_operations_total",
			Help: "Total number of cache storage operations.",
		},
		[]string{"op", "result"},
	)

	// OperationDuration observes operation latency in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachestorage_operation_duration_seconds",
			Help:    "Cache storage operation duration in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"op"},
	)

	// FetchesTotal counts fetches made by add/addAll, labelled by outcome
	// ("success", "error", "rejected").
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachestorage_fetches_total",
			Help: "Total number of fetches made to fill caches.",
		},
		[]string{"result"},
	)

	// MatchesTotal counts match lookups by outcome ("hit", "miss").
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachestorage_matches_total",
			Help: "Total number of match lookups.",
		},
		[]string{"result"},
	)
)

// Observe records one finished operation.
func Observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
