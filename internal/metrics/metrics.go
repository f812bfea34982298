// Package metrics exposes Prometheus instrumentation for the build worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus collectors. It is constructed once
// at startup and injected into the worker.
type Metrics struct {
	BuildsClaimed   prometheus.Counter
	BuildsSucceeded prometheus.Counter
	BuildsFailed    prometheus.Counter
	BuildsTimedOut  prometheus.Counter
	BuildDuration   prometheus.Histogram
}

// New registers the worker collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BuildsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_builds_claimed_total",
			Help: "Number of build jobs claimed by this worker.",
		}),
		BuildsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_builds_succeeded_total",
			Help: "Number of build jobs that committed an artifact.",
		}),
		BuildsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_builds_failed_total",
			Help: "Number of build jobs that ended in failure.",
		}),
		BuildsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_builds_timed_out_total",
			Help: "Number of build jobs killed by the wall-clock timeout.",
		}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "appforge_build_duration_seconds",
			Help:    "Wall-clock duration of one job execution end-to-end.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
