// Package metrics holds the Prometheus collectors of the storage core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fragstore"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Connection guard metrics
	GuardResets      *prometheus.CounterVec
	GuardValidations *prometheus.CounterVec
	GuardOpenRetries *prometheus.CounterVec
	GuardsOpen       prometheus.Gauge

	// Row store metrics
	Statements         *prometheus.CounterVec
	StatementErrors    *prometheus.CounterVec
	StatementRetries   *prometheus.CounterVec
	IntegrityAnomalies *prometheus.CounterVec

	// Cluster invalidation metrics
	ClusterEntriesFlushed *prometheus.CounterVec
	ClusterEntriesPulled  *prometheus.CounterVec
	ClusterPulls          *prometheus.CounterVec
	ClusterPullDuration   *prometheus.HistogramVec
	Subscribers           *prometheus.GaugeVec

	// Row cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheEvicts *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GuardResets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_resets_total",
				Help:      "Total number of connection resets",
			},
			[]string{"repository"},
		),
		GuardValidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_validations_total",
				Help:      "Total number of connection validation statements, by outcome",
			},
			[]string{"repository", "outcome"},
		),
		GuardOpenRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_open_retries_total",
				Help:      "Total number of retried connection acquisitions",
			},
			[]string{"repository"},
		),
		GuardsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "guards_open",
				Help:      "Number of registered open connection guards",
			},
		),

		Statements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rowstore_operations_total",
				Help:      "Total number of row store operations",
			},
			[]string{"operation"},
		),
		StatementErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rowstore_errors_total",
				Help:      "Total number of row store errors, by kind",
			},
			[]string{"operation", "kind"},
		),
		StatementRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rowstore_retries_total",
				Help:      "Total number of retried row store operations",
			},
			[]string{"operation"},
		),
		IntegrityAnomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rowstore_integrity_anomalies_total",
				Help:      "Total number of repaired duplicate child names",
			},
			[]string{"kind"},
		),

		ClusterEntriesFlushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_entries_flushed_total",
				Help:      "Total number of invalidation log entries written",
			},
			[]string{"repository"},
		),
		ClusterEntriesPulled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_entries_pulled_total",
				Help:      "Total number of invalidation log entries received",
			},
			[]string{"repository"},
		),
		ClusterPulls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_pulls_total",
				Help:      "Total number of pull attempts, by result",
			},
			[]string{"repository", "result"},
		),
		ClusterPullDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cluster_pull_duration_seconds",
				Help:      "Duration of invalidation log pulls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"repository"},
		),
		Subscribers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_subscribers",
				Help:      "Number of local invalidation subscribers",
			},
			[]string{"repository"},
		),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of row cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of row cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of cache entries dropped by invalidations",
			},
			[]string{"cache_type"},
		),
	}
}

// Discard returns collectors registered on a private registry, for
// components constructed without metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
