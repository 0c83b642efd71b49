// Package metrics holds the process-wide prometheus collectors shared by
// perch packages, plus registry helpers. Per-instance metrics (lock
// managers, seat engines) are created by their WithMetrics options instead
// and registered wherever the caller wants them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RebuildCounter tracks cache rebuilds executed under single-flight
	// locks, whether by the elected winner or by a waiter whose patience
	// ran out.
	RebuildCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_rebuild_total",
		Help: "Total number of cache rebuilds executed",
	})
	// FallbackCounter tracks reads served by a degraded cache tier.
	FallbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perch_cache_fallback_total",
		Help: "Total number of cache reads served by the fallback tier",
	})
	// WatcherGauge reports the number of active seat-map watch streams.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perch_watchers",
		Help: "Current number of active watch streams",
	})
)

// NewRegistry creates a new prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the shared perch collectors on reg.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RebuildCounter, FallbackCounter, WatcherGauge)
}
