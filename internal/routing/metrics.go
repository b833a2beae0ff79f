package routing

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for route resolution.
type Metrics struct {
	Resolutions    *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	Invalidations  prometheus.Counter
	RouteMutations *prometheus.CounterVec
}

// NewMetrics creates and registers routing metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "routing",
			Name:      "resolutions_total",
			Help:      "Total route resolutions by source (cache, store) and result (found, none, error).",
		}, []string{"source", "result"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "routing",
			Name:      "store_query_duration_seconds",
			Help:      "Duration of route store lookups on cache miss.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "routing",
			Name:      "cache_invalidations_total",
			Help:      "Total route cache invalidations.",
		}),
		RouteMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "routing",
			Name:      "route_mutations_total",
			Help:      "Total route create/update/delete operations.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.Resolutions,
		m.QueryDuration,
		m.Invalidations,
		m.RouteMutations,
	)

	return m
}
