package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector owns the process registry. Component packages register
// their own collectors on Registry; the gateway-wide ones live here.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	// Outbound calls made by actions (channel sends, agent calls).
	OutboundCallsTotal   *prometheus.CounterVec
	OutboundCallDuration *prometheus.HistogramVec

	// Anomalies raised by the failure-rate detector.
	AnomaliesTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, plus the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omni",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		OutboundCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "outbound",
			Name:      "calls_total",
			Help:      "Outbound calls made by automation actions.",
		}, []string{"kind", "status"}),

		OutboundCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "outbound",
			Name:      "call_duration_seconds",
			Help:      "Outbound call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),

		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "anomaly",
			Name:      "detected_total",
			Help:      "Failure-rate anomalies detected.",
		}, []string{"operation"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.OutboundCallsTotal,
		m.OutboundCallDuration,
		m.AnomaliesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegistryOrNil returns the registry, or nil when m is nil. Component
// constructors treat a nil registry as "metrics disabled".
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
