package automation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the automation engine.
type Metrics struct {
	EventsReceived    prometheus.Counter
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ActionsTotal      *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	QueueActive       *prometheus.GaugeVec
	QueuePending      *prometheus.GaugeVec
	DebounceFlushes   prometheus.Counter
}

// NewMetrics creates and registers automation metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "events_received_total",
			Help:      "Total events delivered to the automation engine.",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "executions_total",
			Help:      "Total automation executions by final status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "execution_duration_seconds",
			Help:      "Duration of automation executions.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "actions_total",
			Help:      "Total actions executed by type and status.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "action_duration_seconds",
			Help:      "Duration of individual actions.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"action"}),
		QueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "instance_active",
			Help:      "Executions currently running per instance.",
		}, []string{"instance"}),
		QueuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "instance_pending",
			Help:      "Executions waiting for a slot per instance.",
		}, []string{"instance"}),
		DebounceFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "automation",
			Name:      "debounce_flushes_total",
			Help:      "Total debounce windows closed.",
		}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActionsTotal,
		m.ActionDuration,
		m.QueueActive,
		m.QueuePending,
		m.DebounceFlushes,
	)

	return m
}
