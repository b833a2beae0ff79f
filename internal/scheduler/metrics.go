package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the housekeeping scheduler.
type Metrics struct {
	JobsFired     *prometheus.CounterVec
	JobsSucceeded *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	LogsDeleted   prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total housekeeping jobs fired.",
		}, []string{"job"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total housekeeping jobs that succeeded.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total housekeeping jobs that failed or panicked.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each housekeeping job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
		LogsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "scheduler",
			Name:      "automation_logs_deleted_total",
			Help:      "Automation execution logs removed by the retention sweep.",
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobDuration,
		m.LogsDeleted,
	)

	return m
}
