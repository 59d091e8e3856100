package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the housekeeping scheduler.
type Metrics struct {
	JobsFired      *prometheus.CounterVec
	JobsSucceeded  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labbox",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total housekeeping job runs started.",
		}, []string{"job"}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labbox",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total housekeeping job runs that succeeded.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labbox",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total housekeeping job runs that failed.",
		}, []string{"job"}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labbox",
			Subsystem: "scheduler",
			Name:      "items_processed_total",
			Help:      "Sessions or isolates acted on by housekeeping jobs.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labbox",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each housekeeping job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.ItemsProcessed,
		m.JobDuration,
	)

	return m
}
