package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/labbox/internal/domain"
)

const namespace = "labbox"

// MetricsCollector holds all Prometheus metrics for labbox.
// Uses a custom registry, no global state. Every Record method is safe on a
// nil receiver.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ArtifactsTotal    *prometheus.CounterVec

	// Isolate lifecycle metrics.
	IsolateStartsTotal *prometheus.CounterVec
	IsolatesActive     *prometheus.GaugeVec
	IsolateKillsTotal  *prometheus.CounterVec
	PanicsTotal        prometheus.Counter
	PanicIsolatesTotal *prometheus.CounterVec

	// Snapshot metrics.
	CommitsTotal       *prometheus.CounterVec
	CommitDuration     prometheus.Histogram
	HeadConflictsTotal prometheus.Counter
	StorageOpsTotal    *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec

	// Session metrics.
	SessionsSweptTotal prometheus.Counter

	// Egress proxy metrics.
	EgressRequestsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "total",
			Help:      "Code cells executed, by runtime and outcome.",
		}, []string{"runtime", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Code cell wall-clock duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"runtime"}),

		ArtifactsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "artifacts_total",
			Help:      "Artifacts collected, by kind.",
		}, []string{"kind"}),

		IsolateStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isolate",
			Name:      "starts_total",
			Help:      "Isolate cold starts, by runtime and result.",
		}, []string{"runtime", "result"}),

		IsolatesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "isolate",
			Name:      "active",
			Help:      "Isolates currently alive.",
		}, []string{"runtime"}),

		IsolateKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "isolate",
			Name:      "kills_total",
			Help:      "Isolates destroyed, by runtime and reason.",
		}, []string{"runtime", "reason"}),

		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panic",
			Name:      "total",
			Help:      "Panic (kill everything) invocations.",
		}),

		PanicIsolatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panic",
			Name:      "isolates_total",
			Help:      "Isolates handled by panics, by result.",
		}, []string{"result"}),

		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "commits_total",
			Help:      "Commit attempts, by result.",
		}, []string{"result"}),

		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "commit_duration_seconds",
			Help:      "Commit duration in seconds, including artifact storage.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		HeadConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "head_conflicts_total",
			Help:      "Branch head compare-and-swap retries.",
		}),

		StorageOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Snapshot backend operations, by operation and result.",
		}, []string{"op", "result"}),

		StorageOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Snapshot backend operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		SessionsSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "swept_total",
			Help:      "Idle sessions dropped by the sweeper.",
		}),

		EgressRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "requests_total",
			Help:      "Outbound requests seen by the egress proxy, by decision.",
		}, []string{"decision"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ArtifactsTotal,
		m.IsolateStartsTotal,
		m.IsolatesActive,
		m.IsolateKillsTotal,
		m.PanicsTotal,
		m.PanicIsolatesTotal,
		m.CommitsTotal,
		m.CommitDuration,
		m.HeadConflictsTotal,
		m.StorageOpsTotal,
		m.StorageOpDuration,
		m.SessionsSweptTotal,
		m.EgressRequestsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// IsolateKilled implements sandbox.KillObserver.
func (m *MetricsCollector) IsolateKilled(runtime, reason string) {
	if m == nil {
		return
	}
	m.IsolateKillsTotal.WithLabelValues(runtime, reason).Inc()
}

// RecordEgress implements egress.Observer.
func (m *MetricsCollector) RecordEgress(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.EgressRequestsTotal.WithLabelValues(decision).Inc()
}

// RecordCommit implements snapshot.Observer.
func (m *MetricsCollector) RecordCommit(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(result(err)).Inc()
	m.CommitDuration.Observe(duration.Seconds())
}

// RecordHeadConflict implements snapshot.Observer.
func (m *MetricsCollector) RecordHeadConflict() {
	if m == nil {
		return
	}
	m.HeadConflictsTotal.Inc()
}

// RecordPanic implements killswitch.Observer.
func (m *MetricsCollector) RecordPanic(killed, failed int) {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
	m.PanicIsolatesTotal.WithLabelValues("killed").Add(float64(killed))
	m.PanicIsolatesTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordArtifacts counts collected artifacts by kind.
func (m *MetricsCollector) RecordArtifacts(artifacts []domain.Artifact) {
	if m == nil {
		return
	}
	for _, a := range artifacts {
		m.ArtifactsTotal.WithLabelValues(string(a.Kind)).Inc()
	}
}

// RecordSweep counts swept sessions.
func (m *MetricsCollector) RecordSweep(swept int) {
	if m == nil || swept <= 0 {
		return
	}
	m.SessionsSweptTotal.Add(float64(swept))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
