package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/warden/internal/security"
)

// MetricsCollector holds all Prometheus metrics for warden.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge

	// Decision metrics.
	RejectionsTotal *prometheus.CounterVec
	AuthTotal       *prometheus.CounterVec

	// Sandbox metrics.
	SandboxRunsTotal     *prometheus.CounterVec
	SandboxDegradedTotal *prometheus.CounterVec

	// Security event log metrics.
	SecurityEventsTotal      *prometheus.CounterVec
	SecurityEventsSuppressed *prometheus.CounterVec
	SecurityLogFailures      prometheus.Counter

	// Ops HTTP server metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total execution attempts that reached the runner, by outcome.",
		}, []string{"category", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
		}, []string{"category"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_executions",
			Help:      "Number of child processes currently running.",
		}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Requests refused before execution, by stage and reason.",
		}, []string{"stage", "reason"}),

		AuthTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "sessions_total",
			Help:      "Authentication sessions by mechanism and final state.",
		}, []string{"mechanism", "state"}),

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandboxed runs by backend and level.",
		}, []string{"backend", "level"}),

		SandboxDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "sandbox",
			Name:      "degraded_total",
			Help:      "Runs that needed isolation but had no backend.",
		}, []string{"category"}),

		SecurityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "security",
			Name:      "events_total",
			Help:      "Security events persisted to the event log.",
		}, []string{"kind", "severity"}),

		SecurityEventsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "security",
			Name:      "events_suppressed_total",
			Help:      "Security events dropped as duplicates or by the rate limit.",
		}, []string{"kind", "reason"}),

		SecurityLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "security",
			Name:      "log_failures_total",
			Help:      "Failed writes to the event log or its mirrors.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total ops HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.RejectionsTotal,
		m.AuthTotal,
		m.SandboxRunsTotal,
		m.SandboxDegradedTotal,
		m.SecurityEventsTotal,
		m.SecurityEventsSuppressed,
		m.SecurityLogFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

var _ security.Observer = (*MetricsCollector)(nil)

// EventPersisted implements security.Observer.
func (m *MetricsCollector) EventPersisted(kind security.EventKind, sev security.Severity) {
	if m == nil {
		return
	}
	m.SecurityEventsTotal.WithLabelValues(string(kind), sev.String()).Inc()
}

// EventSuppressed implements security.Observer.
func (m *MetricsCollector) EventSuppressed(kind security.EventKind, reason string) {
	if m == nil {
		return
	}
	m.SecurityEventsSuppressed.WithLabelValues(string(kind), reason).Inc()
}

// LogFailure implements security.Observer.
func (m *MetricsCollector) LogFailure() {
	if m == nil {
		return
	}
	m.SecurityLogFailures.Inc()
}
