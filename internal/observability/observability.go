// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and anomaly detection for warden.
// All components are optional and nil-safe; when disabled, recording is a
// single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/domain"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(ctx context.Context, cfg *config.ObservabilityConfig, version string, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(ctx, cfg.Tracing, version)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Checks are registered by the caller.
	obs.Health = NewHealthChecker(version, logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the anomaly detector or nil if it is disabled.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}

// HealthOrNil returns the health checker or nil.
func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}

// RequestRejected records a request refused by validation, the whitelist
// gate or authentication.
func (o *Observability) RequestRejected(ctx context.Context, stage string, reason domain.Reason) {
	if o == nil {
		return
	}
	if o.Metrics != nil {
		o.Metrics.RejectionsTotal.WithLabelValues(stage, string(reason)).Inc()
	}
	o.Anomaly.RecordDenied(ctx)
}

// RequestAllowed records a request that passed validation and the gate.
func (o *Observability) RequestAllowed(_ context.Context, _ domain.Category) {
	if o == nil {
		return
	}
	o.Anomaly.RecordAllowed()
}

// ExecutionFinished records an attempt that reached the runner.
func (o *Observability) ExecutionFinished(_ context.Context, c domain.Category, res *domain.ExecutionResult, err error) {
	if o == nil || o.Metrics == nil {
		return
	}
	category := c.String()
	o.Metrics.ExecutionsTotal.WithLabelValues(category, executionOutcome(res, err)).Inc()
	if res == nil {
		return
	}
	o.Metrics.ExecutionDuration.WithLabelValues(category).Observe(res.Duration.Seconds())
	o.Metrics.SandboxRunsTotal.WithLabelValues(res.Backend, res.Level).Inc()
	if res.Degraded {
		o.Metrics.SandboxDegradedTotal.WithLabelValues(category).Inc()
	}
}

func executionOutcome(res *domain.ExecutionResult, err error) string {
	switch {
	case res == nil && err != nil:
		if r := domain.ReasonOf(err); r != "" {
			return string(r)
		}
		return "error"
	case res == nil:
		return "unknown"
	case res.Success():
		return "success"
	case res.Outcome == domain.OutcomeCompleted:
		return string(domain.ReasonNonZeroExit)
	default:
		return res.Outcome.String()
	}
}
