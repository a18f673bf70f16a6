package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/auth"
	"github.com/jkaninda/warden/internal/sandbox"
)

// Authenticator is satisfied by *auth.Chain.
type Authenticator interface {
	Authenticate(ctx context.Context) *auth.Session
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with a span per process and the
// active execution gauge.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRunner) Run(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error) {
	var span trace.Span
	if r.tracer != nil {
		program := ""
		if len(spec.Argv) > 0 {
			program = spec.Argv[0]
		}
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("process.executable", program),
				attribute.Int("process.argc", len(spec.Argv)),
			))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	res, err := r.inner.Run(ctx, spec)

	if span != nil {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil:
			span.SetAttributes(
				attribute.Int("process.exit_code", res.ExitCode),
				attribute.String("process.outcome", res.Outcome.String()),
				attribute.Bool("process.truncated", res.Truncated),
			)
			if res.ExitCode != 0 {
				span.SetStatus(codes.Error, "non-zero exit")
			}
		}
	}
	return res, err
}

// --- InstrumentedAuthenticator ---

// InstrumentedAuthenticator wraps an authentication chain with metrics,
// tracing and auth-failure anomaly detection.
type InstrumentedAuthenticator struct {
	inner   Authenticator
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedAuthenticator wraps an authenticator with observability.
func NewInstrumentedAuthenticator(inner Authenticator, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAuthenticator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAuthenticator{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (a *InstrumentedAuthenticator) Authenticate(ctx context.Context) *auth.Session {
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "auth.authenticate")
		defer span.End()
	}

	start := time.Now()
	s := a.inner.Authenticate(ctx)
	state := s.State()

	if span != nil {
		span.SetAttributes(
			attribute.String("auth.mechanism", string(s.Mechanism())),
			attribute.String("auth.state", state.String()),
			attribute.Int64("auth.duration_ms", time.Since(start).Milliseconds()),
		)
		if state != auth.StateGranted {
			span.SetStatus(codes.Error, string(s.Reason()))
		}
	}

	if a.metrics != nil {
		a.metrics.AuthTotal.WithLabelValues(string(s.Mechanism()), state.String()).Inc()
	}
	if state != auth.StateGranted {
		a.anomaly.RecordAuthFailure(ctx)
	}
	return s
}
