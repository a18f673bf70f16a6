package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/warden/internal/auth"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/security"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, "test", nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("disabled components created: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	ctx := context.Background()
	obs.Shutdown(ctx)
	obs.RequestRejected(ctx, "validation", domain.ReasonNullByte)
	obs.RequestAllowed(ctx, domain.CategoryGeneric)
	obs.ExecutionFinished(ctx, domain.CategoryGeneric, nil, errors.New("boom"))
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}

	var m *MetricsCollector
	m.EventPersisted(security.KindCommandExecuted, security.SeverityInfo)
	m.LogFailure()

	var a *AnomalyDetector
	a.RecordDenied(ctx)
	a.RecordAuthFailure(ctx)
}

// --- MetricsCollector ---

func TestMetricsCollector_Gather(t *testing.T) {
	m := NewMetricsCollector()
	m.EventPersisted(security.KindCommandExecuted, security.SeverityInfo)
	m.EventSuppressed(security.KindCommandExecuted, "rate_limited")
	m.LogFailure()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"warden_security_events_total",
		"warden_security_events_suppressed_total",
		"warden_security_log_failures_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}

	got := counterValue(t, m.Registry, "warden_security_events_total",
		prometheus.Labels{"kind": "command_executed", "severity": "info"})
	if got != 1 {
		t.Errorf("events_total = %v, want 1", got)
	}
}

func TestObservability_ExecutionFinished(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	ctx := context.Background()

	obs.ExecutionFinished(ctx, domain.CategoryPackageQuery, &domain.ExecutionResult{
		Outcome: domain.OutcomeCompleted, Backend: "bwrap", Level: "standard", Duration: time.Second,
	}, nil)
	obs.ExecutionFinished(ctx, domain.CategoryURLOpen, &domain.ExecutionResult{
		Outcome: domain.OutcomeCompleted, ExitCode: 4, Backend: "none", Level: "strict", Degraded: true,
	}, nil)
	obs.ExecutionFinished(ctx, domain.CategoryGeneric, nil,
		&domain.ExecutionError{Reason: domain.ReasonSpawnFailed})

	tests := []struct {
		name   string
		labels prometheus.Labels
		want   float64
	}{
		{"warden_engine_executions_total", prometheus.Labels{"category": "package_query", "outcome": "success"}, 1},
		{"warden_engine_executions_total", prometheus.Labels{"category": "url_open", "outcome": "non_zero_exit"}, 1},
		{"warden_engine_executions_total", prometheus.Labels{"category": "generic", "outcome": "spawn_failed"}, 1},
		{"warden_sandbox_runs_total", prometheus.Labels{"backend": "bwrap", "level": "standard"}, 1},
		{"warden_sandbox_degraded_total", prometheus.Labels{"category": "url_open"}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, obs.Metrics.Registry, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker("1.0.0", nil)
	if s := h.CheckReady(context.Background()); s.Status != StatusOK {
		t.Errorf("status = %q, want ok", s.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker("1.0.0", nil)
	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("sandbox", func(context.Context) error { return errors.New("bwrap not found") })

	s := h.CheckReady(context.Background())
	if s.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", s.Status)
	}
	if s.Checks["store"].Status != StatusOK {
		t.Errorf("store = %+v", s.Checks["store"])
	}
	if c := s.Checks["sandbox"]; c.Status != StatusFail || c.Message != "bwrap not found" {
		t.Errorf("sandbox = %+v", c)
	}
	if got := h.Names(); len(got) != 2 || got[0] != "sandbox" {
		t.Errorf("Names() = %v", got)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker("1.2.3", nil)
	h.AddCheck("broken", func(context.Context) error { return errors.New("down") })
	s := h.CheckHealth()
	if s.Status != StatusOK || s.Version != "1.2.3" {
		t.Errorf("liveness = %+v", s)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_DenialRate(t *testing.T) {
	rec := &security.MemoryRecorder{}
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, DenialRateThreshold: 0.5, WindowSeconds: 60}, nil)
	a.SetRecorder(rec)
	ctx := context.Background()

	a.RecordAllowed()
	a.RecordAllowed()
	for range 3 {
		a.RecordDenied(ctx)
	}
	// 3 denied of 5 is above the threshold.
	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("anomaly events = %d, want 1", len(events))
	}
	if events[0].Kind != security.KindAnomaly || events[0].Context["anomaly"] != "denial_rate" {
		t.Errorf("event = %+v", events[0])
	}

	// Cooldown: no second report inside the window.
	a.RecordDenied(ctx)
	if len(rec.Events()) != 1 {
		t.Error("anomaly reported twice in one window")
	}
}

func TestAnomalyDetector_AuthFailureBurst(t *testing.T) {
	rec := &security.MemoryRecorder{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, FailureBurst: 3, WindowSeconds: 60}, nil)
	a.now = func() time.Time { return now }
	a.SetRecorder(rec)
	ctx := context.Background()

	a.RecordAuthFailure(ctx)
	a.RecordAuthFailure(ctx)
	now = now.Add(2 * time.Minute) // First two fall out of the window.
	a.RecordAuthFailure(ctx)
	if len(rec.Events()) != 0 {
		t.Fatal("burst reported across windows")
	}
	a.RecordAuthFailure(ctx)
	a.RecordAuthFailure(ctx)
	events := rec.Events()
	if len(events) != 1 || events[0].Context["anomaly"] != "auth_failure_burst" {
		t.Fatalf("events = %+v", events)
	}
}

// --- Wrappers ---

type stubRunner struct {
	res *sandbox.Result
	err error
}

func (s stubRunner) Run(context.Context, sandbox.Spec) (*sandbox.Result, error) {
	return s.res, s.err
}

func TestInstrumentedRunner(t *testing.T) {
	metrics := NewMetricsCollector()
	r := NewInstrumentedRunner(stubRunner{res: &sandbox.Result{ExitCode: 1}}, metrics, nil)

	res, err := r.Run(context.Background(), sandbox.Spec{Argv: []string{"/usr/bin/false"}})
	if err != nil || res.ExitCode != 1 {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	var m dto.Metric
	if err := metrics.ActiveExecutions.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetGauge().GetValue() != 0 {
		t.Errorf("active executions = %v after run", m.GetGauge().GetValue())
	}

	_, err = NewInstrumentedRunner(stubRunner{err: sandbox.ErrSpawn}, nil, nil).Run(context.Background(), sandbox.Spec{})
	if !errors.Is(err, sandbox.ErrSpawn) {
		t.Errorf("err = %v, want ErrSpawn", err)
	}
}

type stubAgent struct{ result auth.AgentResult }

func (s stubAgent) Authenticate(context.Context) (auth.AgentResult, error) { return s.result, nil }
func (s stubAgent) Wrap(argv []string) []string { return append([]string{"pkexec"}, argv...) }

func TestInstrumentedAuthenticator(t *testing.T) {
	metrics := NewMetricsCollector()
	rec := &security.MemoryRecorder{}
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, FailureBurst: 2}, nil)
	anomaly.SetRecorder(rec)
	ctx := context.Background()

	granted := NewInstrumentedAuthenticator(auth.NewChain(stubAgent{auth.AgentGranted}, nil, auth.Config{}, nil), metrics, nil, anomaly)
	if s := granted.Authenticate(ctx); s.State() != auth.StateGranted {
		t.Fatalf("state = %s", s.State())
	}

	cancelled := NewInstrumentedAuthenticator(auth.NewChain(stubAgent{auth.AgentCancelled}, nil, auth.Config{}, nil), metrics, nil, anomaly)
	cancelled.Authenticate(ctx)
	cancelled.Authenticate(ctx)

	if got := counterValue(t, metrics.Registry, "warden_auth_sessions_total",
		prometheus.Labels{"mechanism": "agent", "state": "granted"}); got != 1 {
		t.Errorf("granted = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "warden_auth_sessions_total",
		prometheus.Labels{"mechanism": "none", "state": "cancelled"}); got != 2 {
		t.Errorf("cancelled = %v, want 2", got)
	}
	if len(rec.Events()) != 1 {
		t.Errorf("anomaly events = %d, want 1", len(rec.Events()))
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
