package observability

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/security"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	defaultFailureBurst  = 5
	minDecisionsForRate  = 5
)

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows: a high share of denied requests, or a burst of failed
// authentications. Each anomaly is reported once per window as an
// anomaly_detected security event.
type AnomalyDetector struct {
	mu         sync.Mutex
	denied     *slidingWindow
	allowed    *slidingWindow
	authFailed *slidingWindow
	lastAlert  map[string]time.Time
	cfg        config.AnomalyConfig
	window     time.Duration
	recorder   security.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	c := config.AnomalyConfig{}
	if cfg != nil {
		c = *cfg
	}
	window := time.Duration(c.WindowSeconds) * time.Second
	if window <= 0 {
		window = defaultAnomalyWindow
	}
	if c.FailureBurst <= 0 {
		c.FailureBurst = defaultFailureBurst
	}
	return &AnomalyDetector{
		denied:     &slidingWindow{window: window},
		allowed:    &slidingWindow{window: window},
		authFailed: &slidingWindow{window: window},
		lastAlert:  make(map[string]time.Time),
		cfg:        c,
		window:     window,
		logger:     logger,
		now:        time.Now,
	}
}

// SetRecorder sets where anomaly events are recorded. Without one, anomalies
// are only logged.
func (a *AnomalyDetector) SetRecorder(r security.Recorder) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.recorder = r
	a.mu.Unlock()
}

// RecordAllowed records a request that passed validation and the gate.
func (a *AnomalyDetector) RecordAllowed() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed.add(a.now())
}

// RecordDenied records a rejected or denied request and checks the denial rate.
func (a *AnomalyDetector) RecordDenied(ctx context.Context) {
	if a == nil {
		return
	}
	a.mu.Lock()
	now := a.now()
	a.denied.add(now)
	alert := a.checkDenialRate(now)
	rec := a.recorder
	a.mu.Unlock()
	a.report(ctx, rec, alert)
}

// RecordAuthFailure records a denied, timed out, or cancelled session and
// checks for a burst.
func (a *AnomalyDetector) RecordAuthFailure(ctx context.Context) {
	if a == nil {
		return
	}
	a.mu.Lock()
	now := a.now()
	a.authFailed.add(now)
	var alert map[string]any
	if n := a.authFailed.count(now); n >= a.cfg.FailureBurst && a.shouldAlert("auth_failure_burst", now) {
		alert = map[string]any{
			"anomaly":  "auth_failure_burst",
			"failures": strconv.Itoa(n),
			"window":   a.window.String(),
		}
	}
	rec := a.recorder
	a.mu.Unlock()
	a.report(ctx, rec, alert)
}

// checkDenialRate must be called with a.mu held.
func (a *AnomalyDetector) checkDenialRate(now time.Time) map[string]any {
	threshold := a.cfg.DenialRateThreshold
	if threshold <= 0 {
		return nil
	}
	denied := a.denied.count(now)
	total := denied + a.allowed.count(now)
	if total < minDecisionsForRate {
		return nil // Not enough data.
	}
	rate := float64(denied) / float64(total)
	if rate <= threshold || !a.shouldAlert("denial_rate", now) {
		return nil
	}
	return map[string]any{
		"anomaly":     "denial_rate",
		"denied":      strconv.Itoa(denied),
		"total":       strconv.Itoa(total),
		"denial_rate": strconv.FormatFloat(rate, 'f', 2, 64),
		"threshold":   strconv.FormatFloat(threshold, 'f', 2, 64),
	}
}

// shouldAlert must be called with a.mu held.
func (a *AnomalyDetector) shouldAlert(name string, now time.Time) bool {
	if last, ok := a.lastAlert[name]; ok && now.Sub(last) < a.window {
		return false
	}
	a.lastAlert[name] = now
	return true
}

func (a *AnomalyDetector) report(ctx context.Context, rec security.Recorder, alert map[string]any) {
	if alert == nil {
		return
	}
	if a.logger != nil {
		a.logger.WarnContext(ctx, "anomaly detected", slog.Any("details", alert))
	}
	if rec != nil {
		rec.Record(ctx, security.Event{
			Kind:     security.KindAnomaly,
			Severity: security.SeverityError,
			Context:  alert,
		})
	}
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
