package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/ratelimit"
)

const (
	defaultSystemLogDir  = "/var/log/warden"
	defaultLogFileName   = "security_events.log"
	defaultDedupInterval = 5 * time.Second
)

// Suppression reasons reported to an Observer.
const (
	SuppressedRateLimit = "rate_limited"
	SuppressedDuplicate = "duplicate"
)

// Recorder accepts security events. Record never fails from the caller's
// point of view.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Sink receives a copy of every persisted record, e.g. a database mirror.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Observer is notified of logger decisions. Implementations must not block.
type Observer interface {
	EventPersisted(kind EventKind, severity Severity)
	EventSuppressed(kind EventKind, reason string)
	LogFailure()
}

// LoggerConfig configures an EventLogger.
type LoggerConfig struct {
	SystemDir string // Preferred log directory. "" = /var/log/warden.
	UserDir   string // Fallback when SystemDir is not writable. "" = ~/.local/state/warden.
	FileName  string // "" = security_events.log.

	Window    time.Duration // Rate-limit window per event kind. 0 = 60s.
	MaxEvents int           // Persisted events per kind per window. 0 = 10.

	DedupInterval  time.Duration // Identical events within this interval are dropped. 0 = 5s, <0 disables.
	MaxFieldLength int           // Sanitized value cap. 0 = 512.

	Now    func() time.Time
	Logger *slog.Logger
}

// EventLogger is the append-only JSONL security event log. It sanitizes,
// deduplicates, and rate-limits events per kind, then writes one line per
// event. Write failures are counted, never returned.
//
// Lock order: dedupMu and the limiter hold no I/O. writeMu serializes the
// file and mirror writes so records land in decision order.
type EventLogger struct {
	cfg       LoggerConfig
	sanitizer *Sanitizer
	limiter   *ratelimit.Limiter
	now       func() time.Time
	logger    *slog.Logger

	dedupMu  sync.Mutex
	lastSeen map[string]time.Time

	resolveOnce sync.Once
	path        string

	writeMu  sync.Mutex
	out      io.WriteCloser
	closed   bool
	mirrors  []Sink
	observer Observer

	failures     atomic.Int64
	deduplicated atomic.Int64
}

// NewEventLogger creates an EventLogger. The log file is resolved and
// opened on the first write.
func NewEventLogger(cfg LoggerConfig) *EventLogger {
	if cfg.SystemDir == "" {
		cfg.SystemDir = defaultSystemLogDir
	}
	if cfg.UserDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.UserDir = filepath.Join(home, ".local", "state", "warden")
		}
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultLogFileName
	}
	if cfg.DedupInterval == 0 {
		cfg.DedupInterval = defaultDedupInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventLogger{
		cfg:       cfg,
		sanitizer: NewSanitizer(cfg.MaxFieldLength),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Window:    cfg.Window,
			MaxEvents: cfg.MaxEvents,
			Now:       now,
		}),
		now:      now,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
	}
}

// WithMirror adds a Sink that receives every persisted record.
func (l *EventLogger) WithMirror(s Sink) *EventLogger {
	l.writeMu.Lock()
	l.mirrors = append(l.mirrors, s)
	l.writeMu.Unlock()
	return l
}

// WithObserver sets the Observer.
func (l *EventLogger) WithObserver(o Observer) *EventLogger {
	l.writeMu.Lock()
	l.observer = o
	l.writeMu.Unlock()
	return l
}

// Record sanitizes ev and persists it unless it is a recent duplicate or
// its kind has exhausted the current window.
func (l *EventLogger) Record(ctx context.Context, ev Event) {
	rec := l.build(ev.Kind, ev.Severity, l.sanitizer.Context(ev.Context))

	if l.isDuplicate(rec.Hash, rec.Timestamp) {
		l.deduplicated.Add(1)
		l.notifySuppressed(ev.Kind, SuppressedDuplicate)
		return
	}

	d := l.limiter.Allow(string(ev.Kind))
	if d.Closed != nil {
		l.write(ctx, l.summary(*d.Closed))
	}
	if !d.Allowed {
		l.notifySuppressed(ev.Kind, SuppressedRateLimit)
		return
	}
	l.write(ctx, rec)
}

// Flush writes a summary for every elapsed window that suppressed events.
// Call it periodically so quiet kinds still get reported.
func (l *EventLogger) Flush(ctx context.Context) int {
	closed := l.limiter.Sweep()
	for _, c := range closed {
		l.write(ctx, l.summary(c))
	}
	l.pruneDedup()
	return len(closed)
}

// Close drains every open window and closes the log file.
func (l *EventLogger) Close() error {
	for _, c := range l.limiter.Drain() {
		l.write(context.Background(), l.summary(c))
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.closed = true
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// Path returns the resolved log file, or "" when no location was writable
// or nothing has been written yet.
func (l *EventLogger) Path() string {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.path
}

// Failures returns the number of failed writes (file or mirror).
func (l *EventLogger) Failures() int64 { return l.failures.Load() }

// Deduplicated returns the number of events dropped as duplicates.
func (l *EventLogger) Deduplicated() int64 { return l.deduplicated.Load() }

func (l *EventLogger) build(kind EventKind, sev Severity, ctx map[string]string) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  sev.String(),
		Context:   ctx,
		Timestamp: l.now().UTC(),
		Hash:      ContentHash(kind, ctx),
	}
}

// summary builds the synthetic record for a closed window. It bypasses
// deduplication and the limiter.
func (l *EventLogger) summary(c ratelimit.Closed) Record {
	return l.build(KindRateLimitExceeded, SeverityWarning, map[string]string{
		"suppressed_kind":  c.Key,
		"suppressed_count": strconv.Itoa(c.Suppressed),
		"window_start":     c.Start.UTC().Format(time.RFC3339),
		"window_end":       c.End.UTC().Format(time.RFC3339),
	})
}

func (l *EventLogger) isDuplicate(hash string, now time.Time) bool {
	if l.cfg.DedupInterval < 0 {
		return false
	}
	l.dedupMu.Lock()
	defer l.dedupMu.Unlock()
	if last, ok := l.lastSeen[hash]; ok && now.Sub(last) < l.cfg.DedupInterval {
		return true
	}
	l.lastSeen[hash] = now
	return false
}

func (l *EventLogger) pruneDedup() {
	now := l.now()
	l.dedupMu.Lock()
	defer l.dedupMu.Unlock()
	for h, last := range l.lastSeen {
		if now.Sub(last) >= l.cfg.DedupInterval {
			delete(l.lastSeen, h)
		}
	}
}

func (l *EventLogger) write(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		l.fail("marshaling security event", err)
		return
	}
	data = append(data, '\n')

	l.resolveOnce.Do(l.resolve)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed || l.out == nil {
		l.failLocked("writing security event", errors.New("no writable log location"))
	} else if _, err := l.out.Write(data); err != nil {
		l.failLocked("writing security event", err)
	} else if l.observer != nil {
		l.observer.EventPersisted(rec.Kind, ParseSeverity(rec.Severity))
	}

	for _, m := range l.mirrors {
		if err := m.Append(ctx, rec); err != nil {
			l.failLocked("mirroring security event", err)
		}
	}
}

// resolve opens the first writable location. It runs once per logger.
func (l *EventLogger) resolve() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for _, dir := range []string{l.cfg.SystemDir, l.cfg.UserDir} {
		if dir == "" {
			continue
		}
		f, err := openAppend(dir, l.cfg.FileName)
		if err != nil {
			l.logger.Debug("security log location not writable",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		l.out = f
		l.path = f.Name()
		l.logger.Info("security event log opened", slog.String("path", l.path))
		return
	}
	l.logger.Warn("no writable security log location; events are counted only")
}

func openAppend(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func (l *EventLogger) fail(msg string, err error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.failLocked(msg, err)
}

func (l *EventLogger) failLocked(msg string, err error) {
	n := l.failures.Add(1)
	if l.observer != nil {
		l.observer.LogFailure()
	}
	// Only the first failure and every hundredth after it reach the
	// operational log.
	if n == 1 || n%100 == 0 {
		l.logger.Warn(msg, slog.String("error", err.Error()), slog.Int64("failures", n))
	}
}

func (l *EventLogger) notifySuppressed(kind EventKind, reason string) {
	l.writeMu.Lock()
	o := l.observer
	l.writeMu.Unlock()
	if o != nil {
		o.EventSuppressed(kind, reason)
	}
}

// MemoryRecorder keeps events in memory. Used where no log file is wanted.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// Record stores ev.
func (m *MemoryRecorder) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
