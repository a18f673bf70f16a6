// Package ratelimit implements a per-key fixed-window limiter that counts
// what it suppresses. Thread-safe. No background goroutines: windows roll
// over lazily on Allow, or explicitly through Sweep.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by Check when the key's window is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultWindow    = 60 * time.Second
	defaultMaxEvents = 10
)

// Config configures the limiter.
type Config struct {
	Window    time.Duration // Window length. 0 = 60s.
	MaxEvents int           // Events allowed per key per window. 0 = 10.

	// Now overrides the clock. nil = time.Now.
	Now func() time.Time
}

// Closed describes a window that ended with suppressed events.
type Closed struct {
	Key        string
	Suppressed int
	Start      time.Time
	End        time.Time
}

// Decision is the result of Allow.
type Decision struct {
	Allowed bool

	// Closed is set when this call rolled over a previous window of the
	// same key that had suppressed events. The caller reports it once.
	Closed *Closed
}

// Limiter tracks one window per key. The single mutex guards only counter
// arithmetic; callers perform any I/O after Allow returns.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	length  time.Duration
	max     int
	now     func() time.Time
}

type window struct {
	start      time.Time
	count      int
	suppressed int
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	length := cfg.Window
	if length <= 0 {
		length = defaultWindow
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		windows: make(map[string]*window),
		length:  length,
		max:     maxEvents,
		now:     now,
	}
}

// Allow records one event for key and reports whether it fits in the
// current window. Events beyond the cap are counted as suppressed.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var d Decision

	w, ok := l.windows[key]
	if ok && !now.Before(w.start.Add(l.length)) {
		d.Closed = l.close(key, w)
		ok = false
	}
	if !ok {
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.count < l.max {
		w.count++
		d.Allowed = true
		return d
	}
	w.suppressed++
	return d
}

// Check is Allow for callers that only need an error.
func (l *Limiter) Check(key string) error {
	if !l.Allow(key).Allowed {
		return ErrRateLimited
	}
	return nil
}

// Sweep removes every elapsed window and returns those that had suppressed
// events. Call it periodically so a quiet key still gets its summary.
func (l *Limiter) Sweep() []Closed {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []Closed
	for key, w := range l.windows {
		if now.Before(w.start.Add(l.length)) {
			continue
		}
		if c := l.close(key, w); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// Drain closes every window regardless of age. Used at shutdown.
func (l *Limiter) Drain() []Closed {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Closed
	for key, w := range l.windows {
		if c := l.close(key, w); c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// Suppressed returns the suppressed count of key's current window.
func (l *Limiter) Suppressed(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w.suppressed
	}
	return 0
}

// close deletes the window and reports it if anything was suppressed.
// Must be called with l.mu held.
func (l *Limiter) close(key string, w *window) *Closed {
	delete(l.windows, key)
	if w.suppressed == 0 {
		return nil
	}
	return &Closed{
		Key:        key,
		Suppressed: w.suppressed,
		Start:      w.start,
		End:        w.start.Add(l.length),
	}
}
