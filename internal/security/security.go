// Package security implements the command whitelist gate, the dedicated
// service and mount wrappers, context sanitization, and the rate-limited
// security event log.
package security

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// Severity ranks a security event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity.
// Unrecognized values default to SeverityCritical so that a typo never
// downgrades an event.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityCritical
	}
}

// EventKind names the decision an event records.
type EventKind string

const (
	KindCommandExecuted         EventKind = "command_executed"
	KindCommandFailed           EventKind = "command_failed"
	KindSpawnFailed             EventKind = "spawn_failed"
	KindExecutionTimedOut       EventKind = "execution_timed_out"
	KindExecutionCancelled      EventKind = "execution_cancelled"
	KindTerminationDenied       EventKind = "termination_denied"
	KindValidationRejected      EventKind = "validation_rejected"
	KindAuthorizationDenied     EventKind = "authorization_denied"
	KindAuthenticationFailed    EventKind = "authentication_failed"
	KindAuthenticationCancelled EventKind = "authentication_cancelled"
	KindSandboxDegraded         EventKind = "sandbox_degraded"
	KindMultipleInstance        EventKind = "multiple_instance_attempt"
	KindRateLimitExceeded       EventKind = "rate_limit_exceeded"
	KindAnomaly                 EventKind = "anomaly_detected"
)

// Event is a security decision handed to the EventLogger. Context values
// are sanitized by the logger; callers pass raw values.
type Event struct {
	Kind     EventKind
	Severity Severity
	Context  map[string]any
}

// Record is the persisted form of an Event: one JSON line in the log.
type Record struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	Severity  string            `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Hash      string            `json:"hash"`
}

// ContentHash returns the hex BLAKE3 digest of kind and the sorted
// sanitized context. Timestamps are excluded so that identical decisions
// hash identically.
func ContentHash(kind EventKind, ctx map[string]string) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	_, _ = h.Write([]byte(string(kind)))
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(ctx[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
