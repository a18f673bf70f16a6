// Package storage defines the security event metrics store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL (shared deployments).
package storage

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/jkaninda/warden/internal/security"
)

// EventStore mirrors persisted security events and answers aggregate
// queries over them. Both SQLite and PostgreSQL backends implement it.
type EventStore interface {
	// Append stores one record. It satisfies security.Sink so the store can
	// be attached to the event logger as a mirror.
	Append(ctx context.Context, rec security.Record) error

	// Summary returns totals of events created at or after since.
	Summary(ctx context.Context, since time.Time) (*Summary, error)

	// Trending returns kinds whose count in the last window is at least
	// threshold times their count in the window before it.
	Trending(ctx context.Context, window time.Duration, threshold float64) ([]Trend, error)

	// Cleanup deletes events created before olderThan and returns how many
	// rows were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	// Migrate creates or updates tables.
	Migrate(ctx context.Context) error

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

var _ security.Sink = EventStore(nil)

// Summary is an aggregate view of stored events.
type Summary struct {
	Since      time.Time        `json:"since"`
	Total      int64            `json:"total"`
	ByKind     map[string]int64 `json:"by_kind"`
	BySeverity map[string]int64 `json:"by_severity"`
}

// Trend is one kind whose rate increased between two windows.
type Trend struct {
	Kind     string  `json:"kind"`
	Current  int64   `json:"current"`
	Previous int64   `json:"previous"`
	Ratio    float64 `json:"ratio"` // 0 when Previous is 0.
}

const (
	// NoBaselineTrendCount is the count above which a kind with no events
	// in the previous window is reported as trending.
	NoBaselineTrendCount = 10

	// DefaultTrendThreshold is the growth ratio used when none is given.
	DefaultTrendThreshold = 2.0
)

// TrendsFrom compares per-kind counts of two adjacent windows. Results are
// ordered by Current, highest first, then by kind.
func TrendsFrom(current, previous map[string]int64, threshold float64) []Trend {
	if threshold <= 0 {
		threshold = DefaultTrendThreshold
	}
	var out []Trend
	for kind, cur := range current {
		prev := previous[kind]
		switch {
		case prev == 0 && cur > NoBaselineTrendCount:
			out = append(out, Trend{Kind: kind, Current: cur})
		case prev > 0 && float64(cur) >= threshold*float64(prev):
			out = append(out, Trend{Kind: kind, Current: cur, Previous: prev, Ratio: float64(cur) / float64(prev)})
		}
	}
	slices.SortFunc(out, func(a, b Trend) int {
		if c := cmp.Compare(b.Current, a.Current); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return out
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
