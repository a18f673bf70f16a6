package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "state", "events.db")}, nil)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() = %v", err)
	}
	return s
}

func record(kind security.EventKind, sev security.Severity, at time.Time) security.Record {
	ctx := map[string]string{"executable": "/usr/bin/pacman", "n": uuid.NewString()}
	return security.Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  sev.String(),
		Context:   ctx,
		Timestamp: at,
		Hash:      security.ContentHash(kind, ctx),
	}
}

func TestStore_AppendAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appends := []security.Record{
		record(security.KindCommandExecuted, security.SeverityInfo, now.Add(-time.Minute)),
		record(security.KindCommandExecuted, security.SeverityInfo, now.Add(-2*time.Minute)),
		record(security.KindAuthorizationDenied, security.SeverityWarning, now.Add(-3*time.Minute)),
		record(security.KindSandboxDegraded, security.SeverityCritical, now.Add(-48*time.Hour)),
	}
	for _, rec := range appends {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summary() = %v", err)
	}
	if sum.Total != 3 {
		t.Errorf("Total = %d, want 3", sum.Total)
	}
	if sum.ByKind[string(security.KindCommandExecuted)] != 2 {
		t.Errorf("ByKind = %v", sum.ByKind)
	}
	if sum.BySeverity["warning"] != 1 || sum.BySeverity["critical"] != 0 {
		t.Errorf("BySeverity = %v", sum.BySeverity)
	}

	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 4 || recent[0].Kind != security.KindCommandExecuted {
		t.Fatalf("Recent() = %+v", recent)
	}
	if recent[0].Context["executable"] != "/usr/bin/pacman" {
		t.Errorf("context not round-tripped: %v", recent[0].Context)
	}
}

func TestStore_RejectsRecordWithoutID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(context.Background(), security.Record{Kind: security.KindAnomaly}); err == nil {
		t.Error("Append() accepted a record without id")
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := record(security.KindCommandFailed, security.SeverityWarning, now.AddDate(0, 0, -100))
	fresh := record(security.KindCommandFailed, security.SeverityWarning, now.AddDate(0, 0, -1))
	for _, rec := range []security.Record{old, fresh} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Cleanup(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("Cleanup() = %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup() removed %d, want 1", n)
	}
	recent, _ := s.Recent(ctx, 10)
	if len(recent) != 1 || recent[0].ID != fresh.ID {
		t.Errorf("remaining = %+v", recent)
	}
}

func TestStore_Trending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	window := time.Hour

	add := func(kind security.EventKind, n int, at time.Time) {
		t.Helper()
		for i := 0; i < n; i++ {
			if err := s.Append(ctx, record(kind, security.SeverityWarning, at)); err != nil {
				t.Fatal(err)
			}
		}
	}
	// Doubled against its baseline.
	add(security.KindAuthorizationDenied, 2, now.Add(-90*time.Minute))
	add(security.KindAuthorizationDenied, 4, now.Add(-10*time.Minute))
	// Flat.
	add(security.KindCommandExecuted, 3, now.Add(-90*time.Minute))
	add(security.KindCommandExecuted, 3, now.Add(-10*time.Minute))
	// No baseline, above the floor.
	add(security.KindValidationRejected, 11, now.Add(-5*time.Minute))
	// No baseline, below the floor.
	add(security.KindSpawnFailed, 2, now.Add(-5*time.Minute))

	trends, err := s.Trending(ctx, window, 2)
	if err != nil {
		t.Fatalf("Trending() = %v", err)
	}
	if len(trends) != 2 {
		t.Fatalf("Trending() = %+v, want 2 kinds", trends)
	}
	if trends[0].Kind != string(security.KindValidationRejected) || trends[0].Previous != 0 {
		t.Errorf("trends[0] = %+v", trends[0])
	}
	if trends[1].Kind != string(security.KindAuthorizationDenied) || trends[1].Ratio != 2 {
		t.Errorf("trends[1] = %+v", trends[1])
	}

	if _, err := s.Trending(ctx, 0, 2); err == nil {
		t.Error("Trending() accepted a zero window")
	}
}

func TestStore_MirrorsEventLogger(t *testing.T) {
	s := openTestStore(t)
	logger := security.NewEventLogger(security.LoggerConfig{
		SystemDir: filepath.Join(t.TempDir(), "sys"),
		UserDir:   t.TempDir(),
	}).WithMirror(s)
	defer logger.Close()

	logger.Record(context.Background(), security.Event{
		Kind:     security.KindAuthorizationDenied,
		Severity: security.SeverityWarning,
		Context:  map[string]any{"executable": "/usr/bin/rm"},
	})

	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sum.ByKind[string(security.KindAuthorizationDenied)] != 1 {
		t.Errorf("mirror did not persist: %+v", sum)
	}
}

func TestOpen_FilePermissionsAndDriver(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("Open() with empty path succeeded")
	}
}
