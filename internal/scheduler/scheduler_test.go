package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeCleaner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, olderThan)
	return 3, f.err
}

func (f *fakeCleaner) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

type fakeFlusher struct{ n int }

func (f *fakeFlusher) Flush(context.Context) int {
	f.n++
	return 0
}

func counterValue(t *testing.T, c *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.WithLabelValues(label).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestTick_RetentionFiresWhenDue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)}
	cleaner := &fakeCleaner{}
	s := New(Config{Now: clock.Now}, nil, nil)
	if err := s.Add(RetentionJob(cleaner, 90, "", clock.Now, nil)); err != nil {
		t.Fatal(err)
	}

	wantNext := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if got := s.Next("retention"); !got.Equal(wantNext) {
		t.Fatalf("Next() = %v, want %v", got, wantNext)
	}

	s.Tick(context.Background())
	if len(cleaner.calls()) != 0 {
		t.Fatal("retention fired before 03:00")
	}

	clock.Set(time.Date(2026, 3, 1, 3, 0, 30, 0, time.UTC))
	s.Tick(context.Background())
	calls := cleaner.calls()
	if len(calls) != 1 {
		t.Fatalf("Cleanup calls = %d, want 1", len(calls))
	}
	wantCutoff := time.Date(2025, 12, 1, 3, 0, 30, 0, time.UTC)
	if !calls[0].Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", calls[0], wantCutoff)
	}
	if got := s.Next("retention"); !got.Equal(wantNext.AddDate(0, 0, 1)) {
		t.Errorf("Next() after fire = %v", got)
	}

	s.Tick(context.Background())
	if len(cleaner.calls()) != 1 {
		t.Error("retention fired twice in one day")
	}
}

func TestTick_FailureCountedAndRetried(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := New(Config{Now: clock.Now}, metrics, nil)

	runs := 0
	if err := s.Add(Job{
		Name:  "flaky",
		Every: time.Minute,
		Run: func(context.Context) error {
			runs++
			if runs == 1 {
				return errors.New("database locked")
			}
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	clock.Set(clock.Now().Add(time.Minute))
	s.Tick(context.Background())
	clock.Set(clock.Now().Add(time.Minute))
	s.Tick(context.Background())

	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
	if got := counterValue(t, metrics.JobsFailed, "flaky"); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := counterValue(t, metrics.JobsSucceeded, "flaky"); got != 1 {
		t.Errorf("succeeded = %v, want 1", got)
	}
	if got := counterValue(t, metrics.JobsFired, "flaky"); got != 2 {
		t.Errorf("fired = %v, want 2", got)
	}
}

func TestStart_RunsOnStartAndStops(t *testing.T) {
	cleaner := &fakeCleaner{}
	flusher := &fakeFlusher{}
	s := New(Config{PollInterval: 10 * time.Millisecond}, nil, nil)
	if err := s.Add(RetentionJob(cleaner, 0, "", nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(FlushJob(flusher, time.Hour)); err != nil {
		t.Fatal(err)
	}

	stop := s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for len(cleaner.calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if len(cleaner.calls()) != 1 {
		t.Errorf("retention run on start = %d, want 1", len(cleaner.calls()))
	}
	if flusher.n != 0 {
		t.Errorf("flush ran %d times before its interval", flusher.n)
	}
}

func TestAdd_RejectsInvalidJobs(t *testing.T) {
	s := New(Config{}, nil, nil)
	tests := []Job{
		{Name: "", Schedule: "@daily", Run: func(context.Context) error { return nil }},
		{Name: "x", Schedule: "@daily"},
		{Name: "x", Schedule: "not a cron", Run: func(context.Context) error { return nil }},
		{Name: "x", Schedule: "0 3 * *", Run: func(context.Context) error { return nil }},
	}
	for _, j := range tests {
		if err := s.Add(j); err == nil {
			t.Errorf("Add(%+v) succeeded", j)
		}
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	got, err := ComputeNextRunFrom(DefaultRetentionSchedule, from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
	if _, err := ComputeNextRunFrom("61 * * * *", from); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}
