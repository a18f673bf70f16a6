// Package scheduler runs warden's maintenance jobs: retention cleanup of the
// security event store and periodic flushing of rate-limit windows.
//
// Jobs run one at a time on the scheduler goroutine. A job that fails is
// logged and retried at its next scheduled time.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs retention cleanup daily at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// DefaultRetentionDays is how long security events are kept.
const DefaultRetentionDays = 90

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one maintenance task.
type Job struct {
	Name string

	// Schedule is a five-field cron expression or a descriptor such as
	// "@daily". Ignored when Every is set.
	Schedule string

	// Every runs the job at a fixed interval.
	Every time.Duration

	// RunOnStart fires the job once when the scheduler starts.
	RunOnStart bool

	Run func(ctx context.Context) error
}

func (j Job) schedule() (cron.Schedule, error) {
	if j.Every > 0 {
		return cron.Every(j.Every), nil
	}
	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", j.Schedule, err)
	}
	return sched, nil
}

type entry struct {
	job   Job
	sched cron.Schedule
	next  time.Time
}

// Config configures a Scheduler.
type Config struct {
	// PollInterval is how often due jobs are checked. 0 = 1s.
	PollInterval time.Duration
	Now          func() time.Time
}

// Scheduler fires Jobs when they are due.
type Scheduler struct {
	entries []*entry
	metrics *Metrics
	logger  *slog.Logger
	poll    time.Duration
	now     func() time.Time
}

// New creates a Scheduler. metrics may be nil.
func New(cfg Config, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{metrics: metrics, logger: logger, poll: cfg.PollInterval, now: cfg.Now}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	sched, err := j.schedule()
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.entries = append(s.entries, &entry{job: j, sched: sched, next: sched.Next(s.now().UTC())})
	return nil
}

// Next returns the next run time of the named job, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.next
		}
	}
	return time.Time{}
}

// Start begins the scheduler loop. Returns a cancel function that stops it.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.Int("jobs", len(s.entries)),
			slog.String("poll_interval", s.poll.String()),
		)

		for _, e := range s.entries {
			if e.job.RunOnStart {
				s.fire(ctx, e)
			}
		}

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Tick fires every job whose next run time has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	now := s.now().UTC()
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e)
		e.next = e.sched.Next(now)
	}
	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(e.job.Name).Inc()
	}
	start := time.Now()
	err := e.job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(e.job.Name).Inc()
		}
		return
	}
	s.logger.DebugContext(ctx, "maintenance job finished",
		slog.String("job", e.job.Name),
		slog.Duration("duration", time.Since(start)),
	)
	if s.metrics != nil {
		s.metrics.JobsSucceeded.WithLabelValues(e.job.Name).Inc()
	}
}

// ComputeNextRunFrom computes the next run time of expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := Job{Schedule: expr}.schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
