package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner deletes stored events older than a cutoff.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Flusher emits summaries for closed rate-limit windows.
type Flusher interface {
	Flush(ctx context.Context) int
}

// RetentionJob deletes events older than days on schedule. It also runs
// once at start so a long-stopped service catches up.
func RetentionJob(store Cleaner, days int, schedule string, now func() time.Time, logger *slog.Logger) Job {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:       "retention",
		Schedule:   schedule,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			cutoff := now().UTC().AddDate(0, 0, -days)
			n, err := store.Cleanup(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.InfoContext(ctx, "security events pruned",
					slog.Int64("deleted", n),
					slog.Time("cutoff", cutoff),
				)
			}
			return nil
		},
	}
}

// FlushJob flushes the event logger every interval.
func FlushJob(l Flusher, interval time.Duration) Job {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return Job{
		Name:  "flush_rate_limit_windows",
		Every: interval,
		Run: func(ctx context.Context) error {
			l.Flush(ctx)
			return nil
		},
	}
}
