package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
)

// EventRepository implements the event queries of storage.EventStore with
// GORM. It only uses portable SQL so the SQLite backend reuses it.
type EventRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db, now: time.Now}
}

// Append inserts a single event record.
func (r *EventRepository) Append(ctx context.Context, rec security.Record) error {
	if rec.ID == "" {
		return errors.New("event record has no id")
	}
	model, err := toEventModel(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending security event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. Limit defaults to 100.
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]security.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []SecurityEventModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	out := make([]security.Record, len(models))
	for i := range models {
		out[i] = toEventRecord(&models[i])
	}
	return out, nil
}

type groupCount struct {
	Kind     string
	Severity string
	Count    int64
}

// Summary returns totals by kind and severity since the given time.
func (r *EventRepository) Summary(ctx context.Context, since time.Time) (*storage.Summary, error) {
	var rows []groupCount
	if err := r.db.WithContext(ctx).
		Model(&SecurityEventModel{}).
		Select("kind, severity, COUNT(*) AS count").
		Where("created_at >= ?", since.UTC()).
		Group("kind, severity").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("summarizing security events: %w", err)
	}

	sum := &storage.Summary{
		Since:      since,
		ByKind:     make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	for _, row := range rows {
		sum.Total += row.Count
		sum.ByKind[row.Kind] += row.Count
		sum.BySeverity[row.Severity] += row.Count
	}
	return sum, nil
}

// Trending compares [now-window, now) against [now-2*window, now-window).
func (r *EventRepository) Trending(ctx context.Context, window time.Duration, threshold float64) ([]storage.Trend, error) {
	if window <= 0 {
		return nil, fmt.Errorf("trending window must be positive, got %s", window)
	}
	now := r.now().UTC()
	current, err := r.countByKind(ctx, now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	previous, err := r.countByKind(ctx, now.Add(-2*window), now.Add(-window))
	if err != nil {
		return nil, err
	}
	return storage.TrendsFrom(current, previous, threshold), nil
}

func (r *EventRepository) countByKind(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	var rows []groupCount
	if err := r.db.WithContext(ctx).
		Model(&SecurityEventModel{}).
		Select("kind, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("kind").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting security events: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Kind] = row.Count
	}
	return counts, nil
}

// Cleanup deletes events created before olderThan.
func (r *EventRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", olderThan.UTC()).
		Delete(&SecurityEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting old security events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
