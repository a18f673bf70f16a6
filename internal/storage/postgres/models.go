package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/warden/internal/security"
)

// SecurityEventModel maps to the "security_events" table.
// No UpdatedAt or DeletedAt: rows are append-only until retention removes them.
type SecurityEventModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"not null;index:idx_security_events_kind_created,priority:1"`
	Severity  string    `gorm:"not null;index"`
	Context   string    `gorm:"type:text;not null;default:'{}'"`
	Hash      string    `gorm:"not null;index;size:64"`
	CreatedAt time.Time `gorm:"not null;index;index:idx_security_events_kind_created,priority:2"`
}

func (SecurityEventModel) TableName() string { return "security_events" }

func toEventModel(rec security.Record) (SecurityEventModel, error) {
	ctx := rec.Context
	if ctx == nil {
		ctx = map[string]string{}
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return SecurityEventModel{}, fmt.Errorf("encoding event context: %w", err)
	}
	created := rec.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	return SecurityEventModel{
		ID:        rec.ID,
		Kind:      string(rec.Kind),
		Severity:  rec.Severity,
		Context:   string(data),
		Hash:      rec.Hash,
		CreatedAt: created.UTC(),
	}, nil
}

func toEventRecord(m *SecurityEventModel) security.Record {
	var ctx map[string]string
	_ = json.Unmarshal([]byte(m.Context), &ctx)
	return security.Record{
		ID:        m.ID,
		Kind:      security.EventKind(m.Kind),
		Severity:  m.Severity,
		Context:   ctx,
		Timestamp: m.CreatedAt,
		Hash:      m.Hash,
	}
}
