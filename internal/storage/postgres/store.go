package postgres

import (
	"context"
	"fmt"

	"github.com/jkaninda/warden/internal/storage"
)

// Store implements storage.EventStore backed by PostgreSQL.
type Store struct {
	*EventRepository
	pgDB *DB
}

var _ storage.EventStore = (*Store)(nil)

// NewStore wraps an existing DB as an EventStore.
func NewStore(pgDB *DB) *Store {
	return &Store{
		EventRepository: NewEventRepository(pgDB.GormDB()),
		pgDB:            pgDB,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.pgDB.GormDB().WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating security_events: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the wrapped connection.
func (s *Store) DB() *DB {
	return s.pgDB
}
