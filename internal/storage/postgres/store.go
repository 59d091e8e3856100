package postgres

import (
	"context"

	"github.com/jkaninda/labbox/internal/snapshot"
)

// Store implements snapshot.Backend backed by PostgreSQL.
type Store struct {
	*SnapshotRepository
	pgDB *DB
}

// NewStore wraps an open DB as a snapshot backend.
func NewStore(pgDB *DB) *Store {
	return &Store{
		SnapshotRepository: NewSnapshotRepository(pgDB.GormDB(), IsUniqueViolation),
		pgDB:               pgDB,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

// DB returns the wrapped connection.
func (s *Store) DB() *DB {
	return s.pgDB
}

var _ snapshot.Backend = (*Store)(nil)
