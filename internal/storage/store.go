// Package storage selects the snapshot persistence backend. Three drivers are
// provided: filesystem (default, zero-config), SQLite (single file) and
// PostgreSQL (shared, production).
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/labbox/internal/config"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/storage/filesystem"
	"github.com/jkaninda/labbox/internal/storage/postgres"
	"github.com/jkaninda/labbox/internal/storage/sqlite"
)

// Open builds the backend named by cfg.Storage.Driver.
func Open(cfg *config.Config, logger *slog.Logger) (snapshot.Backend, error) {
	driver := cfg.StorageDriverName()
	logger = logger.With(slog.String("driver", driver))

	switch driver {
	case config.DriverFilesystem:
		return filesystem.Open(cfg.HistoryDir(), logger)

	case config.DriverSQLite:
		sc := sqlite.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sc.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlite.Open(sc, logger)

	case config.DriverPostgres:
		if cfg.Storage == nil || cfg.Storage.Postgres == nil {
			return nil, fmt.Errorf("postgres storage selected but storage.postgres is not configured")
		}
		pc := cfg.Storage.Postgres
		db, err := postgres.Open(postgres.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
			ConnectRetries:  pc.ConnectRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
