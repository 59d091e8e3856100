// Package postgres implements the snapshot backend on PostgreSQL using GORM.
// The models and repository are shared with the SQLite backend; domain types
// stay ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection and pool. Zero values take the
// defaults applied by withDefaults.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m

	// ConnectRetries is how many times the first ping is retried, so labbox
	// can start alongside its database. Default: 5.
	ConnectRetries int
	// ConnectBackoff is the wait before the first retry; it doubles per
	// attempt. Default: 1s.
	ConnectBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	return c
}

// DB wraps a GORM database connection with health check and lifecycle methods.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, waits for it to answer, configures the pool
// and migrates the snapshot tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg = cfg.withDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.New(SlogAdapter{slogger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pg := &DB{gormDB: db, logger: slogger}
	if err := pg.waitReady(cfg.ConnectRetries, cfg.ConnectBackoff); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating snapshot tables: %w", err)
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return pg, nil
}

// waitReady pings until the server answers or the retries run out.
func (d *DB) waitReady(retries int, backoff time.Duration) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = d.Ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == retries {
			break
		}
		d.logger.Warn("postgres not ready, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("postgres unreachable after %d attempts: %w", retries+1, err)
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the database connection for health/readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the snapshot tables. The SQLite backend runs it
// on its own connection.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CommitModel{},
		&BranchModel{},
	)
}

// SlogAdapter routes GORM's logger.Writer output to slog.
type SlogAdapter struct {
	Logger *slog.Logger
}

func (s SlogAdapter) Printf(format string, args ...any) {
	s.Logger.Info(fmt.Sprintf(format, args...))
}
