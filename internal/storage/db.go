// Package storage persists canonical batches into the TimescaleDB
// hypertables and tracks chunk-level ingestion progress. All writes are
// idempotent: uniqueness constraints on each table's natural key plus
// ON CONFLICT DO NOTHING make re-runs safe.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/config"
)

// DB owns the connection pool shared by the loader, progress tracker and
// query builder. Initialized once at startup, closed on shutdown.
type DB struct {
	pool *sqlx.DB
	cfg  config.Database
	log  zerolog.Logger
}

// Open connects, configures the pool and verifies reachability. The
// schema-column self-check runs here so a mapping defect refuses startup
// instead of surfacing at first insert.
func Open(ctx context.Context, cfg config.Database, log zerolog.Logger) (*DB, error) {
	if err := SelfCheck(); err != nil {
		return nil, err
	}

	pool, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &DB{
		pool: pool,
		cfg:  cfg,
		log:  log.With().Str("component", "storage").Logger(),
	}, nil
}

// Pool exposes the underlying pool for the query builder.
func (d *DB) Pool() *sqlx.DB { return d.pool }

// Ping probes connectivity, used by the status command.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.pool.PingContext(ctx)
}

// Close tears down the pool.
func (d *DB) Close() error {
	if d.pool == nil {
		return nil
	}
	return d.pool.Close()
}
