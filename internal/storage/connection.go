// Package storage provides the durable ticket store and audit log backed by
// PostgreSQL, plus an in-memory implementation for tests and local runs.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	// connectTimeout bounds the initial connectivity check.
	connectTimeout = 10 * time.Second

	// healthCheckTimeout bounds readiness probe pings.
	healthCheckTimeout = 5 * time.Second
)

// ErrNilConfig is returned when a nil config is passed to NewConnection.
var ErrNilConfig = errors.New("storage config cannot be nil")

// Connection wraps a pooled database handle with configured limits.
// Safe for concurrent use; database/sql manages the pool internally.
type Connection struct {
	db *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity
// before returning. The caller owns the connection and must Close it.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to connect to database at %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return &Connection{db: db}, nil
}

// NewConnectionFromDB wraps an existing database handle. Used by tests that
// manage their own container lifecycle.
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// ExecContext executes a statement that returns no rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the database is reachable. Used by readiness probes.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	return c.db.Close()
}
