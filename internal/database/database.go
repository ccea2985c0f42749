// Package database opens the PostgreSQL pool shared by the commands. The pgx
// pool serves the lockout and block statements; the sqlx handle wraps the
// same pool for the audit and report queries.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/ipam/backend/internal/config"
)

// PoolOptions sizes the connection pool
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// ServerPool is the sizing used by the API server
var ServerPool = PoolOptions{MaxConns: 50, MinConns: 5}

// ToolPool is the sizing used by the one-shot commands
var ToolPool = PoolOptions{MaxConns: 4, MinConns: 0}

// DB bundles the pool with its sqlx view
type DB struct {
	Pool *pgxpool.Pool
	SQLX *sqlx.DB
}

// Open creates the pool and verifies connectivity
func Open(ctx context.Context, cfg config.DatabaseConfig, opts PoolOptions, logger *slog.Logger) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = opts.MaxConns
	poolConfig.MinConns = opts.MinConns
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database",
		slog.String("database", cfg.DBName),
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
	)

	return &DB{
		Pool: pool,
		SQLX: sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
	}, nil
}

// Close releases the sqlx handle and then the pool
func (d *DB) Close() {
	_ = d.SQLX.Close()
	d.Pool.Close()
}
