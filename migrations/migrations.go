// Package migrations embeds the SQL schema so the migrate tool and the
// integration tests apply the same files.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// FS holds the golang-migrate up/down pairs
//
//go:embed *.sql
var FS embed.FS

// TableName is the version tracking table
const TableName = "schema_migrations"

// New builds a migrator over db using the embedded files
func New(db *sql.DB, lockTimeout time.Duration) (*migrate.Migrate, error) {
	source, err := iofs.New(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: TableName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = lockTimeout
	return m, nil
}

// Up applies every pending migration; an up-to-date schema is not an error
func Up(db *sql.DB) error {
	m, err := New(db, time.Minute)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
