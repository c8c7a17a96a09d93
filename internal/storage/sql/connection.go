// Package sql wires database/sql drivers and goose migrations to the
// storage.DB abstraction consumed by the queue, processor, and rotation
// services.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/devhollow/taskqueue/internal/storage"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver          string // "pgx" for PostgreSQL, "sqlite" for SQLite
	DSN             string // Data Source Name / connection string
	MaxOpenConns    int    // Maximum open connections (default: 25)
	MaxIdleConns    int    // Maximum idle connections (default: 5)
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore opens a database connection, applies embedded migrations for the
// selected dialect, and returns a *storage.DB ready for the repository layer.
func NewStore(ctx context.Context, cfg DBConfig) (*storage.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = 1 * time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dialect := storage.DialectSQLite
	if cfg.Driver == "pgx" {
		dialect = storage.DialectPostgres
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage.New(db, dialect), nil
}

// runMigrations applies the embedded migration set matching dialect using
// goose. Postgres and SQLite carry independent migration trees since their
// column types diverge (BYTEA/TIMESTAMPTZ vs BLOB/DATETIME).
func runMigrations(db *sql.DB, dialect storage.Dialect) error {
	if dialect == storage.DialectPostgres {
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("failed to set goose dialect: %w", err)
		}
		goose.SetBaseFS(postgresMigrations)
		if err := goose.Up(db, "migrations/postgres"); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	}

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(sqliteMigrations)
	if err := goose.Up(db, "migrations/sqlite"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NewPostgresStore creates a PostgreSQL-backed store with default connection pool settings.
func NewPostgresStore(ctx context.Context, connString string) (*storage.DB, error) {
	return NewStore(ctx, DBConfig{
		Driver: "pgx",
		DSN:    connString,
	})
}

// NewPostgresStoreWithConfig creates a PostgreSQL-backed store with custom connection pool settings.
func NewPostgresStoreWithConfig(ctx context.Context, connString string, poolConfig DBConfig) (*storage.DB, error) {
	poolConfig.Driver = "pgx"
	poolConfig.DSN = connString
	return NewStore(ctx, poolConfig)
}

// NewSQLiteStore creates a SQLite-backed store with default connection pool settings.
func NewSQLiteStore(ctx context.Context, dbPath string) (*storage.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	return NewStore(ctx, DBConfig{
		Driver: "sqlite",
		DSN:    dsn,
	})
}

// NewSQLiteStoreWithConfig creates a SQLite-backed store with custom connection pool settings.
func NewSQLiteStoreWithConfig(ctx context.Context, dbPath string, poolConfig DBConfig) (*storage.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	poolConfig.Driver = "sqlite"
	poolConfig.DSN = dsn
	return NewStore(ctx, poolConfig)
}
