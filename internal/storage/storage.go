// Package storage defines the persistence contract consumed by the job
// queue and key rotation subsystems (§6.1 C2) and a process-wide write
// mutex that compensates for storage engines without concurrent-writer
// support, exactly as the design calls for.
package storage

import (
	"context"
	"database/sql"
	"sync"
)

// DB wraps a *sql.DB with the dialect tag services need to build portable
// SQL, plus the single write-mutex the design requires at the service
// layer: claim/enqueue/complete/fail/cancel/reset all serialize through it
// so that engines without multi-writer MVCC (SQLite) behave safely, while
// Postgres's own CAS semantics make the mutex merely a belt-and-braces
// simplification there.
type DB struct {
	*sql.DB
	Dialect Dialect

	writeMu sync.Mutex
}

// Dialect distinguishes the two supported backends. Query text is written
// once using Postgres-style "$N" placeholders in strictly increasing
// textual order; DB.Rewrite adapts it for SQLite.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// WithWriteLock runs fn while holding the process-wide write mutex,
// releasing it on every exit path including panics — the Go equivalent of
// the scoped "using" blocks the design calls for around every lock
// acquisition (see design notes on scoped cleanup).
func (d *DB) WithWriteLock(fn func() error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return fn()
}

// Rewrite adapts a query written with Postgres-style "$1", "$2", ...
// placeholders (in strictly increasing textual order, matching the order
// of the args slice) for the active dialect.
func (d *DB) Rewrite(query string) string {
	if d.Dialect == DialectSQLite {
		return sqlitePlaceholders.ReplaceAllString(query, "?")
	}
	return query
}

// Tx begins a transaction, calls fn, and commits or rolls back depending
// on whether fn returns an error. Nesting is forbidden, matching the
// store contract in §6.1.
func (d *DB) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
