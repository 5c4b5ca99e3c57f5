// Package db implements the shard's SQLite persistence: player accounts
// with bcrypt password hashes and the session audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// pragmas applied to every opened database. Failures are logged, not
// fatal: a read-only filesystem may refuse WAL and still work.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

// Database is a single-writer SQLite handle. Writes are serialised by mu;
// reads go straight to the pool.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewDatabase opens path, creating the file and its directory on first use.
func NewDatabase(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			log.Warn().Err(err).Str("pragma", p).Msg("failed to apply pragma")
		}
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return &Database{db: conn, path: path}, nil
}

// Migrate runs schema statements in one transaction. Statements must be
// idempotent (CREATE ... IF NOT EXISTS).
func (d *Database) Migrate(statements ...string) error {
	return d.Transaction(func(tx *sql.Tx) error {
		for i, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration step %d failed: %w", i, err)
			}
		}
		return nil
	})
}

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a write statement.
func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

func (d *Database) Query(query string, args ...any) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

func (d *Database) QueryRow(query string, args ...any) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction runs fn inside a transaction, rolling back when it fails.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
