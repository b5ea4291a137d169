// Package storage provides persistence for the reputation engine.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection used by all stores
type DB struct {
	conn     *sql.DB
	path     string
	isMemory bool
}

// Config for database initialization
type Config struct {
	Path     string // database file location
	InMemory bool   // shared in-memory database, used by tests
}

// Open opens or creates the reputation database.
// The connection pool is capped at a single connection: every scoring
// mutation runs in a transaction, and a single writer keeps the activity
// ledger's hash chain linear without row-level coordination.
func Open(cfg Config) (*DB, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &DB{conn: conn, path: cfg.Path, isMemory: cfg.InMemory}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for direct access
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Transaction runs fn in a transaction, rolling back if fn returns an error
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
