// Package storage provides persistence for the reputation engine.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/teamgrid/reputation/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies any schema migrations not yet recorded in _migrations.
// Files run in lexical order; each file runs in its own transaction together
// with the row that marks it applied.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	pending, err := db.pendingMigrations()
	if err != nil {
		return err
	}

	for _, m := range pending {
		err := db.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.content); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO _migrations (name) VALUES (?)", m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		logging.Debug("applied migration: %s", m.name)
	}

	return nil
}

type migration struct {
	name    string
	content string
}

// pendingMigrations returns the embedded migrations not yet applied,
// sorted by filename (which begins with a sequence number)
func (db *DB) pendingMigrations() ([]migration, error) {
	rows, err := db.conn.Query("SELECT name FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var pending []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") || applied[entry.Name()] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		pending = append(pending, migration{name: entry.Name(), content: string(content)})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].name < pending[j].name })

	return pending, nil
}
