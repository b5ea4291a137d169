// Package testutil provides shared testing utilities for the reputation
// engine.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/storage"
)

// TestDB creates a fully migrated in-memory database for testing.
// The database is automatically closed when the test completes.
func TestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	auth := authority.NewStore(db.Conn(), config.Default())
	if err := auth.InitSchema(); err != nil {
		t.Fatalf("init authority schema: %v", err)
	}

	return db
}

// TestContext returns a context with a timeout for tests.
// The context is automatically cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

