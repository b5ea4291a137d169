package storage

import (
	"database/sql"
	"errors"
	"testing"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// =============================================================================
// DB Tests
// =============================================================================

func TestDB_Open_InMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.conn == nil {
		t.Error("db.conn should not be nil")
	}
	if !db.isMemory {
		t.Error("db.isMemory should be true for in-memory database")
	}
}

func TestDB_Open_File(t *testing.T) {
	tmpDir := t.TempDir()
	path := tmpDir + "/test.db"

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.isMemory {
		t.Error("db.isMemory should be false for file database")
	}
	if db.path != path {
		t.Errorf("db.path = %v, want %v", db.path, path)
	}
}

func TestDB_Migrate_CreatesCoreTables(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{
		"activity_events", "user_progression",
		"grace_period_requests", "user_badge_awards",
	} {
		var count int
		err := db.Conn().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil || count != 1 {
			t.Errorf("table %s not created", table)
		}
	}
}

func TestDB_Migrate_Idempotent(t *testing.T) {
	db := testDB(t)

	// A second run must be a no-op
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestDB_Transaction_Commit(t *testing.T) {
	db := testDB(t)

	err := db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO user_progression (user_id, experience_points, current_level, last_recomputed_at)
			VALUES ('u1', 100, 2, CURRENT_TIMESTAMP)
		`)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	var xp int
	if err := db.Conn().QueryRow(
		"SELECT experience_points FROM user_progression WHERE user_id = 'u1'",
	).Scan(&xp); err != nil {
		t.Fatalf("row not committed: %v", err)
	}
	if xp != 100 {
		t.Errorf("experience_points = %d, want 100", xp)
	}
}

func TestDB_Transaction_RollbackOnError(t *testing.T) {
	db := testDB(t)

	boom := errors.New("boom")
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO user_progression (user_id, experience_points, current_level, last_recomputed_at)
			VALUES ('u1', 100, 2, CURRENT_TIMESTAMP)
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() error = %v, want boom", err)
	}

	var count int
	db.Conn().QueryRow("SELECT COUNT(*) FROM user_progression").Scan(&count)
	if count != 0 {
		t.Error("transaction should have rolled back")
	}
}

func TestDB_BadgeAwardUniqueness(t *testing.T) {
	db := testDB(t)

	insert := `
		INSERT INTO user_badge_awards (id, user_id, badge_type, awarded_at)
		VALUES (?, 'u1', 'task_novice', CURRENT_TIMESTAMP)
	`
	if _, err := db.Conn().Exec(insert, "a1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Conn().Exec(insert, "a2"); err == nil {
		t.Error("duplicate (user, badge) insert should violate uniqueness")
	}
}
