package badges

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/ledger"
	"github.com/teamgrid/reputation/internal/progression"
	"github.com/teamgrid/reputation/internal/testutil"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			point_value INTEGER NOT NULL,
			related_entity_id TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_progression (
			user_id TEXT PRIMARY KEY,
			experience_points INTEGER NOT NULL DEFAULT 0,
			current_level INTEGER NOT NULL DEFAULT 1,
			last_recomputed_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_badge_awards (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			badge_type TEXT NOT NULL,
			awarded_at DATETIME NOT NULL,
			UNIQUE(user_id, badge_type)
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	return db
}

func testEvaluator(t *testing.T) (*Evaluator, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	cfg := config.Default()

	auth := authority.NewStore(db, cfg)
	if err := auth.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	ld := ledger.NewStore(db, cfg)
	prog := progression.NewStore(db)
	return NewEvaluator(db, cfg, ld, prog, auth), db
}

func completeTasks(t *testing.T, e *Evaluator, db *sql.DB, userID core.UserID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.ledger.Append(db, userID, core.ActivityTaskCompleted, fmt.Sprintf("task-%d", i), time.Now())
		if err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}
	}
}

func TestEvaluator_TaskCountBadges(t *testing.T) {
	eval, db := testEvaluator(t)

	completeTasks(t, eval, db, "u1", 9)
	awarded, err := eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatalf("EvaluateUser() error = %v", err)
	}
	for _, a := range awarded {
		if a.BadgeType == "task_novice" {
			t.Error("task_novice awarded below its threshold")
		}
	}

	completeTasks(t, eval, db, "u1", 1)
	awarded, err = eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, a := range awarded {
		if a.BadgeType == "task_novice" {
			found = true
		}
	}
	if !found {
		t.Error("task_novice should unlock at 10 completions")
	}
}

func TestEvaluator_Idempotent(t *testing.T) {
	eval, db := testEvaluator(t)

	completeTasks(t, eval, db, "u1", 10)
	first, err := eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatal("expected at least one fresh award")
	}

	// Second pass over the same state awards nothing new
	second, err := eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("re-evaluation produced %d awards, want 0", len(second))
	}

	awards, err := eval.Awards("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(awards) != len(first) {
		t.Errorf("stored awards = %d, want %d", len(awards), len(first))
	}
}

func TestEvaluator_AwardsArePermanent(t *testing.T) {
	eval, db := testEvaluator(t)

	completeTasks(t, eval, db, "u1", 10)
	if _, err := eval.EvaluateUser(db, "u1"); err != nil {
		t.Fatal(err)
	}

	// Revocations drop the metric below threshold; the badge stays
	for i := 0; i < 3; i++ {
		_, err := eval.ledger.Append(db, "u1", core.ActivityTaskCompletionRevoked, fmt.Sprintf("task-%d", i), time.Now())
		if err != nil {
			t.Fatal(err)
		}
	}

	if _, err := eval.EvaluateUser(db, "u1"); err != nil {
		t.Fatal(err)
	}
	awards, _ := eval.Awards("u1")

	found := false
	for _, a := range awards {
		if a.BadgeType == "task_novice" {
			found = true
		}
	}
	if !found {
		t.Error("earned badge should survive metric dropping below threshold")
	}
}

func TestEvaluator_LevelAndAuthorityBadges(t *testing.T) {
	eval, db := testEvaluator(t)

	// 1500 XP puts the user at level 6
	if _, err := eval.progression.Apply(db, "u1", 1500); err != nil {
		t.Fatal(err)
	}

	awarded, err := eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}

	types := map[string]bool{}
	for _, a := range awarded {
		types[a.BadgeType] = true
	}
	if !types["level_5"] {
		t.Error("level_5 should unlock at level 5")
	}
	if types["level_10"] {
		t.Error("level_10 should not unlock at level 5")
	}
	// A fresh user sits at the neutral 500, which meets trusted_member
	if !types["trusted_member"] {
		t.Error("trusted_member should unlock at authority 500")
	}
	if types["pillar"] {
		t.Error("pillar should not unlock at authority 500")
	}
}

func TestCurrentStreak(t *testing.T) {
	tests := []struct {
		name string
		days []string
		want int
	}{
		{"empty", nil, 0},
		{"single day", []string{"2026-03-10"}, 1},
		{"consecutive", []string{"2026-03-10", "2026-03-09", "2026-03-08"}, 3},
		{"gap breaks streak", []string{"2026-03-10", "2026-03-09", "2026-03-07"}, 2},
		{"month boundary", []string{"2026-03-01", "2026-02-28"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := currentStreak(tt.days); got != tt.want {
				t.Errorf("currentStreak() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEvaluator_LoginStreakBadge(t *testing.T) {
	eval, db := testEvaluator(t)

	// Seven consecutive daily logins, keyed by day
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		day := base.AddDate(0, 0, i)
		_, err := eval.ledger.Append(db, "u1", core.ActivityDailyLogin, day.Format("2006-01-02"), day)
		if err != nil {
			t.Fatal(err)
		}
	}

	awarded, err := eval.EvaluateUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, a := range awarded {
		if a.BadgeType == "week_streak" {
			found = true
		}
	}
	if !found {
		t.Error("week_streak should unlock after 7 consecutive login days")
	}
}

func TestEvaluator_InsideTransaction(t *testing.T) {
	// The engine evaluates badges mid-transaction on a pool capped at one
	// connection. Every metric read has to go through the transaction; a
	// read against the pool would wait on the connection the transaction
	// itself holds and never return.
	db := testutil.TestDB(t)
	cfg := config.Default()

	auth := authority.NewStore(db.Conn(), cfg)
	ld := ledger.NewStore(db.Conn(), cfg)
	prog := progression.NewStore(db.Conn())
	eval := NewEvaluator(db.Conn(), cfg, ld, prog, auth)

	done := make(chan error, 1)
	go func() {
		done <- db.Transaction(func(tx *sql.Tx) error {
			awarded, err := eval.EvaluateUser(tx, "tx-u1")
			if err != nil {
				return err
			}
			// A fresh user sits at neutral authority, which clears the
			// trusted_member threshold
			for _, a := range awarded {
				if a.BadgeType == "trusted_member" {
					return nil
				}
			}
			return fmt.Errorf("trusted_member not awarded: %v", awarded)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EvaluateUser inside transaction: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("EvaluateUser blocked inside transaction")
	}
}
