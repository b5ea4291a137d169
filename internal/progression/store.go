package progression

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

// Store maintains the derived user_progression rows
type Store struct {
	db *sql.DB
}

// NewStore creates a new progression store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the progression state for a user. Users with no recorded
// activity are level 1 with zero experience.
func (s *Store) Get(userID core.UserID) (*core.ProgressionState, error) {
	return s.get(s.db, userID)
}

// GetTx reads the state through the caller's transaction or connection.
// The engine runs on a single-connection pool, so a read issued mid-
// transaction must go through the transaction rather than the pool.
func (s *Store) GetTx(q storage.Queryer, userID core.UserID) (*core.ProgressionState, error) {
	return s.get(q, userID)
}

func (s *Store) get(q storage.Queryer, userID core.UserID) (*core.ProgressionState, error) {
	state := &core.ProgressionState{UserID: userID, CurrentLevel: 1}

	err := q.QueryRow(`
		SELECT experience_points, current_level, last_recomputed_at
		FROM user_progression WHERE user_id = ?
	`, userID).Scan(&state.ExperiencePoints, &state.CurrentLevel, &state.LastRecomputedAt)

	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query progression: %w", err)
	}

	return state, nil
}

// Apply adds points to a user's experience and recomputes the level.
// Experience is clamped at zero: compensating negative events can reduce it,
// but it never goes below "never contributed".
func (s *Store) Apply(q storage.Queryer, userID core.UserID, points int) (*core.ProgressionState, error) {
	state, err := s.get(q, userID)
	if err != nil {
		return nil, err
	}

	state.ExperiencePoints += points
	if state.ExperiencePoints < 0 {
		state.ExperiencePoints = 0
	}
	state.CurrentLevel = LevelOf(state.ExperiencePoints)
	state.LastRecomputedAt = time.Now().UTC()

	if err := s.save(q, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Rebuild recomputes a user's progression from scratch by replaying the
// ledger. The result must match the incrementally maintained state; the
// replay applies the same clamp-at-zero rule event by event.
func (s *Store) Rebuild(q storage.Queryer, userID core.UserID, events []*core.ActivityEvent) (*core.ProgressionState, error) {
	xp := 0
	for _, event := range events {
		xp += event.PointValue
		if xp < 0 {
			xp = 0
		}
	}

	state := &core.ProgressionState{
		UserID:           userID,
		ExperiencePoints: xp,
		CurrentLevel:     LevelOf(xp),
		LastRecomputedAt: time.Now().UTC(),
	}

	if err := s.save(q, state); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *Store) save(q storage.Queryer, state *core.ProgressionState) error {
	_, err := q.Exec(`
		INSERT INTO user_progression (user_id, experience_points, current_level, last_recomputed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			experience_points = excluded.experience_points,
			current_level = excluded.current_level,
			last_recomputed_at = excluded.last_recomputed_at
	`, state.UserID, state.ExperiencePoints, state.CurrentLevel, state.LastRecomputedAt)
	if err != nil {
		return fmt.Errorf("save progression: %w", err)
	}
	return nil
}
