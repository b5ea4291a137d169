// Package ledger provides the append-only activity ledger.
// Every point-bearing event is hash-chained to the previous entry, making any
// tampering with the scoring history detectable. The ledger is the source of
// truth for all derived numbers: progression, sub-scores and badges can be
// recomputed from it at any time.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

const genesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Store manages the append-only activity ledger
type Store struct {
	db  *sql.DB
	cfg *config.Config
	mu  sync.Mutex // serializes appends; the hash chain is global, not per-user
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB, cfg *config.Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Append records a new activity event. It is the ONLY way to add events.
// The activity type must exist in the configured point table, and types
// declared at-most-once are rejected as duplicates when an event with the
// same (user, type, related entity) natural key already exists.
func (s *Store) Append(q storage.Queryer, userID core.UserID, activityType core.ActivityType, relatedEntityID string, occurredAt time.Time) (*core.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == "" {
		return nil, core.ErrMissingUserID
	}

	points, ok := s.cfg.PointValue(activityType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidActivityType, activityType)
	}

	if activityType.AtMostOnce() {
		var count int
		err := q.QueryRow(`
			SELECT COUNT(*) FROM activity_events
			WHERE user_id = ? AND activity_type = ? AND related_entity_id = ?
		`, userID, activityType, relatedEntityID).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("check duplicate: %w", err)
		}
		if count > 0 {
			return nil, fmt.Errorf("%w: %s/%s/%s", core.ErrDuplicateEvent, userID, activityType, relatedEntityID)
		}
	}

	prevHash, err := s.lastHash(q)
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &core.ActivityEvent{
		ID:              core.EventID(uuid.New().String()),
		UserID:          userID,
		ActivityType:    activityType,
		PointValue:      points,
		RelatedEntityID: relatedEntityID,
		OccurredAt:      occurredAt.UTC(),
		PrevHash:        prevHash,
	}
	event.Hash = computeHash(event)

	_, err = q.Exec(`
		INSERT INTO activity_events (id, user_id, activity_type, point_value, related_entity_id, occurred_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.UserID, event.ActivityType, event.PointValue,
		event.RelatedEntityID, event.OccurredAt, event.PrevHash, event.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert activity event: %w", err)
	}

	return event, nil
}

// lastHash returns the hash of the most recently appended event.
// Chain order is insertion order (rowid), not occurred_at: callers may
// backfill events with earlier timestamps, and appends within one clock
// tick would otherwise tie.
func (s *Store) lastHash(q storage.Queryer) (string, error) {
	var hash sql.NullString
	err := q.QueryRow(`
		SELECT hash FROM activity_events ORDER BY rowid DESC LIMIT 1
	`).Scan(&hash)

	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}

	return hash.String, nil
}

// computeHash creates the SHA-256 hash of an event's canonical representation
func computeHash(event *core.ActivityEvent) string {
	canonical := struct {
		ID              core.EventID      `json:"id"`
		UserID          core.UserID       `json:"user_id"`
		ActivityType    core.ActivityType `json:"activity_type"`
		PointValue      int               `json:"point_value"`
		RelatedEntityID string            `json:"related_entity_id"`
		OccurredAt      time.Time         `json:"occurred_at"`
		PrevHash        string            `json:"prev_hash"`
	}{
		ID:              event.ID,
		UserID:          event.UserID,
		ActivityType:    event.ActivityType,
		PointValue:      event.PointValue,
		RelatedEntityID: event.RelatedEntityID,
		OccurredAt:      event.OccurredAt,
		PrevHash:        event.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ListSince returns a user's events at or after the given time, ordered by
// occurred_at with insertion order breaking ties
func (s *Store) ListSince(userID core.UserID, since time.Time) ([]*core.ActivityEvent, error) {
	return s.list(s.db, `
		SELECT id, user_id, activity_type, point_value, related_entity_id, occurred_at, prev_hash, hash
		FROM activity_events
		WHERE user_id = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC, rowid ASC
	`, userID, since.UTC())
}

// ListAll returns every event for a user in ledger (insertion) order
func (s *Store) ListAll(q storage.Queryer, userID core.UserID) ([]*core.ActivityEvent, error) {
	return s.list(q, `
		SELECT id, user_id, activity_type, point_value, related_entity_id, occurred_at, prev_hash, hash
		FROM activity_events
		WHERE user_id = ?
		ORDER BY rowid ASC
	`, userID)
}

func (s *Store) list(q storage.Queryer, query string, args ...interface{}) ([]*core.ActivityEvent, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}
	defer rows.Close()

	var events []*core.ActivityEvent
	for rows.Next() {
		var event core.ActivityEvent
		err := rows.Scan(
			&event.ID, &event.UserID, &event.ActivityType, &event.PointValue,
			&event.RelatedEntityID, &event.OccurredAt, &event.PrevHash, &event.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		events = append(events, &event)
	}

	return events, rows.Err()
}

// CountByType returns how many events of the given types a user has
func (s *Store) CountByType(q storage.Queryer, userID core.UserID, types ...core.ActivityType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}

	query := "SELECT COUNT(*) FROM activity_events WHERE user_id = ? AND activity_type IN (?" +
		repeatPlaceholder(len(types)-1) + ")"
	args := make([]interface{}, 0, len(types)+1)
	args = append(args, userID)
	for _, t := range types {
		args = append(args, t)
	}

	var count int
	err := q.QueryRow(query, args...).Scan(&count)
	return count, err
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// LoginDays returns the distinct days (YYYY-MM-DD, most recent first) on
// which the user recorded a daily_login event. Login events carry the day as
// their related entity, which also makes them at-most-once per day.
func (s *Store) LoginDays(q storage.Queryer, userID core.UserID) ([]string, error) {
	rows, err := q.Query(`
		SELECT DISTINCT related_entity_id FROM activity_events
		WHERE user_id = ? AND activity_type = ?
		ORDER BY related_entity_id DESC
	`, userID, core.ActivityDailyLogin)
	if err != nil {
		return nil, fmt.Errorf("query login days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}

	return days, rows.Err()
}

// Count returns the total number of events in the ledger
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activity_events").Scan(&count)
	return count, err
}

// VerifyChain verifies the integrity of the entire ledger chain, walking
// it in insertion order (the order Append linked it in).
// Returns nil if valid, or an error describing the first broken link.
func (s *Store) VerifyChain() error {
	rows, err := s.db.Query(`
		SELECT id, user_id, activity_type, point_value, related_entity_id, occurred_at, prev_hash, hash
		FROM activity_events ORDER BY rowid ASC
	`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := genesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		var event core.ActivityEvent
		err := rows.Scan(
			&event.ID, &event.UserID, &event.ActivityType, &event.PointValue,
			&event.RelatedEntityID, &event.OccurredAt, &event.PrevHash, &event.Hash,
		)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if event.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EventID:      event.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   event.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(&event)
		if event.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EventID:      event.ID,
				ExpectedHash: expectedHash,
				ActualHash:   event.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = event.Hash
	}

	return rows.Err()
}

// ChainError represents a broken chain error
type ChainError struct {
	EntryNum     int
	EventID      core.EventID
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EventID, shorten(e.ExpectedHash), shorten(e.ActualHash))
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EventID, shorten(e.ExpectedHash), shorten(e.ActualHash))
}

func shorten(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16] + "..."
}
