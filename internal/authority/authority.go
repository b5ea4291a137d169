// Package authority maintains the four E-E-A-T sub-scores and the composite
// Member Authority score. Sub-scores are bounded to [0,100]; the composite is
// their equally weighted combination scaled into [0,1000]. Every composite
// change is explained by an append-only authority_history row.
//
// The store performs no locking of its own: callers serialize per user (the
// engine holds a per-user lock around every mutation).
package authority

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

// Store manages sub-scores, the composite score, peer reviews and the
// authority history audit trail
type Store struct {
	db  *sql.DB
	cfg *config.Config
}

// NewStore creates a new authority store
func NewStore(db *sql.DB, cfg *config.Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// InitSchema creates the authority tables
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sub_scores (
		user_id TEXT NOT NULL,
		dimension TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 50,
		last_updated_at DATETIME NOT NULL,
		last_decayed_at DATETIME,
		PRIMARY KEY (user_id, dimension)
	);

	CREATE TABLE IF NOT EXISTS member_authority (
		user_id TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 500,
		calculated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS authority_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		previous_ma INTEGER NOT NULL,
		new_ma INTEGER NOT NULL,
		change_reason TEXT NOT NULL,
		related_task_id TEXT NOT NULL DEFAULT '',
		related_review_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_authority_history_user
		ON authority_history(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS peer_reviews (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		reviewer_id TEXT NOT NULL,
		reviewee_id TEXT NOT NULL,
		review_type TEXT NOT NULL,
		rating INTEGER,
		feedback TEXT NOT NULL DEFAULT '',
		authority_weight REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		applied INTEGER NOT NULL DEFAULT 0,
		applied_delta INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		finalize_after DATETIME NOT NULL,
		applied_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_peer_reviews_reviewee
		ON peer_reviews(reviewee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_peer_reviews_finalizable
		ON peer_reviews(status, applied, finalize_after);
	`

	_, err := s.db.Exec(schema)
	return err
}

// WeightFor normalizes a reviewer's Member Authority score into the
// [0.1,2.0] weight range. 500 - the composite of four neutral sub-scores -
// maps to 1.0, the average peer.
func WeightFor(memberAuthority int) float64 {
	w := float64(memberAuthority) / 500.0
	if w < core.WeightMin {
		return core.WeightMin
	}
	if w > core.WeightMax {
		return core.WeightMax
	}
	return w
}

// composite maps four [0,100] sub-scores onto the [0,1000] Member Authority
// range with equal weights
func composite(subs map[core.Dimension]*core.SubScore) int {
	sum := 0
	for _, dim := range core.Dimensions {
		sum += subs[dim].Value
	}
	// 2.5 points of composite per sub-score point, rounded half up
	return (sum*5 + 1) / 2
}

func clampSubScore(v int) int {
	if v < core.SubScoreMin {
		return core.SubScoreMin
	}
	if v > core.SubScoreMax {
		return core.SubScoreMax
	}
	return v
}

// MemberAuthority returns the current composite score for a user.
// Users with no history sit at the neutral 500.
func (s *Store) MemberAuthority(q storage.Queryer, userID core.UserID) (int, error) {
	var value int
	err := q.QueryRow(`
		SELECT value FROM member_authority WHERE user_id = ?
	`, userID).Scan(&value)

	if err == sql.ErrNoRows {
		return 500, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query member authority: %w", err)
	}

	return value, nil
}

// GetBreakdown returns the full authority snapshot for display
func (s *Store) GetBreakdown(userID core.UserID) (*core.AuthorityBreakdown, error) {
	subs, err := s.subScores(s.db, userID)
	if err != nil {
		return nil, err
	}

	breakdown := &core.AuthorityBreakdown{
		UserID:          userID,
		ExperienceScore: subs[core.DimExperience].Value,
		ExpertiseScore:  subs[core.DimExpertise].Value,
		AuthorityScore:  subs[core.DimAuthority].Value,
		TrustScore:      subs[core.DimTrust].Value,
		CalculatedAt:    time.Now().UTC(),
	}

	var calculatedAt sql.NullTime
	err = s.db.QueryRow(`
		SELECT value, calculated_at FROM member_authority WHERE user_id = ?
	`, userID).Scan(&breakdown.MemberAuthority, &calculatedAt)
	if err == sql.ErrNoRows {
		breakdown.MemberAuthority = composite(subs)
	} else if err != nil {
		return nil, fmt.Errorf("query member authority: %w", err)
	} else if calculatedAt.Valid {
		breakdown.CalculatedAt = calculatedAt.Time
	}

	return breakdown, nil
}

// History returns authority change records, most recent first
func (s *Store) History(userID core.UserID, limit int) ([]*core.AuthorityChange, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, previous_ma, new_ma, change_reason, related_task_id, related_review_id, created_at
		FROM authority_history
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query authority history: %w", err)
	}
	defer rows.Close()

	var changes []*core.AuthorityChange
	for rows.Next() {
		var change core.AuthorityChange
		err := rows.Scan(
			&change.ID, &change.UserID, &change.PreviousMA, &change.NewMA,
			&change.ChangeReason, &change.RelatedTaskID, &change.RelatedReviewID,
			&change.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan authority change: %w", err)
		}
		changes = append(changes, &change)
	}

	return changes, rows.Err()
}

// --- Internal helpers ---

// subScores loads all four sub-scores for a user, substituting neutral
// defaults for dimensions with no row yet. Nothing is persisted for
// untouched dimensions.
func (s *Store) subScores(q storage.Queryer, userID core.UserID) (map[core.Dimension]*core.SubScore, error) {
	subs := make(map[core.Dimension]*core.SubScore, len(core.Dimensions))
	for _, dim := range core.Dimensions {
		subs[dim] = &core.SubScore{
			UserID:    userID,
			Dimension: dim,
			Value:     core.SubScoreInitial,
		}
	}

	rows, err := q.Query(`
		SELECT dimension, value, last_updated_at, last_decayed_at
		FROM sub_scores WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sub scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dim core.Dimension
		var value int
		var updated time.Time
		var decayed sql.NullTime
		if err := rows.Scan(&dim, &value, &updated, &decayed); err != nil {
			return nil, fmt.Errorf("scan sub score: %w", err)
		}
		if sub, ok := subs[dim]; ok {
			sub.Value = value
			sub.LastUpdatedAt = updated
			if decayed.Valid {
				sub.LastDecayedAt = decayed.Time
			}
		}
	}

	return subs, rows.Err()
}

func (s *Store) saveSubScore(q storage.Queryer, sub *core.SubScore) error {
	var decayed interface{}
	if !sub.LastDecayedAt.IsZero() {
		decayed = sub.LastDecayedAt
	}

	_, err := q.Exec(`
		INSERT INTO sub_scores (user_id, dimension, value, last_updated_at, last_decayed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, dimension) DO UPDATE SET
			value = excluded.value,
			last_updated_at = excluded.last_updated_at,
			last_decayed_at = excluded.last_decayed_at
	`, sub.UserID, sub.Dimension, sub.Value, sub.LastUpdatedAt, decayed)
	if err != nil {
		return fmt.Errorf("save sub score: %w", err)
	}
	return nil
}

// recordChange recomputes the composite from subs, persists it, and appends
// the explaining history row. The member_authority row is never edited
// without a matching history entry.
func (s *Store) recordChange(q storage.Queryer, userID core.UserID, subs map[core.Dimension]*core.SubScore, reason, taskID string, reviewID core.ReviewID) error {
	previous, err := s.MemberAuthority(q, userID)
	if err != nil {
		return err
	}

	newMA := composite(subs)
	now := time.Now().UTC()

	_, err = q.Exec(`
		INSERT INTO member_authority (user_id, value, calculated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			value = excluded.value,
			calculated_at = excluded.calculated_at
	`, userID, newMA, now)
	if err != nil {
		return fmt.Errorf("save member authority: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO authority_history (id, user_id, previous_ma, new_ma, change_reason, related_task_id, related_review_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), userID, previous, newMA, reason, taskID, string(reviewID), now)
	if err != nil {
		return fmt.Errorf("append authority history: %w", err)
	}

	return nil
}

// ApplyTaskExperience folds task-completion volume into the Experience
// dimension. delta may be negative for a revoked completion.
func (s *Store) ApplyTaskExperience(q storage.Queryer, userID core.UserID, taskID string, delta int) error {
	subs, err := s.subScores(q, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sub := subs[core.DimExperience]
	sub.Value = clampSubScore(sub.Value + delta)
	sub.LastUpdatedAt = now
	if err := s.saveSubScore(q, sub); err != nil {
		return err
	}

	return s.recordChange(q, userID, subs, core.ReasonTaskCompleted, taskID, "")
}

// reviewDelta computes the signed per-dimension delta a review folds in:
// round(baseDelta x authorityWeight x sentimentSign)
func (s *Store) reviewDelta(review *core.PeerReview) (int, error) {
	baseDelta, ok := s.cfg.BaseDelta(review.ReviewType)
	if !ok {
		return 0, fmt.Errorf("%w: %q", core.ErrInvalidReviewType, review.ReviewType)
	}
	scaled := math.Round(float64(baseDelta) * review.AuthorityWeight)
	return int(scaled) * review.SentimentSign(), nil
}
