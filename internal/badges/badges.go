// Package badges evaluates the configured badge catalog against a user's
// aggregate metrics and records unlocks. Awards are permanent: once granted
// a badge is never revoked, even if the underlying metric later falls below
// the threshold. The database enforces at most one award per (user, badge).
package badges

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/ledger"
	"github.com/teamgrid/reputation/internal/logging"
	"github.com/teamgrid/reputation/internal/progression"
	"github.com/teamgrid/reputation/internal/storage"
)

// Evaluator checks badge thresholds after score-changing operations
type Evaluator struct {
	db          *sql.DB
	cfg         *config.Config
	ledger      *ledger.Store
	progression *progression.Store
	authority   *authority.Store
	logger      *logging.Logger
}

// NewEvaluator creates a badge evaluator backed by the given stores
func NewEvaluator(db *sql.DB, cfg *config.Config, ld *ledger.Store, prog *progression.Store, auth *authority.Store) *Evaluator {
	return &Evaluator{
		db:          db,
		cfg:         cfg,
		ledger:      ld,
		progression: prog,
		authority:   auth,
		logger:      logging.WithField("component", "badges"),
	}
}

// EvaluateUser computes the user's current metrics, awards every catalog
// badge whose threshold is newly met, and returns the fresh awards.
// Safe to call repeatedly: existing awards are left untouched.
func (e *Evaluator) EvaluateUser(q storage.Queryer, userID core.UserID) ([]*core.BadgeAward, error) {
	metrics, err := e.metrics(q, userID)
	if err != nil {
		return nil, err
	}

	var awarded []*core.BadgeAward
	for _, badge := range e.cfg.Badges {
		value, ok := metrics[badge.Metric]
		if !ok || value < badge.Required {
			continue
		}

		award, fresh, err := e.award(q, userID, badge.Type)
		if err != nil {
			return nil, err
		}
		if fresh {
			e.logger.Info("Badge awarded: user=%s badge=%s %s=%d", userID, badge.Type, badge.Metric, value)
			awarded = append(awarded, award)
		}
	}

	return awarded, nil
}

// metrics gathers every aggregate the catalog can reference. Counting is
// net: a revoked completion or removed document no longer counts toward
// thresholds, though badges already earned stand.
func (e *Evaluator) metrics(q storage.Queryer, userID core.UserID) (map[core.BadgeMetric]int, error) {
	taskDone, err := e.ledger.CountByType(q, userID, core.ActivityTaskCompleted)
	if err != nil {
		return nil, err
	}
	taskRevoked, err := e.ledger.CountByType(q, userID, core.ActivityTaskCompletionRevoked)
	if err != nil {
		return nil, err
	}

	docsUp, err := e.ledger.CountByType(q, userID, core.ActivityDocumentUploaded, core.ActivityFirstDocumentUploaded)
	if err != nil {
		return nil, err
	}
	docsRemoved, err := e.ledger.CountByType(q, userID, core.ActivityDocumentRemoved)
	if err != nil {
		return nil, err
	}

	days, err := e.ledger.LoginDays(q, userID)
	if err != nil {
		return nil, err
	}

	state, err := e.progression.GetTx(q, userID)
	if err != nil {
		return nil, err
	}

	ma, err := e.authority.MemberAuthority(q, userID)
	if err != nil {
		return nil, err
	}

	return map[core.BadgeMetric]int{
		core.MetricTaskCount:       max(taskDone-taskRevoked, 0),
		core.MetricDocumentCount:   max(docsUp-docsRemoved, 0),
		core.MetricLoginStreak:     currentStreak(days),
		core.MetricLevel:           state.CurrentLevel,
		core.MetricMemberAuthority: ma,
	}, nil
}

// currentStreak counts consecutive login days ending at the most recent one.
// days must be distinct YYYY-MM-DD strings in descending order, as returned
// by the ledger.
func currentStreak(days []string) int {
	if len(days) == 0 {
		return 0
	}

	prev, err := time.Parse("2006-01-02", days[0])
	if err != nil {
		return 0
	}

	streak := 1
	for _, s := range days[1:] {
		day, err := time.Parse("2006-01-02", s)
		if err != nil {
			break
		}
		if !prev.AddDate(0, 0, -1).Equal(day) {
			break
		}
		streak++
		prev = day
	}
	return streak
}

// award inserts an award row, reporting whether it was freshly created
func (e *Evaluator) award(q storage.Queryer, userID core.UserID, badgeType string) (*core.BadgeAward, bool, error) {
	award := &core.BadgeAward{
		ID:        uuid.New().String(),
		UserID:    userID,
		BadgeType: badgeType,
		AwardedAt: time.Now().UTC(),
	}

	result, err := q.Exec(`
		INSERT INTO user_badge_awards (id, user_id, badge_type, awarded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, badge_type) DO NOTHING
	`, award.ID, award.UserID, award.BadgeType, award.AwardedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert badge award: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	return award, n > 0, nil
}

// Awards returns a user's earned badges, oldest first
func (e *Evaluator) Awards(userID core.UserID) ([]*core.BadgeAward, error) {
	rows, err := e.db.Query(`
		SELECT id, user_id, badge_type, awarded_at
		FROM user_badge_awards
		WHERE user_id = ?
		ORDER BY awarded_at ASC, badge_type ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query badge awards: %w", err)
	}
	defer rows.Close()

	var awards []*core.BadgeAward
	for rows.Next() {
		var award core.BadgeAward
		if err := rows.Scan(&award.ID, &award.UserID, &award.BadgeType, &award.AwardedAt); err != nil {
			return nil, fmt.Errorf("scan badge award: %w", err)
		}
		awards = append(awards, &award)
	}

	return awards, rows.Err()
}

// Catalog returns the configured badge definitions
func (e *Evaluator) Catalog() []core.Badge {
	return e.cfg.Badges
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
