package authority

import (
	"fmt"
	"time"

	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

// DecayCandidates returns users with a Trust or Authority sub-score that has
// not been updated inside the inactivity window. Only those two dimensions
// erode; Experience and Expertise reflect accumulated history.
func (s *Store) DecayCandidates(cutoff time.Time) ([]core.UserID, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT user_id FROM sub_scores
		WHERE dimension IN (?, ?) AND last_updated_at < ? AND value > ?
	`, core.DimTrust, core.DimAuthority, cutoff.UTC(), s.cfg.Decay.Floor)
	if err != nil {
		return nil, fmt.Errorf("query decay candidates: %w", err)
	}
	defer rows.Close()

	var users []core.UserID
	for rows.Next() {
		var userID core.UserID
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}

	return users, rows.Err()
}

// ApplyDecay erodes a user's inactive Trust and Authority sub-scores:
// value = max(floor(value x factor), baselineFloor). Dimensions updated
// inside the window are untouched, as are dimensions already decayed today -
// the day guard makes a double-fired pass a no-op.
//
// Returns true when anything changed.
func (s *Store) ApplyDecay(q storage.Queryer, userID core.UserID, now time.Time) (bool, error) {
	subs, err := s.subScores(q, userID)
	if err != nil {
		return false, err
	}

	cutoff := now.Add(-s.cfg.InactivityWindow())
	today := now.UTC().Truncate(24 * time.Hour)
	changed := false

	for _, dim := range []core.Dimension{core.DimTrust, core.DimAuthority} {
		sub := subs[dim]
		if sub.LastUpdatedAt.IsZero() || !sub.LastUpdatedAt.Before(cutoff) {
			continue // active inside the window, or never materialized
		}
		if !sub.LastDecayedAt.IsZero() && !sub.LastDecayedAt.Before(today) {
			continue // already decayed today
		}

		decayed := int(float64(sub.Value) * s.cfg.Decay.Factor)
		if decayed < s.cfg.Decay.Floor {
			decayed = s.cfg.Decay.Floor
		}
		if decayed == sub.Value {
			// At the floor already; still stamp the guard so the pass
			// does not reconsider the row all day.
			sub.LastDecayedAt = now.UTC()
			if err := s.saveSubScoreDecayStamp(q, sub); err != nil {
				return changed, err
			}
			continue
		}

		sub.Value = decayed
		sub.LastDecayedAt = now.UTC()
		// last_updated_at is deliberately NOT advanced: decay is not
		// activity, and advancing it would pause further decay.
		if err := s.saveSubScoreDecayed(q, sub); err != nil {
			return changed, err
		}
		changed = true
	}

	if changed {
		if err := s.recordChange(q, userID, subs, core.ReasonDecay, "", ""); err != nil {
			return changed, err
		}
	}

	return changed, nil
}

func (s *Store) saveSubScoreDecayed(q storage.Queryer, sub *core.SubScore) error {
	_, err := q.Exec(`
		UPDATE sub_scores SET value = ?, last_decayed_at = ?
		WHERE user_id = ? AND dimension = ?
	`, sub.Value, sub.LastDecayedAt, sub.UserID, sub.Dimension)
	if err != nil {
		return fmt.Errorf("save decayed sub score: %w", err)
	}
	return nil
}

func (s *Store) saveSubScoreDecayStamp(q storage.Queryer, sub *core.SubScore) error {
	_, err := q.Exec(`
		UPDATE sub_scores SET last_decayed_at = ?
		WHERE user_id = ? AND dimension = ?
	`, sub.LastDecayedAt, sub.UserID, sub.Dimension)
	if err != nil {
		return fmt.Errorf("stamp decay guard: %w", err)
	}
	return nil
}
