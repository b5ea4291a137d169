// Package decay runs the periodic erosion pass over inactive Trust and
// Authority sub-scores. The pass is idempotent within a day: the per-dimension
// day guard in the authority store makes a re-run a no-op, so a crashed or
// double-fired pass never compounds the erosion.
package decay

import (
	"context"
	"database/sql"
	"time"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/badges"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/logging"
	"github.com/teamgrid/reputation/internal/storage"
)

// Locker serializes score mutations per user. The release function must be
// called exactly once.
type Locker interface {
	LockUser(userID core.UserID) (release func())
}

// Runner executes decay passes
type Runner struct {
	db     *storage.DB
	cfg    *config.Config
	auth   *authority.Store
	badges *badges.Evaluator
	locks  Locker
	logger *logging.Logger
}

// NewRunner creates a decay runner. locks is shared with every other
// score-mutating path so a decay never races a review or activity.
func NewRunner(db *storage.DB, cfg *config.Config, auth *authority.Store, eval *badges.Evaluator, locks Locker) *Runner {
	return &Runner{
		db:     db,
		cfg:    cfg,
		auth:   auth,
		badges: eval,
		locks:  locks,
		logger: logging.WithField("component", "decay"),
	}
}

// Run executes one decay pass: every user with an inactive Trust or
// Authority dimension gets eroded once. Each user is processed in its own
// transaction under the user's lock, so a failure for one user does not
// roll back the others.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.Add(-r.cfg.InactivityWindow())

	candidates, err := r.auth.DecayCandidates(cutoff)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		r.logger.Debug("Decay pass: nothing to do")
		return nil
	}

	decayed := 0
	for _, userID := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		changed, err := r.decayUser(userID, now)
		if err != nil {
			r.logger.Error("Decay failed for user %s: %v", userID, err)
			continue
		}
		if changed {
			decayed++
		}
	}

	r.logger.Info("Decay pass complete: candidates=%d decayed=%d", len(candidates), decayed)
	return nil
}

func (r *Runner) decayUser(userID core.UserID, now time.Time) (bool, error) {
	release := r.locks.LockUser(userID)
	defer release()

	changed := false
	err := r.db.Transaction(func(tx *sql.Tx) error {
		var err error
		changed, err = r.auth.ApplyDecay(tx, userID, now)
		if err != nil || !changed {
			return err
		}
		// Scores moved, so badge thresholds may have too
		_, err = r.badges.EvaluateUser(tx, userID)
		return err
	})
	return changed, err
}
