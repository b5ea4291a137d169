// Package engine wires the reputation stores into one facade and owns the
// concurrency model: every score-changing operation runs inside a single
// transaction under the target user's lock, so concurrent callers serialize
// per user and a crash mid-operation leaves no partial state.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/badges"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/decay"
	"github.com/teamgrid/reputation/internal/graceperiod"
	"github.com/teamgrid/reputation/internal/ledger"
	"github.com/teamgrid/reputation/internal/logging"
	"github.com/teamgrid/reputation/internal/progression"
	"github.com/teamgrid/reputation/internal/scheduler"
	"github.com/teamgrid/reputation/internal/storage"
)

const (
	taskDecay    = "decay-pass"
	taskFinalize = "review-finalization"

	txRetries = 3
)

// Engine is the reputation engine facade
type Engine struct {
	cfg *config.Config
	db  *storage.DB

	ledger      *ledger.Store
	progression *progression.Store
	authority   *authority.Store
	badges      *badges.Evaluator
	grace       *graceperiod.Store
	decay       *decay.Runner

	sched  *scheduler.Scheduler
	locks  *userLocks
	logger *logging.Logger
}

// ActivityResult is what a recorded activity changed
type ActivityResult struct {
	Event       *core.ActivityEvent    `json:"event"`
	Progression *core.ProgressionState `json:"progression"`
	LeveledUp   bool                   `json:"leveled_up"`
	NewBadges   []*core.BadgeAward     `json:"new_badges,omitempty"`
}

// New creates an engine: opens the database, applies migrations, and wires
// every store. Call Start to begin the maintenance passes.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	db, err := storage.Open(storage.Config{
		Path:     cfg.Storage.Path,
		InMemory: cfg.Storage.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	auth := authority.NewStore(db.Conn(), cfg)
	if err := auth.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init authority schema: %w", err)
	}

	ld := ledger.NewStore(db.Conn(), cfg)
	prog := progression.NewStore(db.Conn())
	eval := badges.NewEvaluator(db.Conn(), cfg, ld, prog, auth)
	locks := newUserLocks()

	e := &Engine{
		cfg:         cfg,
		db:          db,
		ledger:      ld,
		progression: prog,
		authority:   auth,
		badges:      eval,
		grace:       graceperiod.NewStore(db.Conn(), cfg, auth),
		decay:       decay.NewRunner(db, cfg, auth, eval, locks),
		sched:       scheduler.New(),
		locks:       locks,
		logger:      logging.WithField("component", "engine"),
	}

	if err := e.registerTasks(); err != nil {
		db.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) registerTasks() error {
	decayTask := scheduler.IntervalTask(taskDecay, "Inactivity decay pass",
		e.cfg.Decay.Interval, e.decay.Run)
	if err := e.sched.Register(decayTask); err != nil {
		return err
	}

	finalizeTask := scheduler.IntervalTask(taskFinalize, "Review finalization sweep",
		e.cfg.Grace.SweepInterval, e.runMaintenanceSweep)
	return e.sched.Register(finalizeTask)
}

// Start begins the scheduled maintenance passes
func (e *Engine) Start() error {
	return e.sched.Start()
}

// Stop halts the maintenance passes, waiting for in-flight ones
func (e *Engine) Stop() error {
	return e.sched.Stop()
}

// Close stops the engine and closes the database
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil {
		return err
	}
	return e.db.Close()
}

// Scheduler exposes task introspection (stats, run-now)
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// RecordActivity appends an activity to the ledger and folds its effects in:
// experience points, the Experience sub-score for task events, and any badge
// thresholds the new totals cross. One transaction, all or nothing.
func (e *Engine) RecordActivity(ctx context.Context, userID core.UserID, activityType core.ActivityType, relatedEntityID string) (*ActivityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release := e.locks.LockUser(userID)
	defer release()

	var result ActivityResult
	err := e.transact(func(tx *sql.Tx) error {
		event, err := e.ledger.Append(tx, userID, activityType, relatedEntityID, time.Now().UTC())
		if err != nil {
			return err
		}

		before, err := e.progression.Apply(tx, userID, 0)
		if err != nil {
			return err
		}
		state, err := e.progression.Apply(tx, userID, event.PointValue)
		if err != nil {
			return err
		}

		switch activityType {
		case core.ActivityTaskCompleted:
			if err := e.authority.ApplyTaskExperience(tx, userID, relatedEntityID, e.cfg.Reviews.TaskExperienceDelta); err != nil {
				return err
			}
		case core.ActivityTaskCompletionRevoked:
			if err := e.authority.ApplyTaskExperience(tx, userID, relatedEntityID, -e.cfg.Reviews.TaskExperienceDelta); err != nil {
				return err
			}
		}

		awards, err := e.badges.EvaluateUser(tx, userID)
		if err != nil {
			return err
		}

		result = ActivityResult{
			Event:       event,
			Progression: state,
			LeveledUp:   state.CurrentLevel > before.CurrentLevel,
			NewBadges:   awards,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Activity recorded: user=%s type=%s points=%d level=%d",
		userID, activityType, result.Event.PointValue, result.Progression.CurrentLevel)
	return &result, nil
}

// SubmitPeerReview creates a review weighted by the reviewer's current
// Member Authority. Positive reviews fold in immediately; negative ones wait
// out the cooling-off window (or a dispute). The reviewer also earns the
// review_submitted activity.
func (e *Engine) SubmitPeerReview(ctx context.Context, taskID string, reviewerID, revieweeID core.UserID, reviewType core.ReviewType, rating *int, feedback string) (*core.PeerReview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	review, err := e.createReview(taskID, reviewerID, revieweeID, reviewType, rating, feedback)
	if err != nil {
		return nil, err
	}

	// The reviewer's own activity is a separate user's state: separate lock,
	// separate transaction, taken only after the reviewee's lock is released
	// so two users reviewing each other cannot deadlock. A failure here does
	// not unwind the review.
	if _, err := e.RecordActivity(ctx, reviewerID, core.ActivityReviewSubmitted, string(review.ID)); err != nil {
		e.logger.Warn("Review recorded but reviewer activity failed: review=%s err=%v", review.ID, err)
	}

	return review, nil
}

func (e *Engine) createReview(taskID string, reviewerID, revieweeID core.UserID, reviewType core.ReviewType, rating *int, feedback string) (*core.PeerReview, error) {
	release := e.locks.LockUser(revieweeID)
	defer release()

	var review *core.PeerReview
	err := e.transact(func(tx *sql.Tx) error {
		ma, err := e.authority.MemberAuthority(tx, reviewerID)
		if err != nil {
			return err
		}

		review, err = e.authority.CreateReview(tx, taskID, reviewerID, revieweeID,
			reviewType, rating, feedback, authority.WeightFor(ma))
		if err != nil {
			return err
		}

		if !review.Negative() {
			if err := e.authority.ApplyReview(tx, review); err != nil {
				return err
			}
			if _, err := e.badges.EvaluateUser(tx, revieweeID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// FinalizeReviews applies every cooled-off review whose dispute window has
// passed. Returns the number applied.
func (e *Engine) FinalizeReviews(ctx context.Context) (int, error) {
	due, err := e.authority.ListFinalizable(e.db.Conn(), time.Now().UTC())
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, review := range due {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := e.finalizeOne(review); err != nil {
			e.logger.Error("Finalization failed: review=%s err=%v", review.ID, err)
			continue
		}
		applied++
	}

	if applied > 0 {
		e.logger.Info("Finalization sweep: applied=%d", applied)
	}
	return applied, nil
}

func (e *Engine) finalizeOne(review *core.PeerReview) error {
	release := e.locks.LockUser(review.RevieweeID)
	defer release()

	return e.transact(func(tx *sql.Tx) error {
		// Re-read under the lock: a dispute may have landed since the list
		current, err := e.authority.GetReview(tx, review.ID)
		if err != nil {
			return err
		}
		if current.Status != core.ReviewActive || current.Applied {
			return nil
		}
		if err := e.authority.ApplyReview(tx, current); err != nil {
			return err
		}
		_, err = e.badges.EvaluateUser(tx, review.RevieweeID)
		return err
	})
}

// RequestGracePeriod opens a dispute against a negative, still-cooling review
func (e *Engine) RequestGracePeriod(ctx context.Context, userID core.UserID, reviewID core.ReviewID, reason string, requestedDays int) (*core.GracePeriodRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release := e.locks.LockUser(userID)
	defer release()

	var request *core.GracePeriodRequest
	err := e.transact(func(tx *sql.Tx) error {
		var err error
		request, err = e.grace.Request(tx, userID, reviewID, reason, requestedDays)
		return err
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// ResolveGracePeriod rules on a pending dispute
func (e *Engine) ResolveGracePeriod(ctx context.Context, requestID core.RequestID, decision core.Decision, resolvedBy core.UserID) (*core.GracePeriodRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Look up the disputing user so the resolution serializes with their
	// other score changes
	pending, err := e.grace.Get(e.db.Conn(), requestID)
	if err != nil {
		return nil, err
	}

	release := e.locks.LockUser(pending.UserID)
	defer release()

	var request *core.GracePeriodRequest
	err = e.transact(func(tx *sql.Tx) error {
		var err error
		request, err = e.grace.Resolve(tx, requestID, decision, resolvedBy)
		if err != nil {
			return err
		}
		_, err = e.badges.EvaluateUser(tx, pending.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// runMaintenanceSweep expires overdue disputes, then finalizes cooled-off
// reviews. Expiry first: an expired dispute reactivates its review, which the
// same sweep then folds in.
func (e *Engine) runMaintenanceSweep(ctx context.Context) error {
	err := e.transact(func(tx *sql.Tx) error {
		_, err := e.grace.SweepExpired(tx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}

	_, err = e.FinalizeReviews(ctx)
	return err
}

// RunMaintenanceNow triggers the finalization and expiry sweep out of band
func (e *Engine) RunMaintenanceNow(ctx context.Context) error {
	return e.runMaintenanceSweep(ctx)
}

// RunDecayNow triggers a decay pass out of band
func (e *Engine) RunDecayNow(ctx context.Context) error {
	return e.decay.Run(ctx)
}

// Rebuild recomputes a user's progression and sub-scores from first
// principles: the activity ledger plus applied reviews. Used to recover from
// suspected drift; the result matches what incremental updates produced.
func (e *Engine) Rebuild(ctx context.Context, userID core.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	release := e.locks.LockUser(userID)
	defer release()

	return e.transact(func(tx *sql.Tx) error {
		events, err := e.ledger.ListAll(tx, userID)
		if err != nil {
			return err
		}
		if _, err := e.progression.Rebuild(tx, userID, events); err != nil {
			return err
		}
		reviews, err := e.authority.ListActiveApplied(tx, userID)
		if err != nil {
			return err
		}
		return e.authority.Rebuild(tx, userID, events, reviews)
	})
}

// GetProgression returns a user's level and experience
func (e *Engine) GetProgression(userID core.UserID) (*core.ProgressionState, error) {
	return e.progression.Get(userID)
}

// GetAuthorityBreakdown returns the four sub-scores and the composite
func (e *Engine) GetAuthorityBreakdown(userID core.UserID) (*core.AuthorityBreakdown, error) {
	return e.authority.GetBreakdown(userID)
}

// GetAuthorityHistory returns composite changes, most recent first
func (e *Engine) GetAuthorityHistory(userID core.UserID, limit int) ([]*core.AuthorityChange, error) {
	return e.authority.History(userID, limit)
}

// GetBadges returns a user's earned badges
func (e *Engine) GetBadges(userID core.UserID) ([]*core.BadgeAward, error) {
	return e.badges.Awards(userID)
}

// BadgeCatalog returns the configured badge definitions
func (e *Engine) BadgeCatalog() []core.Badge {
	return e.badges.Catalog()
}

// GetActivityLog returns a user's activity events since a time
func (e *Engine) GetActivityLog(userID core.UserID, since time.Time) ([]*core.ActivityEvent, error) {
	return e.ledger.ListSince(userID, since)
}

// GetGraceRequests returns a user's dispute requests, most recent first
func (e *Engine) GetGraceRequests(userID core.UserID) ([]*core.GracePeriodRequest, error) {
	return e.grace.ListForUser(userID)
}

// VerifyLedger checks the activity ledger's hash chain
func (e *Engine) VerifyLedger() error {
	return e.ledger.VerifyChain()
}

// transact runs fn in a transaction, retrying a handful of times when SQLite
// reports contention. Exhausted retries surface as a concurrency conflict.
func (e *Engine) transact(fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		err = e.db.Transaction(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return fmt.Errorf("%w: %v", core.ErrConcurrencyConflict, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// userLocks serializes mutations per user
type userLocks struct {
	mu    sync.Mutex
	locks map[core.UserID]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[core.UserID]*sync.Mutex)}
}

// LockUser acquires the user's lock, returning the release function
func (l *userLocks) LockUser(userID core.UserID) func() {
	l.mu.Lock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
