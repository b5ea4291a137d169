// Package graceperiod implements the bounded dispute workflow for negative
// peer reviews. A reviewee may contest a negative review while it is still
// cooling off; the review is parked as disputed until an adjudicator rules
// or the request expires, and only then does it fold in (or get voided).
package graceperiod

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teamgrid/reputation/internal/authority"
	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/logging"
	"github.com/teamgrid/reputation/internal/storage"
)

// Store manages grace period requests and their effect on review lifecycle
type Store struct {
	db      *sql.DB
	cfg     *config.Config
	reviews *authority.Store
	logger  *logging.Logger
}

// NewStore creates a grace period store. Review transitions go through the
// authority store so score effects stay in one place.
func NewStore(db *sql.DB, cfg *config.Config, reviews *authority.Store) *Store {
	return &Store{
		db:      db,
		cfg:     cfg,
		reviews: reviews,
		logger:  logging.WithField("component", "graceperiod"),
	}
}

// Request opens a dispute against a negative review. Only the reviewee may
// dispute, only while the review is still cooling off, and only once:
// a review with a pending request cannot be disputed again.
func (s *Store) Request(q storage.Queryer, userID core.UserID, reviewID core.ReviewID, reason string, requestedDays int) (*core.GracePeriodRequest, error) {
	if userID == "" {
		return nil, core.ErrMissingUserID
	}

	review, err := s.reviews.GetReview(q, reviewID)
	if err != nil {
		return nil, err
	}
	if review.RevieweeID != userID {
		return nil, fmt.Errorf("%w: review %s does not target user %s", core.ErrReviewNotFound, reviewID, userID)
	}
	if review.Applied {
		return nil, core.ErrReviewAlreadyFinalized
	}
	if !review.Negative() || review.Status == core.ReviewVoided {
		return nil, core.ErrReviewNotDisputable
	}
	if review.Status == core.ReviewDisputed {
		return nil, core.ErrDuplicateRequest
	}

	pending, err := s.pendingForReview(q, reviewID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, core.ErrDuplicateRequest
	}

	// The dispute window is the cooling-off itself. Once finalize_after
	// passes the review belongs to the finalization sweep, even if the
	// sweep has not picked it up yet.
	if time.Now().UTC().After(review.FinalizeAfter) {
		return nil, core.ErrReviewAlreadyFinalized
	}

	if requestedDays <= 0 {
		requestedDays = s.cfg.Grace.DefaultRequestedDays
	}
	if requestedDays > s.cfg.Grace.MaxRequestedDays {
		requestedDays = s.cfg.Grace.MaxRequestedDays
	}

	now := time.Now().UTC()
	request := &core.GracePeriodRequest{
		ID:            core.RequestID(uuid.New().String()),
		UserID:        userID,
		TaskID:        review.TaskID,
		ReviewID:      reviewID,
		Reason:        reason,
		Status:        core.RequestPending,
		RequestedDays: requestedDays,
		ExpiresAt:     now.AddDate(0, 0, requestedDays),
		CreatedAt:     now,
	}

	_, err = q.Exec(`
		INSERT INTO grace_period_requests (id, user_id, task_id, review_id, reason, status, requested_days, expires_at, resolved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)
	`, request.ID, request.UserID, request.TaskID, request.ReviewID, request.Reason,
		request.Status, request.RequestedDays, request.ExpiresAt, request.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert grace period request: %w", err)
	}

	// Park the review: the finalization sweep skips disputed reviews
	if err := s.reviews.SetReviewStatus(q, reviewID, core.ReviewDisputed); err != nil {
		return nil, err
	}

	s.logger.Info("Grace period opened: request=%s review=%s days=%d", request.ID, reviewID, requestedDays)
	return request, nil
}

// Resolve rules on a pending request. Approving voids the disputed review so
// it never folds in; rejecting reactivates it and applies it immediately,
// cooling-off notwithstanding. Terminal requests cannot be resolved again.
func (s *Store) Resolve(q storage.Queryer, requestID core.RequestID, decision core.Decision, resolvedBy core.UserID) (*core.GracePeriodRequest, error) {
	if decision != core.DecisionApprove && decision != core.DecisionReject {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	request, err := s.Get(q, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status.Terminal() {
		return nil, core.ErrAlreadyResolved
	}

	review, err := s.reviews.GetReview(q, request.ReviewID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	status := core.RequestRejected
	if decision == core.DecisionApprove {
		status = core.RequestApproved
	}

	if err := s.setStatus(q, requestID, status, resolvedBy, now); err != nil {
		return nil, err
	}

	switch decision {
	case core.DecisionApprove:
		if review.Applied {
			if err := s.reviews.ReverseReview(q, review); err != nil {
				return nil, err
			}
		}
		if err := s.reviews.SetReviewStatus(q, review.ID, core.ReviewVoided); err != nil {
			return nil, err
		}
	case core.DecisionReject:
		if err := s.reviews.SetReviewStatus(q, review.ID, core.ReviewActive); err != nil {
			return nil, err
		}
		review.Status = core.ReviewActive
		if err := s.reviews.ApplyReview(q, review); err != nil {
			return nil, err
		}
	}

	request.Status = status
	request.ResolvedBy = resolvedBy
	request.ResolvedAt = &now
	s.logger.Info("Grace period resolved: request=%s decision=%s by=%s", requestID, decision, resolvedBy)
	return request, nil
}

// SweepExpired marks overdue pending requests expired and reactivates their
// reviews. The next finalization pass folds those reviews in. Returns the
// number of requests expired.
func (s *Store) SweepExpired(q storage.Queryer, now time.Time) (int, error) {
	rows, err := q.Query(`
		SELECT id, review_id FROM grace_period_requests
		WHERE status = ? AND expires_at <= ?
	`, core.RequestPending, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("query expired requests: %w", err)
	}
	defer rows.Close()

	type expired struct {
		id       core.RequestID
		reviewID core.ReviewID
	}
	var due []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.reviewID); err != nil {
			return 0, err
		}
		due = append(due, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range due {
		if err := s.setStatus(q, e.id, core.RequestExpired, "", now.UTC()); err != nil {
			return 0, err
		}
		if err := s.reviews.SetReviewStatus(q, e.reviewID, core.ReviewActive); err != nil {
			return 0, err
		}
		s.logger.Info("Grace period expired: request=%s review=%s", e.id, e.reviewID)
	}

	return len(due), nil
}

// Get returns a request by ID
func (s *Store) Get(q storage.Queryer, id core.RequestID) (*core.GracePeriodRequest, error) {
	request := &core.GracePeriodRequest{}
	var resolvedAt sql.NullTime

	err := q.QueryRow(`
		SELECT id, user_id, task_id, review_id, reason, status, requested_days, expires_at, resolved_by, created_at, resolved_at
		FROM grace_period_requests WHERE id = ?
	`, id).Scan(
		&request.ID, &request.UserID, &request.TaskID, &request.ReviewID,
		&request.Reason, &request.Status, &request.RequestedDays,
		&request.ExpiresAt, &request.ResolvedBy, &request.CreatedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query grace period request: %w", err)
	}

	if resolvedAt.Valid {
		t := resolvedAt.Time
		request.ResolvedAt = &t
	}
	return request, nil
}

// ListForUser returns a user's requests, most recent first
func (s *Store) ListForUser(userID core.UserID) ([]*core.GracePeriodRequest, error) {
	rows, err := s.db.Query(`
		SELECT id FROM grace_period_requests
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query grace period requests: %w", err)
	}
	defer rows.Close()

	var ids []core.RequestID
	for rows.Next() {
		var id core.RequestID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	requests := make([]*core.GracePeriodRequest, 0, len(ids))
	for _, id := range ids {
		request, err := s.Get(s.db, id)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (s *Store) pendingForReview(q storage.Queryer, reviewID core.ReviewID) (bool, error) {
	var count int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM grace_period_requests
		WHERE review_id = ? AND status = ?
	`, reviewID, core.RequestPending).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query pending requests: %w", err)
	}
	return count > 0, nil
}

func (s *Store) setStatus(q storage.Queryer, id core.RequestID, status core.RequestStatus, resolvedBy core.UserID, at time.Time) error {
	result, err := q.Exec(`
		UPDATE grace_period_requests
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, resolvedBy, at, id, core.RequestPending)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.ErrAlreadyResolved
	}
	return nil
}
