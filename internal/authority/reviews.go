package authority

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

// CreateReview validates and persists a peer review. The reviewer's
// authority weight is snapshotted here and never recomputed: later changes
// to the reviewer's own score must not re-weight historical reviews.
//
// Positive reviews are finalizable immediately; negative reviews carry a
// cooling-off window during which the reviewee may dispute them.
func (s *Store) CreateReview(q storage.Queryer, taskID string, reviewerID, revieweeID core.UserID, reviewType core.ReviewType, rating *int, feedback string, weight float64) (*core.PeerReview, error) {
	if reviewerID == "" || revieweeID == "" {
		return nil, core.ErrMissingUserID
	}
	if reviewerID == revieweeID {
		return nil, core.ErrSelfReview
	}
	if _, ok := s.cfg.BaseDelta(reviewType); !ok || reviewType.TargetDimensions() == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidReviewType, reviewType)
	}
	if rating == nil && reviewType.RequiresRating() {
		return nil, core.ErrRatingRequired
	}
	if rating != nil {
		if !reviewType.AllowsRating() {
			return nil, core.ErrRatingNotAllowed
		}
		if *rating < 1 || *rating > 5 {
			return nil, fmt.Errorf("%w: got %d", core.ErrRatingOutOfRange, *rating)
		}
	}
	if weight < core.WeightMin || weight > core.WeightMax {
		return nil, fmt.Errorf("authority weight %v outside [%v,%v]", weight, core.WeightMin, core.WeightMax)
	}

	now := time.Now().UTC()
	review := &core.PeerReview{
		ID:              core.ReviewID(uuid.New().String()),
		TaskID:          taskID,
		ReviewerID:      reviewerID,
		RevieweeID:      revieweeID,
		ReviewType:      reviewType,
		Rating:          rating,
		Feedback:        feedback,
		AuthorityWeight: weight,
		Status:          core.ReviewActive,
		CreatedAt:       now,
		FinalizeAfter:   now,
	}
	if review.Negative() {
		review.FinalizeAfter = now.Add(s.cfg.CoolingOff())
	}

	_, err := q.Exec(`
		INSERT INTO peer_reviews (id, task_id, reviewer_id, reviewee_id, review_type, rating, feedback,
		                          authority_weight, status, applied, applied_delta, created_at, finalize_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, review.ID, review.TaskID, review.ReviewerID, review.RevieweeID, review.ReviewType,
		ratingArg(review.Rating), review.Feedback, review.AuthorityWeight, review.Status,
		review.CreatedAt, review.FinalizeAfter)
	if err != nil {
		return nil, fmt.Errorf("insert peer review: %w", err)
	}

	return review, nil
}

func ratingArg(rating *int) interface{} {
	if rating == nil {
		return nil
	}
	return *rating
}

// GetReview returns a review by ID
func (s *Store) GetReview(q storage.Queryer, id core.ReviewID) (*core.PeerReview, error) {
	review := &core.PeerReview{}
	var rating sql.NullInt64
	var appliedAt sql.NullTime

	err := q.QueryRow(`
		SELECT id, task_id, reviewer_id, reviewee_id, review_type, rating, feedback,
		       authority_weight, status, applied, applied_delta, created_at, finalize_after, applied_at
		FROM peer_reviews WHERE id = ?
	`, id).Scan(
		&review.ID, &review.TaskID, &review.ReviewerID, &review.RevieweeID,
		&review.ReviewType, &rating, &review.Feedback, &review.AuthorityWeight,
		&review.Status, &review.Applied, &review.AppliedDelta,
		&review.CreatedAt, &review.FinalizeAfter, &appliedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query peer review: %w", err)
	}

	if rating.Valid {
		r := int(rating.Int64)
		review.Rating = &r
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		review.AppliedAt = &t
	}

	return review, nil
}

// SetReviewStatus transitions a review's lifecycle status
func (s *Store) SetReviewStatus(q storage.Queryer, id core.ReviewID, status core.ReviewStatus) error {
	result, err := q.Exec(`UPDATE peer_reviews SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.ErrReviewNotFound
	}
	return nil
}

// ApplyReview folds an active, unapplied review into the reviewee's
// sub-scores and recomputes the composite. Calling it on an already-applied
// review is a no-op: the desired state is already achieved.
func (s *Store) ApplyReview(q storage.Queryer, review *core.PeerReview) error {
	if review.Applied || review.Status == core.ReviewVoided {
		return nil
	}

	delta, err := s.reviewDelta(review)
	if err != nil {
		return err
	}

	subs, err := s.subScores(q, review.RevieweeID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, dim := range review.ReviewType.TargetDimensions() {
		sub := subs[dim]
		sub.Value = clampSubScore(sub.Value + delta)
		sub.LastUpdatedAt = now
		if err := s.saveSubScore(q, sub); err != nil {
			return err
		}
	}

	if err := s.recordChange(q, review.RevieweeID, subs, core.ReasonReviewApplied, review.TaskID, review.ID); err != nil {
		return err
	}

	_, err = q.Exec(`
		UPDATE peer_reviews SET applied = 1, applied_delta = ?, applied_at = ? WHERE id = ?
	`, delta, now, review.ID)
	if err != nil {
		return fmt.Errorf("mark review applied: %w", err)
	}

	review.Applied = true
	review.AppliedDelta = delta
	review.AppliedAt = &now
	return nil
}

// ReverseReview undoes an applied review with a compensating update: the
// stored applied delta is subtracted from the same dimensions and the
// reversal is explained by a new history row. History is never rewritten.
func (s *Store) ReverseReview(q storage.Queryer, review *core.PeerReview) error {
	if !review.Applied {
		return nil
	}

	subs, err := s.subScores(q, review.RevieweeID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, dim := range review.ReviewType.TargetDimensions() {
		sub := subs[dim]
		sub.Value = clampSubScore(sub.Value - review.AppliedDelta)
		sub.LastUpdatedAt = now
		if err := s.saveSubScore(q, sub); err != nil {
			return err
		}
	}

	if err := s.recordChange(q, review.RevieweeID, subs, core.ReasonReviewVoided, review.TaskID, review.ID); err != nil {
		return err
	}

	_, err = q.Exec(`
		UPDATE peer_reviews SET applied = 0, applied_delta = 0, applied_at = NULL WHERE id = ?
	`, review.ID)
	if err != nil {
		return fmt.Errorf("mark review reversed: %w", err)
	}

	review.Applied = false
	review.AppliedDelta = 0
	review.AppliedAt = nil
	return nil
}

// ListFinalizable returns active, unapplied reviews whose cooling-off window
// has elapsed. Disputed reviews are excluded until their dispute resolves.
func (s *Store) ListFinalizable(q storage.Queryer, now time.Time) ([]*core.PeerReview, error) {
	rows, err := q.Query(`
		SELECT id FROM peer_reviews
		WHERE status = ? AND applied = 0 AND finalize_after <= ?
		ORDER BY finalize_after ASC
	`, core.ReviewActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query finalizable reviews: %w", err)
	}
	defer rows.Close()

	var ids []core.ReviewID
	for rows.Next() {
		var id core.ReviewID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reviews := make([]*core.PeerReview, 0, len(ids))
	for _, id := range ids {
		review, err := s.GetReview(q, id)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}

	return reviews, nil
}

// ListActiveApplied returns a user's applied, non-voided reviews in the
// order they were folded in. Used by from-scratch recomputation.
func (s *Store) ListActiveApplied(q storage.Queryer, userID core.UserID) ([]*core.PeerReview, error) {
	rows, err := q.Query(`
		SELECT id FROM peer_reviews
		WHERE reviewee_id = ? AND applied = 1 AND status != ?
		ORDER BY applied_at ASC, created_at ASC
	`, userID, core.ReviewVoided)
	if err != nil {
		return nil, fmt.Errorf("query applied reviews: %w", err)
	}
	defer rows.Close()

	var ids []core.ReviewID
	for rows.Next() {
		var id core.ReviewID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reviews := make([]*core.PeerReview, 0, len(ids))
	for _, id := range ids {
		review, err := s.GetReview(q, id)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}

	return reviews, nil
}
