// Package core defines the fundamental types and errors for the reputation engine.
package core

import "errors"

// Errors surfaced by the engine, grouped by how callers should react:
// validation errors are rejected synchronously and never partially applied,
// concurrency conflicts are retried a bounded number of times, state errors
// are final ("this action is no longer possible"), and consistency violations
// are treated as no-op successes inside the engine and never escape it.
var (
	// Validation errors
	ErrInvalidActivityType = errors.New("unknown activity type")
	ErrInvalidReviewType   = errors.New("unknown review type")
	ErrRatingOutOfRange    = errors.New("rating must be between 1 and 5")
	ErrRatingRequired      = errors.New("review type requires a rating")
	ErrRatingNotAllowed    = errors.New("review type does not take a rating")
	ErrSelfReview          = errors.New("reviewer and reviewee must differ")
	ErrMissingUserID       = errors.New("user id is required")
	ErrDuplicateEvent      = errors.New("duplicate activity event")

	// Concurrency errors
	ErrConcurrencyConflict = errors.New("concurrent update conflict")

	// State errors
	ErrReviewNotFound         = errors.New("review not found")
	ErrRequestNotFound        = errors.New("grace period request not found")
	ErrReviewAlreadyFinalized = errors.New("review already folded into scores")
	ErrReviewNotDisputable    = errors.New("only negative reviews can be disputed")
	ErrDuplicateRequest       = errors.New("an open request already exists for this review")
	ErrAlreadyResolved        = errors.New("grace period request already resolved")

	// Consistency errors
	ErrDuplicateAward = errors.New("badge already awarded")

	// Storage errors
	ErrRecordNotFound  = errors.New("record not found")
	ErrMigrationFailed = errors.New("migration failed")
)

// IsValidation reports whether err is a synchronous rejection the caller
// should surface as a bad request
func IsValidation(err error) bool {
	for _, e := range []error{
		ErrInvalidActivityType, ErrInvalidReviewType, ErrRatingOutOfRange,
		ErrRatingRequired, ErrRatingNotAllowed, ErrSelfReview,
		ErrMissingUserID, ErrDuplicateEvent,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsStateError reports whether err is a terminal-state rejection that
// retrying cannot change
func IsStateError(err error) bool {
	for _, e := range []error{
		ErrReviewNotFound, ErrRequestNotFound, ErrReviewAlreadyFinalized,
		ErrReviewNotDisputable, ErrDuplicateRequest, ErrAlreadyResolved,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsConcurrencyConflict reports whether err is a transient conflict that was
// retried and still failed
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
