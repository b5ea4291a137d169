// Package core defines the fundamental types for the reputation engine.
// Every other package builds on these.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// UserID is a type-safe identifier for users. The engine never creates users;
// it derives state for whatever IDs the surrounding system hands it.
type UserID string

// EventID identifies an activity event in the ledger
type EventID string

// ReviewID identifies a peer review
type ReviewID string

// RequestID identifies a grace period request
type RequestID string

// -----------------------------------------------------------------------------
// ACTIVITY - point-bearing facts recorded in the ledger
// -----------------------------------------------------------------------------

// ActivityType classifies a point-bearing action
type ActivityType string

const (
	ActivityTaskCompleted         ActivityType = "task_completed"
	ActivityTaskCreated           ActivityType = "task_created"
	ActivityDocumentUploaded      ActivityType = "document_uploaded"
	ActivityFirstDocumentUploaded ActivityType = "first_document_uploaded"
	ActivityCommentPosted         ActivityType = "comment_posted"
	ActivityDailyLogin            ActivityType = "daily_login"
	ActivityReviewSubmitted       ActivityType = "review_submitted"
	ActivityProfileCompleted      ActivityType = "profile_completed"

	// Compensating types. Deletions in the surrounding system are modeled as
	// new negative events, never as mutations of existing ledger rows.
	ActivityTaskCompletionRevoked ActivityType = "task_completion_revoked"
	ActivityDocumentRemoved       ActivityType = "document_removed"
)

// AtMostOnce reports whether the activity type may occur at most once per
// (user, type, related entity) natural key. daily_login is included: callers
// key it by day, which bounds it to one event per calendar day.
func (t ActivityType) AtMostOnce() bool {
	switch t {
	case ActivityFirstDocumentUploaded, ActivityProfileCompleted, ActivityDailyLogin:
		return true
	}
	return false
}

// ActivityEvent is an immutable fact in the activity ledger.
// Created exactly once per qualifying action; never mutated or deleted.
type ActivityEvent struct {
	ID              EventID      `json:"id"`
	UserID          UserID       `json:"user_id"`
	ActivityType    ActivityType `json:"activity_type"`
	PointValue      int          `json:"point_value"`
	RelatedEntityID string       `json:"related_entity_id,omitempty"`
	OccurredAt      time.Time    `json:"occurred_at"`
	PrevHash        string       `json:"prev_hash"` // hash of previous ledger entry
	Hash            string       `json:"hash"`      // hash of this entry
}

// -----------------------------------------------------------------------------
// PROGRESSION - cumulative experience and level
// -----------------------------------------------------------------------------

// ProgressionState is the derived per-user experience row.
// Level is always a pure function of ExperiencePoints.
type ProgressionState struct {
	UserID           UserID    `json:"user_id"`
	ExperiencePoints int       `json:"experience_points"`
	CurrentLevel     int       `json:"current_level"`
	LastRecomputedAt time.Time `json:"last_recomputed_at"`
}

// -----------------------------------------------------------------------------
// AUTHORITY - E-E-A-T sub-scores and the composite Member Authority score
// -----------------------------------------------------------------------------

// Dimension is one of the four E-E-A-T sub-score dimensions
type Dimension string

const (
	DimExperience Dimension = "experience"
	DimExpertise  Dimension = "expertise"
	DimAuthority  Dimension = "authority"
	DimTrust      Dimension = "trust"
)

// Dimensions lists all four dimensions in canonical order
var Dimensions = []Dimension{DimExperience, DimExpertise, DimAuthority, DimTrust}

// Sub-score and composite bounds
const (
	SubScoreMin = 0
	SubScoreMax = 100
	// Every sub-score starts neutral; the composite of four neutral
	// sub-scores is the average-peer Member Authority of 500.
	SubScoreInitial = 50

	AuthorityScoreMin = 0
	AuthorityScoreMax = 1000
)

// SubScore is one bounded dimension value for a user, always in [0,100]
type SubScore struct {
	UserID        UserID    `json:"user_id"`
	Dimension     Dimension `json:"dimension"`
	Value         int       `json:"value"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastDecayedAt time.Time `json:"last_decayed_at,omitempty"`
}

// AuthorityScore is the derived composite, always recomputed from sub-scores
type AuthorityScore struct {
	UserID       UserID    `json:"user_id"`
	Value        int       `json:"value"` // 0-1000
	CalculatedAt time.Time `json:"calculated_at"`
}

// AuthorityBreakdown is the outbound snapshot exposed to collaborators
type AuthorityBreakdown struct {
	UserID          UserID    `json:"user_id"`
	ExperienceScore int       `json:"experience_score"`
	ExpertiseScore  int       `json:"expertise_score"`
	AuthorityScore  int       `json:"authority_score"`
	TrustScore      int       `json:"trust_score"`
	MemberAuthority int       `json:"member_authority"`
	CalculatedAt    time.Time `json:"calculated_at"`
}

// AuthorityChange is one audit row explaining a Member Authority change.
// History is append-only; corrections are compensating entries.
type AuthorityChange struct {
	ID              string    `json:"id"`
	UserID          UserID    `json:"user_id"`
	PreviousMA      int       `json:"previous_ma"`
	NewMA           int       `json:"new_ma"`
	ChangeReason    string    `json:"change_reason"`
	RelatedTaskID   string    `json:"related_task_id,omitempty"`
	RelatedReviewID ReviewID  `json:"related_review_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Change reasons recorded in authority history
const (
	ReasonReviewApplied = "review_applied"
	ReasonReviewVoided  = "review_voided"
	ReasonTaskCompleted = "task_completed"
	ReasonDecay         = "decay"
	ReasonRebuild       = "rebuild"
)

// -----------------------------------------------------------------------------
// PEER REVIEW
// -----------------------------------------------------------------------------

// ReviewType classifies peer feedback. The set is closed: unknown types are
// rejected at the boundary rather than carried through as opaque data.
type ReviewType string

const (
	ReviewStarRating     ReviewType = "star_rating"
	ReviewDetailedReview ReviewType = "detailed_review"
	ReviewThumbsUp       ReviewType = "thumbs_up"
	ReviewThumbsDown     ReviewType = "thumbs_down"
	ReviewEndorsement    ReviewType = "endorsement"
)

// RequiresRating reports whether the review type must carry a 1-5 rating
func (t ReviewType) RequiresRating() bool {
	return t == ReviewStarRating
}

// AllowsRating reports whether the review type may carry a rating
func (t ReviewType) AllowsRating() bool {
	return t == ReviewStarRating || t == ReviewDetailedReview
}

// TargetDimensions returns the sub-score dimensions this review type feeds
func (t ReviewType) TargetDimensions() []Dimension {
	switch t {
	case ReviewStarRating, ReviewDetailedReview:
		return []Dimension{DimExpertise, DimTrust}
	case ReviewThumbsUp, ReviewThumbsDown:
		return []Dimension{DimTrust}
	case ReviewEndorsement:
		return []Dimension{DimAuthority}
	}
	return nil
}

// ReviewStatus is the lifecycle status of a peer review
type ReviewStatus string

const (
	ReviewActive   ReviewStatus = "active"
	ReviewDisputed ReviewStatus = "disputed"
	ReviewVoided   ReviewStatus = "voided"
)

// Reviewer weight bounds. 1.0 is an average-authority peer.
const (
	WeightMin = 0.1
	WeightMax = 2.0
)

// PeerReview is peer feedback on a task. AuthorityWeight is a snapshot of the
// reviewer's own Member Authority at creation time, normalized to [0.1,2.0];
// later changes to the reviewer's score never re-weight historical reviews.
type PeerReview struct {
	ID              ReviewID     `json:"id"`
	TaskID          string       `json:"task_id"`
	ReviewerID      UserID       `json:"reviewer_id"`
	RevieweeID      UserID       `json:"reviewee_id"`
	ReviewType      ReviewType   `json:"review_type"`
	Rating          *int         `json:"rating,omitempty"` // 1-5 when present
	Feedback        string       `json:"feedback,omitempty"`
	AuthorityWeight float64      `json:"authority_weight"`
	Status          ReviewStatus `json:"status"`
	Applied         bool         `json:"applied"`
	AppliedDelta    int          `json:"applied_delta"` // signed per-dimension delta actually folded in
	CreatedAt       time.Time    `json:"created_at"`
	FinalizeAfter   time.Time    `json:"finalize_after"` // end of the dispute cooling-off window
	AppliedAt       *time.Time   `json:"applied_at,omitempty"`
}

// Negative reports whether the review carries negative sentiment.
// Rated reviews are negative at 2 stars or below.
func (r *PeerReview) Negative() bool {
	if r.ReviewType == ReviewThumbsDown {
		return true
	}
	if r.Rating != nil && *r.Rating <= 2 {
		return true
	}
	return false
}

// SentimentSign returns +1 for positive feedback, -1 for negative
func (r *PeerReview) SentimentSign() int {
	if r.Negative() {
		return -1
	}
	return 1
}

// -----------------------------------------------------------------------------
// GRACE PERIOD - bounded dispute window for negative reviews
// -----------------------------------------------------------------------------

// RequestStatus is the lifecycle status of a grace period request.
// pending is the only non-terminal state.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// Terminal reports whether no further transitions are possible
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// GracePeriodRequest is a user's contest of a negative review
type GracePeriodRequest struct {
	ID            RequestID     `json:"id"`
	UserID        UserID        `json:"user_id"`
	TaskID        string        `json:"task_id"`
	ReviewID      ReviewID      `json:"review_id"`
	Reason        string        `json:"reason"`
	Status        RequestStatus `json:"status"`
	RequestedDays int           `json:"requested_days"`
	ExpiresAt     time.Time     `json:"expires_at"`
	ResolvedBy    UserID        `json:"resolved_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

// Decision is an adjudicator's ruling on a grace period request
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// -----------------------------------------------------------------------------
// BADGES
// -----------------------------------------------------------------------------

// BadgeMetric names the aggregate a badge threshold is compared against
type BadgeMetric string

const (
	MetricTaskCount       BadgeMetric = "task_count"
	MetricDocumentCount   BadgeMetric = "document_count"
	MetricLoginStreak     BadgeMetric = "login_streak"
	MetricLevel           BadgeMetric = "level"
	MetricMemberAuthority BadgeMetric = "member_authority"
)

// Badge is a static catalog entry; the catalog lives in configuration
type Badge struct {
	Type     string      `json:"type" mapstructure:"type"`
	Metric   BadgeMetric `json:"metric" mapstructure:"metric"`
	Required int         `json:"required" mapstructure:"required"`
	Category string      `json:"category" mapstructure:"category"`
}

// BadgeAward records that a user unlocked a badge.
// At most one award exists per (user, badge type); the database enforces it.
type BadgeAward struct {
	ID        string    `json:"id"`
	UserID    UserID    `json:"user_id"`
	BadgeType string    `json:"badge_type"`
	AwardedAt time.Time `json:"awarded_at"`
}
