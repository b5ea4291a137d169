package authority

import (
	"time"

	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/storage"
)

// Rebuild recomputes a user's sub-scores and composite from scratch: neutral
// baselines, then the ledger's task-completion volume, then every applied
// non-voided review in the order it was folded in. Voided reviews are
// excluded entirely, which is what makes an approved grace period stick
// under recomputation.
func (s *Store) Rebuild(q storage.Queryer, userID core.UserID, events []*core.ActivityEvent, reviews []*core.PeerReview) error {
	subs := make(map[core.Dimension]*core.SubScore, len(core.Dimensions))
	now := time.Now().UTC()
	for _, dim := range core.Dimensions {
		subs[dim] = &core.SubScore{
			UserID:        userID,
			Dimension:     dim,
			Value:         core.SubScoreInitial,
			LastUpdatedAt: now,
		}
	}

	taskDelta := s.cfg.Reviews.TaskExperienceDelta
	for _, event := range events {
		switch event.ActivityType {
		case core.ActivityTaskCompleted:
			subs[core.DimExperience].Value = clampSubScore(subs[core.DimExperience].Value + taskDelta)
		case core.ActivityTaskCompletionRevoked:
			subs[core.DimExperience].Value = clampSubScore(subs[core.DimExperience].Value - taskDelta)
		}
	}

	for _, review := range reviews {
		if review.Status == core.ReviewVoided || !review.Applied {
			continue
		}
		for _, dim := range review.ReviewType.TargetDimensions() {
			subs[dim].Value = clampSubScore(subs[dim].Value + review.AppliedDelta)
		}
	}

	for _, dim := range core.Dimensions {
		if err := s.saveSubScore(q, subs[dim]); err != nil {
			return err
		}
	}

	return s.recordChange(q, userID, subs, core.ReasonRebuild, "", "")
}
