package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teamgrid/reputation/internal/config"
	"github.com/teamgrid/reputation/internal/core"
	"github.com/teamgrid/reputation/internal/testutil"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Grace.CoolingOffHours = 0 // negative reviews finalizable immediately unless a test overrides

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func intPtr(v int) *int { return &v }

func TestEngine_RecordActivity(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	result, err := e.RecordActivity(ctx, "rec-u1", core.ActivityTaskCompleted, "task-1")
	if err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}

	if result.Event.PointValue != 50 {
		t.Errorf("point value = %d, want 50", result.Event.PointValue)
	}
	if result.Progression.ExperiencePoints != 50 {
		t.Errorf("xp = %d, want 50", result.Progression.ExperiencePoints)
	}
	if result.Progression.CurrentLevel != 1 {
		t.Errorf("level = %d, want 1", result.Progression.CurrentLevel)
	}

	// A completed task also bumps the Experience sub-score
	breakdown, err := e.GetAuthorityBreakdown("rec-u1")
	if err != nil {
		t.Fatal(err)
	}
	if breakdown.ExperienceScore != 52 {
		t.Errorf("experience = %d, want 52", breakdown.ExperienceScore)
	}
}

func TestEngine_RecordActivity_LevelUp(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	var last *ActivityResult
	for i := 0; i < 2; i++ {
		var err error
		last, err = e.RecordActivity(ctx, "lvl-u1", core.ActivityTaskCompleted, fmt.Sprintf("task-%d", i))
		if err != nil {
			t.Fatal(err)
		}
	}

	// 100 XP crosses the level 2 threshold on the second event
	if last.Progression.CurrentLevel != 2 {
		t.Errorf("level = %d, want 2", last.Progression.CurrentLevel)
	}
	if !last.LeveledUp {
		t.Error("second event should report a level-up")
	}
}

func TestEngine_RecordActivity_AtMostOnce(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	if _, err := e.RecordActivity(ctx, "once-u1", core.ActivityProfileCompleted, ""); err != nil {
		t.Fatal(err)
	}
	_, err := e.RecordActivity(ctx, "once-u1", core.ActivityProfileCompleted, "")
	if !errors.Is(err, core.ErrDuplicateEvent) {
		t.Errorf("error = %v, want ErrDuplicateEvent", err)
	}

	state, _ := e.GetProgression("once-u1")
	if state.ExperiencePoints != 25 {
		t.Errorf("xp = %d, want 25 (awarded exactly once)", state.ExperiencePoints)
	}
}

func TestEngine_RecordActivity_Concurrent(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.RecordActivity(ctx, "conc-u1", core.ActivityTaskCreated, fmt.Sprintf("task-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordActivity error = %v", err)
		}
	}

	// Every event must land exactly once: 100 x 10 points
	state, err := e.GetProgression("conc-u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.ExperiencePoints != n*10 {
		t.Errorf("xp = %d, want %d", state.ExperiencePoints, n*10)
	}

	// And the hash chain must be intact
	if err := e.VerifyLedger(); err != nil {
		t.Errorf("VerifyLedger() error = %v", err)
	}
}

func TestEngine_RecordActivity_CompensatingEvent(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	if _, err := e.RecordActivity(ctx, "comp-u1", core.ActivityTaskCompleted, "task-1"); err != nil {
		t.Fatal(err)
	}
	result, err := e.RecordActivity(ctx, "comp-u1", core.ActivityTaskCompletionRevoked, "task-1")
	if err != nil {
		t.Fatal(err)
	}

	if result.Progression.ExperiencePoints != 0 {
		t.Errorf("xp = %d, want 0 after revocation", result.Progression.ExperiencePoints)
	}

	// The Experience sub-score bump is compensated too
	breakdown, _ := e.GetAuthorityBreakdown("comp-u1")
	if breakdown.ExperienceScore != 50 {
		t.Errorf("experience = %d, want back to 50", breakdown.ExperienceScore)
	}
}

func TestEngine_RecordActivity_XPNeverNegative(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	// Revoking with no prior completion still records the event but clamps XP
	result, err := e.RecordActivity(ctx, "neg-u1", core.ActivityTaskCompletionRevoked, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Progression.ExperiencePoints != 0 {
		t.Errorf("xp = %d, want clamped 0", result.Progression.ExperiencePoints)
	}
}

func TestEngine_SubmitPeerReview_Positive(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	review, err := e.SubmitPeerReview(ctx, "task-1", "pos-reviewer", "pos-reviewee",
		core.ReviewThumbsUp, nil, "nice")
	if err != nil {
		t.Fatalf("SubmitPeerReview() error = %v", err)
	}

	if review.AuthorityWeight != 1.0 {
		t.Errorf("weight = %v, want 1.0 for a neutral reviewer", review.AuthorityWeight)
	}
	if !review.Applied {
		t.Error("positive review should apply immediately")
	}

	breakdown, _ := e.GetAuthorityBreakdown("pos-reviewee")
	if breakdown.TrustScore != 52 {
		t.Errorf("trust = %d, want 52", breakdown.TrustScore)
	}

	// The reviewer earned the review_submitted activity
	state, _ := e.GetProgression("pos-reviewer")
	if state.ExperiencePoints != 10 {
		t.Errorf("reviewer xp = %d, want 10", state.ExperiencePoints)
	}
}

func TestEngine_SubmitPeerReview_NegativeWaits(t *testing.T) {
	e := testEngine(t)
	e.cfg.Grace.CoolingOffHours = 48
	ctx := testutil.TestContext(t)

	review, err := e.SubmitPeerReview(ctx, "task-1", "negw-reviewer", "negw-reviewee",
		core.ReviewThumbsDown, nil, "sloppy")
	if err != nil {
		t.Fatal(err)
	}

	if review.Applied {
		t.Error("negative review must wait out the cooling-off window")
	}
	breakdown, _ := e.GetAuthorityBreakdown("negw-reviewee")
	if breakdown.TrustScore != 50 {
		t.Errorf("trust = %d, want untouched 50", breakdown.TrustScore)
	}

	// The sweep does not touch it while the window is open
	if err := e.RunMaintenanceNow(ctx); err != nil {
		t.Fatal(err)
	}
	breakdown, _ = e.GetAuthorityBreakdown("negw-reviewee")
	if breakdown.TrustScore != 50 {
		t.Errorf("trust = %d, want still 50", breakdown.TrustScore)
	}
}

func TestEngine_MaintenanceAppliesCooledReviews(t *testing.T) {
	e := testEngine(t) // cooling-off zero: due immediately
	ctx := testutil.TestContext(t)

	if _, err := e.SubmitPeerReview(ctx, "task-1", "fin-reviewer", "fin-reviewee",
		core.ReviewThumbsDown, nil, ""); err != nil {
		t.Fatal(err)
	}

	if err := e.RunMaintenanceNow(ctx); err != nil {
		t.Fatalf("RunMaintenanceNow() error = %v", err)
	}

	breakdown, _ := e.GetAuthorityBreakdown("fin-reviewee")
	if breakdown.TrustScore != 48 {
		t.Errorf("trust = %d, want 48 after finalization", breakdown.TrustScore)
	}
}

func TestEngine_GracePeriod_ApproveVoids(t *testing.T) {
	e := testEngine(t)
	e.cfg.Grace.CoolingOffHours = 48
	ctx := testutil.TestContext(t)

	review, err := e.SubmitPeerReview(ctx, "task-1", "gp-reviewer", "gp-reviewee",
		core.ReviewStarRating, intPtr(1), "bad")
	if err != nil {
		t.Fatal(err)
	}

	request, err := e.RequestGracePeriod(ctx, "gp-reviewee", review.ID, "task met the requirements", 0)
	if err != nil {
		t.Fatalf("RequestGracePeriod() error = %v", err)
	}

	if _, err := e.ResolveGracePeriod(ctx, request.ID, core.DecisionApprove, "moderator"); err != nil {
		t.Fatalf("ResolveGracePeriod() error = %v", err)
	}

	// The voided review never lands, even after a sweep
	if err := e.RunMaintenanceNow(ctx); err != nil {
		t.Fatal(err)
	}
	breakdown, _ := e.GetAuthorityBreakdown("gp-reviewee")
	if breakdown.ExpertiseScore != 50 || breakdown.TrustScore != 50 {
		t.Errorf("scores = %d/%d, want untouched 50/50",
			breakdown.ExpertiseScore, breakdown.TrustScore)
	}
}

func TestEngine_GracePeriod_RejectApplies(t *testing.T) {
	e := testEngine(t)
	e.cfg.Grace.CoolingOffHours = 48
	ctx := testutil.TestContext(t)

	review, err := e.SubmitPeerReview(ctx, "task-1", "gpr-reviewer", "gpr-reviewee",
		core.ReviewThumbsDown, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	request, err := e.RequestGracePeriod(ctx, "gpr-reviewee", review.ID, "disagree", 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.ResolveGracePeriod(ctx, request.ID, core.DecisionReject, "moderator"); err != nil {
		t.Fatal(err)
	}

	// Rejection folds the review in at once, no sweep needed
	breakdown, _ := e.GetAuthorityBreakdown("gpr-reviewee")
	if breakdown.TrustScore != 48 {
		t.Errorf("trust = %d, want 48", breakdown.TrustScore)
	}
}

func TestEngine_BadgesAwardedOnActivity(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	var last *ActivityResult
	for i := 0; i < 10; i++ {
		var err error
		last, err = e.RecordActivity(ctx, "bdg-u1", core.ActivityTaskCompleted, fmt.Sprintf("task-%d", i))
		if err != nil {
			t.Fatal(err)
		}
	}

	found := false
	for _, award := range last.NewBadges {
		if award.BadgeType == "task_novice" {
			found = true
		}
	}
	if !found {
		t.Error("task_novice should arrive with the 10th completion")
	}

	awards, err := e.GetBadges("bdg-u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(awards) == 0 {
		t.Error("awards should be persisted")
	}
}

func TestEngine_Rebuild_MatchesIncremental(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	for i := 0; i < 5; i++ {
		if _, err := e.RecordActivity(ctx, "rbd-u1", core.ActivityTaskCompleted, fmt.Sprintf("task-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.SubmitPeerReview(ctx, "task-0", "rbd-reviewer", "rbd-u1",
		core.ReviewDetailedReview, intPtr(5), ""); err != nil {
		t.Fatal(err)
	}

	before, _ := e.GetProgression("rbd-u1")
	beforeAuth, _ := e.GetAuthorityBreakdown("rbd-u1")

	if err := e.Rebuild(ctx, "rbd-u1"); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	after, _ := e.GetProgression("rbd-u1")
	afterAuth, _ := e.GetAuthorityBreakdown("rbd-u1")

	if after.ExperiencePoints != before.ExperiencePoints || after.CurrentLevel != before.CurrentLevel {
		t.Errorf("progression %d/%d != %d/%d",
			after.ExperiencePoints, after.CurrentLevel, before.ExperiencePoints, before.CurrentLevel)
	}
	if afterAuth.MemberAuthority != beforeAuth.MemberAuthority {
		t.Errorf("authority %d != %d", afterAuth.MemberAuthority, beforeAuth.MemberAuthority)
	}
}

func TestEngine_GetActivityLog(t *testing.T) {
	e := testEngine(t)
	ctx := testutil.TestContext(t)

	start := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := e.RecordActivity(ctx, "log-u1", core.ActivityCommentPosted, fmt.Sprintf("c-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	events, err := e.GetActivityLog("log-u1", start)
	if err != nil {
		t.Fatalf("GetActivityLog() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}
}

func TestEngine_StartStop(t *testing.T) {
	e := testEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stats := e.Scheduler().GetStats()
	if stats.TotalTasks != 2 {
		t.Errorf("tasks = %d, want decay + finalization", stats.TotalTasks)
	}
	if !stats.Started {
		t.Error("scheduler should be running")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
