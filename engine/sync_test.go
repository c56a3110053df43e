package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
	"github.com/izavyalov-dev/tfpilot/state"
)

func TestSyncDiscoversAndReconcilesRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-1")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	fx.actions.setRun(github.WorkflowRun{
		ID:         101,
		Status:     "in_progress",
		HeadBranch: doc.Branch,
		Path:       fx.planWorkflowFile(),
		HTMLURL:    "https://example.test/runs/101",
		CreatedAt:  fx.clock.Now().Add(5 * time.Second),
	})

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Sync.Mode != ModeRepair {
		t.Fatalf("mode = %s, want repair", result.Sync.Mode)
	}
	att := result.Request.CurrentAttempt(request.OpPlan)
	if att == nil || att.RunID == nil || *att.RunID != 101 {
		t.Fatalf("run 101 not attached: %+v", att)
	}
	if att.Status != "in_progress" {
		t.Fatalf("status = %q, want in_progress", att.Status)
	}
	if result.Status != request.StatusPlanning {
		t.Fatalf("derived status = %s, want planning", result.Status)
	}

	completed := fx.clock.Now().Add(time.Minute)
	fx.actions.setRun(github.WorkflowRun{
		ID:          101,
		Status:      "completed",
		Conclusion:  "success",
		HeadBranch:  doc.Branch,
		Path:        fx.planWorkflowFile(),
		HTMLURL:     "https://example.test/runs/101",
		CreatedAt:   fx.clock.Now().Add(5 * time.Second),
		CompletedAt: &completed,
	})
	fx.clock.Advance(time.Minute)

	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	att = result.Request.CurrentAttempt(request.OpPlan)
	if att.Conclusion != "success" {
		t.Fatalf("conclusion = %q, want success", att.Conclusion)
	}
	if att.CompletedAt == nil || !att.CompletedAt.Equal(completed) {
		t.Fatalf("completedAt = %v, want %v", att.CompletedAt, completed)
	}
	if result.Status != request.StatusPlanReady {
		t.Fatalf("derived status = %s, want plan_ready", result.Status)
	}

	// The run is terminal; nothing left to fetch.
	before := fx.actions.getCalls
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("third Sync: %v", err)
	}
	if fx.actions.getCalls != before {
		t.Fatalf("terminal attempt was re-fetched")
	}
	if result.Sync.Mode != ModeLocal {
		t.Fatalf("mode = %s, want %s", result.Sync.Mode, ModeLocal)
	}
}

func TestSyncDiscoveryIgnoresRunsBeforeDispatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-skew")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// A rerun of an earlier attempt, created well before this dispatch.
	fx.actions.setRun(github.WorkflowRun{
		ID:         90,
		Status:     "completed",
		Conclusion: "failure",
		HeadBranch: doc.Branch,
		Path:       fx.planWorkflowFile(),
		CreatedAt:  fx.clock.Now().Add(-10 * time.Minute),
	})

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	att := result.Request.CurrentAttempt(request.OpPlan)
	if att.RunID != nil {
		t.Fatalf("stale run %d attached to fresh attempt", *att.RunID)
	}
}

func TestSyncDiscoveryCooldownSuppressesListing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-cooldown")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if fx.actions.listCalls != 1 {
		t.Fatalf("listCalls = %d, want 1", fx.actions.listCalls)
	}

	// Within the cooldown nothing is listed again.
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if fx.actions.listCalls != 1 {
		t.Fatalf("listCalls = %d after cooled-down sync, want 1", fx.actions.listCalls)
	}

	// Repair bypasses the cooldown.
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{Repair: true}); err != nil {
		t.Fatalf("Sync repair: %v", err)
	}
	if fx.actions.listCalls != 2 {
		t.Fatalf("listCalls = %d after repair, want 2", fx.actions.listCalls)
	}

	// After the cooldown elapses discovery resumes on its own.
	fx.clock.Advance(fx.service.cfg.DiscoveryCooldown + time.Second)
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("Sync after cooldown: %v", err)
	}
	if fx.actions.listCalls != 3 {
		t.Fatalf("listCalls = %d after cooldown elapsed, want 3", fx.actions.listCalls)
	}
}

func TestSyncReconcileCooldownAfterNoop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-rec-cooldown")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	fx.actions.setRun(github.WorkflowRun{
		ID:         111,
		Status:     "in_progress",
		HeadBranch: doc.Branch,
		Path:       fx.planWorkflowFile(),
		CreatedAt:  fx.clock.Now().Add(time.Second),
	})

	// First sync attaches and fetches; second fetch is a no-op and starts the
	// reconcile cooldown; the third sync must not fetch again.
	for i := 0; i < 2; i++ {
		if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
			t.Fatalf("Sync %d: %v", i, err)
		}
	}
	calls := fx.actions.getCalls
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("cooled-down Sync: %v", err)
	}
	if fx.actions.getCalls != calls {
		t.Fatalf("run fetched during reconcile cooldown")
	}

	fx.clock.Advance(fx.service.cfg.ReconcileCooldown + time.Second)
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("Sync after cooldown: %v", err)
	}
	if fx.actions.getCalls != calls+1 {
		t.Fatalf("reconcile did not resume after cooldown")
	}
}

func TestSyncReconcileIgnoresTransientFetchError(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-flaky")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	fx.actions.setRun(github.WorkflowRun{
		ID:         131,
		Status:     "in_progress",
		HeadBranch: doc.Branch,
		Path:       fx.planWorkflowFile(),
		CreatedAt:  fx.clock.Now().Add(time.Second),
	})
	if _, err := fx.service.Sync(ctx, doc.ID, SyncOptions{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// A flaky fetch leaves the attempt alone and does not fail the request.
	fx.actions.getErr = &github.APIError{StatusCode: 502, Message: "bad gateway"}
	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync with fetch error: %v", err)
	}
	att := result.Request.CurrentAttempt(request.OpPlan)
	if att.Status != "in_progress" || att.Conclusion != "" {
		t.Fatalf("attempt disturbed by fetch error: %+v", att)
	}
	if result.Status == request.StatusFailed {
		t.Fatalf("transient fetch error marked the request failed")
	}

	// Once the error clears, the next sync converges on the real outcome.
	fx.actions.getErr = nil
	completed := fx.clock.Now().Add(time.Minute)
	fx.actions.setRun(github.WorkflowRun{
		ID:          131,
		Status:      "completed",
		Conclusion:  "success",
		HeadBranch:  doc.Branch,
		Path:        fx.planWorkflowFile(),
		CreatedAt:   fx.clock.Now().Add(time.Second),
		CompletedAt: &completed,
	})
	fx.clock.Advance(time.Minute)
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync after error cleared: %v", err)
	}
	if result.Status != request.StatusPlanReady {
		t.Fatalf("derived status = %s, want plan_ready", result.Status)
	}
}

func TestSyncRateLimitTriggersRepoBackoff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-backoff")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	fx.actions.listErr = &github.APIError{StatusCode: 429, Message: "rate limited", RetryAfter: 90 * time.Second}

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Sync.Degraded {
		t.Fatalf("expected degraded result, got %+v", result.Sync)
	}
	if result.Sync.BackoffScope != "acme/infra-live" {
		t.Fatalf("backoff scope = %q", result.Sync.BackoffScope)
	}

	// While the backoff runs, even repair syncs stay facts-only.
	fx.actions.listErr = nil
	calls := fx.actions.listCalls
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{Repair: true})
	if err != nil {
		t.Fatalf("Sync during backoff: %v", err)
	}
	if !result.Sync.Degraded || fx.actions.listCalls != calls {
		t.Fatalf("external call made during backoff")
	}

	fx.clock.Advance(91 * time.Second)
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync after backoff: %v", err)
	}
	if result.Sync.Degraded {
		t.Fatalf("still degraded after backoff elapsed")
	}
	if fx.actions.listCalls != calls+1 {
		t.Fatalf("listing did not resume after backoff")
	}
}

func TestSyncReportsGlobalBackoffScope(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-global")

	if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	fx.service.backoff.Set(globalBackoffScope, fx.clock.Now().Add(time.Minute))

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Sync.Degraded {
		t.Fatalf("expected degraded result, got %+v", result.Sync)
	}
	if result.Sync.BackoffScope != globalBackoffScope {
		t.Fatalf("backoff scope = %q, want %q", result.Sync.BackoffScope, globalBackoffScope)
	}
	if result.Sync.BackoffRemaining != "1m0s" {
		t.Fatalf("backoff remaining = %q", result.Sync.BackoffRemaining)
	}
}

func TestSyncClearsExpiredLock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-lock")

	_, _, err := fx.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		return true, request.AcquireLock(r, "apply", "ghost:1", fx.clock.Now(), time.Minute)
	})
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	fx.clock.Advance(2 * time.Minute)
	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Request.Lock != nil {
		t.Fatalf("expired lock survived sync: %+v", result.Request.Lock)
	}
}

func TestSyncHydratesPullRequestFacts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-pr")

	_, _, err := fx.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		r.PR = &request.PullRequest{Number: 7, State: "open"}
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed PR: %v", err)
	}

	fx.actions.pr = github.PullRequest{
		Number:         7,
		State:          "closed",
		Merged:         true,
		MergeCommitSHA: "abc123",
		HTMLURL:        "https://example.test/pr/7",
	}
	fx.actions.pr.Head.SHA = "def456"

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{Hydrate: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	pr := result.Request.PR
	if !pr.Merged || pr.MergedSHA != "abc123" || pr.HeadSHA != "def456" {
		t.Fatalf("PR facts not hydrated: %+v", pr)
	}
	if result.Request.MergedSHA != "abc123" {
		t.Fatalf("MergedSHA = %q", result.Request.MergedSHA)
	}
	if result.Status != request.StatusMerged {
		t.Fatalf("derived status = %s, want merged", result.Status)
	}

	// A second hydrate with identical facts changes nothing.
	version := result.Request.Version
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{Hydrate: true})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.Request.Version != version {
		t.Fatalf("version bumped by no-op hydrate: %d -> %d", version, result.Request.Version)
	}
}

func TestSyncHydrateRecordsApprovalFromReviews(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	doc := fx.createRequest(t, "req-reviews")

	_, _, err := fx.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		r.PR = &request.PullRequest{Number: 9, State: "open"}
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed PR: %v", err)
	}

	fx.actions.pr = github.PullRequest{Number: 9, State: "open"}
	submitted := fx.clock.Now().Add(-time.Minute)
	fx.actions.reviews = []github.Review{
		{State: "changes_requested"},
		{State: "approved", SubmittedAt: &submitted},
	}
	fx.actions.reviews[0].User.Login = "bob"
	fx.actions.reviews[1].User.Login = "carol"

	result, err := fx.service.Sync(ctx, doc.ID, SyncOptions{Hydrate: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	approval := result.Request.Approval
	if approval == nil || approval.By != "carol" {
		t.Fatalf("approval = %+v, want carol", approval)
	}
	if !approval.At.Equal(submitted.UTC().Truncate(time.Second)) {
		t.Fatalf("approval at = %v, want %v", approval.At, submitted)
	}

	// An existing approval is never overwritten; reviews are not re-listed.
	fx.actions.reviews[1].User.Login = "dave"
	calls := fx.actions.reviewCalls
	result, err = fx.service.Sync(ctx, doc.ID, SyncOptions{Hydrate: true})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.Request.Approval.By != "carol" {
		t.Fatalf("approval overwritten: %+v", result.Request.Approval)
	}
	if fx.actions.reviewCalls != calls {
		t.Fatalf("reviews re-listed after approval recorded")
	}
}

func TestSyncUnknownRequest(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.Sync(context.Background(), "nope", SyncOptions{})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResyncAllRepairsEveryRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"req-a", "req-b"} {
		doc := fx.createRequest(t, id)
		if _, err := fx.service.Plan(ctx, OpParams{RequestID: doc.ID, Actor: "alice"}); err != nil {
			t.Fatalf("Plan %s: %v", id, err)
		}
	}

	repaired, err := fx.service.ResyncAll(ctx)
	if err != nil {
		t.Fatalf("ResyncAll: %v", err)
	}
	if repaired != 2 {
		t.Fatalf("repaired = %d, want 2", repaired)
	}
	if fx.actions.listCalls != 2 {
		t.Fatalf("listCalls = %d, want 2", fx.actions.listCalls)
	}
}
