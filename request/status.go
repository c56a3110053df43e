package request

import "time"

// Status is the canonical lifecycle status derived from the request's facts.
// It is never stored as a source of truth: the same facts always derive the
// same status, so replayed or reordered events cannot corrupt it.
type Status string

const (
	StatusRequestCreated Status = "request_created"
	StatusPlanning       Status = "planning"
	StatusPlanReady      Status = "plan_ready"
	StatusApproved       Status = "approved"
	StatusMerged         Status = "merged"
	StatusApplying       Status = "applying"
	StatusApplied        Status = "applied"
	StatusDestroying     Status = "destroying"
	StatusDestroyed      Status = "destroyed"
	StatusFailed         Status = "failed"
)

// DefaultDestroyStaleAfter bounds how long a destroy with no conclusion may
// keep the request reporting "destroying" before it is treated as failed.
const DefaultDestroyStaleAfter = 15 * time.Minute

var failureConclusions = map[string]struct{}{
	"failure":         {},
	"cancelled":       {},
	"timed_out":       {},
	"action_required": {},
	"startup_failure": {},
	"stale":           {},
}

// IsFailureConclusion reports whether a CI conclusion string counts as a
// failure for status derivation.
func IsFailureConclusion(conclusion string) bool {
	_, ok := failureConclusions[conclusion]
	return ok
}

// DeriveStatus computes the canonical status with the default destroy
// staleness threshold.
func DeriveStatus(r *Request, now time.Time) Status {
	return DeriveStatusAt(r, now, DefaultDestroyStaleAfter)
}

// DeriveStatusAt evaluates the status priority cascade, first match wins:
// destroy outcome, apply/plan failures, apply progress, merge and approval
// facts, plan progress. A destroy that never reports a conclusion flips to
// failed after destroyStaleAfter has elapsed since dispatch; that transition
// is purely time-based and needs no external signal.
func DeriveStatusAt(r *Request, now time.Time, destroyStaleAfter time.Duration) Status {
	destroy := r.CurrentAttempt(OpDestroy)
	if destroy != nil {
		if IsFailureConclusion(destroy.Conclusion) {
			return StatusFailed
		}
		if destroy.Conclusion == "success" {
			return StatusDestroyed
		}
		if destroy.Conclusion == "" {
			if now.Sub(destroy.DispatchedAt) > destroyStaleAfter {
				return StatusFailed
			}
			return StatusDestroying
		}
	}

	apply := r.CurrentAttempt(OpApply)
	if apply != nil && IsFailureConclusion(apply.Conclusion) {
		return StatusFailed
	}
	plan := r.CurrentAttempt(OpPlan)
	if plan != nil && IsFailureConclusion(plan.Conclusion) {
		return StatusFailed
	}

	if apply != nil {
		if apply.Conclusion == "" && IsAttemptActive(*apply) {
			return StatusApplying
		}
		if apply.Conclusion == "success" {
			return StatusApplied
		}
	}

	if r.MergedSHA != "" || (r.PR != nil && r.PR.Merged) {
		return StatusMerged
	}
	if r.Approval != nil {
		return StatusApproved
	}

	if plan != nil && plan.Conclusion == "success" {
		return StatusPlanReady
	}
	if plan != nil && plan.Conclusion == "" && IsAttemptActive(*plan) {
		return StatusPlanning
	}
	if r.PR != nil && r.PR.State == "open" {
		return StatusPlanning
	}

	return StatusRequestCreated
}
