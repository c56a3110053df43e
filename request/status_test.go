package request

import (
	"testing"
	"time"
)

func attemptWith(kind OperationKind, runs RunsState, status, conclusion string, dispatchedAt time.Time) {
	a := StartAttempt(runs, kind, Dispatch{At: dispatchedAt})
	op := runs[kind]
	for i := range op.Attempts {
		if op.Attempts[i].Attempt == a.Attempt {
			op.Attempts[i].Status = status
			op.Attempts[i].Conclusion = conclusion
		}
	}
}

func TestDeriveStatusPriority(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)

	cases := []struct {
		name  string
		build func(r *Request)
		want  Status
	}{
		{"empty request", func(r *Request) {}, StatusRequestCreated},
		{"pr open", func(r *Request) { r.PR = &PullRequest{Number: 1, State: "open"} }, StatusPlanning},
		{"plan active", func(r *Request) { attemptWith(OpPlan, r.Runs, "in_progress", "", recent) }, StatusPlanning},
		{"plan success", func(r *Request) { attemptWith(OpPlan, r.Runs, "completed", "success", recent) }, StatusPlanReady},
		{"plan failure", func(r *Request) { attemptWith(OpPlan, r.Runs, "completed", "failure", recent) }, StatusFailed},
		{"approved beats plan_ready", func(r *Request) {
			attemptWith(OpPlan, r.Runs, "completed", "success", recent)
			r.Approval = &Approval{By: "alice", At: recent}
		}, StatusApproved},
		{"merged beats approved", func(r *Request) {
			r.Approval = &Approval{By: "alice", At: recent}
			r.PR = &PullRequest{Number: 1, Merged: true}
		}, StatusMerged},
		{"merged sha fact alone", func(r *Request) { r.MergedSHA = "abc" }, StatusMerged},
		{"apply active", func(r *Request) {
			r.MergedSHA = "abc"
			attemptWith(OpApply, r.Runs, "in_progress", "", recent)
		}, StatusApplying},
		{"apply success", func(r *Request) { attemptWith(OpApply, r.Runs, "completed", "success", recent) }, StatusApplied},
		{"apply cancelled", func(r *Request) { attemptWith(OpApply, r.Runs, "completed", "cancelled", recent) }, StatusFailed},
		{"destroy active", func(r *Request) {
			attemptWith(OpApply, r.Runs, "completed", "success", recent)
			attemptWith(OpDestroy, r.Runs, "queued", "", recent)
		}, StatusDestroying},
		{"destroy dispatched, not yet discovered", func(r *Request) {
			attemptWith(OpDestroy, r.Runs, "", "", recent)
		}, StatusDestroying},
		{"destroy timed_out", func(r *Request) { attemptWith(OpDestroy, r.Runs, "completed", "timed_out", recent) }, StatusFailed},
	}

	for _, tc := range cases {
		r := &Request{ID: "req-1", Runs: RunsState{}}
		tc.build(r)
		if got := DeriveStatus(r, now); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDeriveStatusDestroyDominatesApply(t *testing.T) {
	now := time.Now().UTC()
	r := &Request{ID: "req-1", Runs: RunsState{}}
	attemptWith(OpApply, r.Runs, "completed", "success", now.Add(-time.Hour))
	attemptWith(OpDestroy, r.Runs, "completed", "success", now.Add(-time.Minute))

	if got := DeriveStatus(r, now); got != StatusDestroyed {
		t.Fatalf("expected destroyed, got %s", got)
	}
}

func TestDeriveStatusDestroyStaleness(t *testing.T) {
	dispatched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Request{ID: "req-1", Runs: RunsState{}}
	// No webhook or poll ever reports anything about this destroy.
	attemptWith(OpDestroy, r.Runs, "", "", dispatched)

	if got := DeriveStatusAt(r, dispatched.Add(14*time.Minute), 15*time.Minute); got != StatusDestroying {
		t.Fatalf("before threshold: expected destroying, got %s", got)
	}
	if got := DeriveStatusAt(r, dispatched.Add(16*time.Minute), 15*time.Minute); got != StatusFailed {
		t.Fatalf("after threshold: expected failed, got %s", got)
	}
}

func TestDeriveStatusIsPure(t *testing.T) {
	now := time.Now().UTC()
	r := &Request{ID: "req-1", Runs: RunsState{}}
	attemptWith(OpPlan, r.Runs, "completed", "success", now.Add(-time.Minute))
	r.Approval = &Approval{By: "alice", At: now}

	first := DeriveStatus(r, now)
	second := DeriveStatus(r, now)
	if first != second {
		t.Fatalf("derivation not stable: %s vs %s", first, second)
	}
}
