// Package request holds the provisioning request document and the pure
// functions that mutate and interpret it. Everything here is free of I/O so
// store mutators can be retried on version conflicts and webhook payloads can
// be replayed in any order without corrupting state.
package request

import (
	"encoding/json"
	"time"
)

// OperationKind identifies one of the three reconciled workflow kinds.
type OperationKind string

const (
	OpPlan    OperationKind = "plan"
	OpApply   OperationKind = "apply"
	OpDestroy OperationKind = "destroy"
)

// Kinds lists all operation kinds in reconciliation order.
var Kinds = []OperationKind{OpPlan, OpApply, OpDestroy}

func (k OperationKind) Valid() bool {
	switch k {
	case OpPlan, OpApply, OpDestroy:
		return true
	default:
		return false
	}
}

// AttemptRecord is one dispatch of a plan/apply/destroy workflow. Records are
// append-only: once a run id is attached it is never replaced, and completed
// attempts are kept as an audit trail.
type AttemptRecord struct {
	Attempt      int        `json:"attempt"`
	RunID        *int64     `json:"run_id,omitempty"`
	URL          string     `json:"url,omitempty"`
	Status       string     `json:"status,omitempty"`
	Conclusion   string     `json:"conclusion,omitempty"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	HeadSHA      string     `json:"head_sha,omitempty"`
	Ref          string     `json:"ref,omitempty"`
	Actor        string     `json:"actor,omitempty"`
}

// OperationRuns tracks the attempt history for a single operation kind.
type OperationRuns struct {
	CurrentAttempt int             `json:"current_attempt"`
	Attempts       []AttemptRecord `json:"attempts"`
}

// RunsState maps operation kinds to their attempt history.
type RunsState map[OperationKind]*OperationRuns

// Lock is the advisory, TTL-bounded mutual-exclusion marker for mutating
// operations on a request.
type Lock struct {
	Holder     string    `json:"holder"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed.
func (l *Lock) Expired(now time.Time) bool {
	return l != nil && now.After(l.ExpiresAt)
}

// IdempotencyRecord remembers the key and result of a mutating call so a
// retried request replays the original result instead of repeating side
// effects.
type IdempotencyRecord struct {
	Key   string          `json:"key"`
	At    time.Time       `json:"at"`
	Patch json.RawMessage `json:"patch,omitempty"`
}

// Approval records a human approval fact consumed by status derivation.
type Approval struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// PullRequest captures the facts about the rendered configuration PR that
// status derivation consumes.
type PullRequest struct {
	Number    int    `json:"number"`
	URL       string `json:"url,omitempty"`
	State     string `json:"state,omitempty"`
	HeadSHA   string `json:"head_sha,omitempty"`
	Merged    bool   `json:"merged,omitempty"`
	MergedSHA string `json:"merged_sha,omitempty"`
}

// Request is the locally owned provisioning request document. The engine
// reads and patches it through the document store; Version supports
// optimistic-concurrency updates.
type Request struct {
	ID          string                       `json:"id"`
	TargetOwner string                       `json:"target_owner"`
	TargetRepo  string                       `json:"target_repo"`
	Branch      string                       `json:"branch"`
	PR          *PullRequest                 `json:"pr,omitempty"`
	Approval    *Approval                    `json:"approval,omitempty"`
	MergedSHA   string                       `json:"merged_sha,omitempty"`
	Runs        RunsState                    `json:"runs,omitempty"`
	Lock        *Lock                        `json:"lock,omitempty"`
	Idempotency map[string]IdempotencyRecord `json:"idempotency,omitempty"`
	Version     int64                        `json:"version"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// BranchPrefix is the naming convention for request branches; it is the
// fallback used to correlate webhook payloads with their owning request when
// the run index has no entry yet.
const BranchPrefix = "tfpilot/"

// BranchFor returns the conventional branch name for a request id.
func BranchFor(id string) string {
	return BranchPrefix + id
}

// RequestIDFromBranch extracts a request id from a conventional branch name.
// The boolean result is false for branches outside the convention.
func RequestIDFromBranch(branch string) (string, bool) {
	if len(branch) <= len(BranchPrefix) || branch[:len(BranchPrefix)] != BranchPrefix {
		return "", false
	}
	return branch[len(BranchPrefix):], true
}

// CurrentAttempt returns the highest dispatched attempt for a kind, or nil if
// none was ever dispatched.
func (r *Request) CurrentAttempt(kind OperationKind) *AttemptRecord {
	op, ok := r.Runs[kind]
	if !ok || op.CurrentAttempt == 0 {
		return nil
	}
	for i := range op.Attempts {
		if op.Attempts[i].Attempt == op.CurrentAttempt {
			return &op.Attempts[i]
		}
	}
	return nil
}
