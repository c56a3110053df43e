package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/tfpilot/request"
)

// OpParams identifies the request and caller of a mutating operation.
type OpParams struct {
	RequestID      string
	Actor          string
	IdempotencyKey string
}

// DispatchResult is what a dispatch-style operation (plan, apply, destroy,
// update) returns, and what gets stored as the idempotent replay patch.
type DispatchResult struct {
	Operation    string    `json:"operation"`
	Kind         string    `json:"kind"`
	Attempt      int       `json:"attempt"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Replayed     bool      `json:"replayed,omitempty"`
}

// ApproveResult reports an approval, possibly replayed.
type ApproveResult struct {
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Replayed   bool      `json:"replayed,omitempty"`
}

// Apply dispatches the apply workflow for the request.
func (s *Service) Apply(ctx context.Context, p OpParams) (*DispatchResult, error) {
	return s.dispatchOp(ctx, "apply", request.OpApply, p, nil)
}

// Destroy dispatches the destroy workflow for the request.
func (s *Service) Destroy(ctx context.Context, p OpParams) (*DispatchResult, error) {
	return s.dispatchOp(ctx, "destroy", request.OpDestroy, p, nil)
}

// Plan dispatches the plan workflow for the request.
func (s *Service) Plan(ctx context.Context, p OpParams) (*DispatchResult, error) {
	return s.dispatchOp(ctx, "plan", request.OpPlan, p, nil)
}

// Update re-plans the request after its rendered content changed. It runs
// under its own operation name so an update and a plain plan with the same
// idempotency key do not collide.
func (s *Service) Update(ctx context.Context, p OpParams, inputs map[string]string) (*DispatchResult, error) {
	return s.dispatchOp(ctx, "update", request.OpPlan, p, inputs)
}

// dispatchOp is the shared shape of every run-dispatching operation:
// assert idempotency and take the advisory lock in one atomic document
// update, fire the workflow dispatch, then record the attempt and the
// replay patch and release the lock. If the external dispatch fails the
// lock and the idempotency reservation are rolled back so the caller can
// retry with the same key.
func (s *Service) dispatchOp(ctx context.Context, opName string, kind request.OperationKind, p OpParams, inputs map[string]string) (*DispatchResult, error) {
	holder := lockHolder(p.Actor)

	var (
		outcome request.IdempotencyOutcome
		replay  *request.IdempotencyRecord
	)
	doc, _, err := s.store.Update(ctx, p.RequestID, func(r *request.Request) (bool, error) {
		now := s.clock.Now()
		request.ClearExpiredLock(r, now)
		o, rec, err := request.AssertIdempotent(r, opName, p.IdempotencyKey, now)
		if err != nil {
			return false, err
		}
		outcome, replay = o, rec
		if o == request.IdempotencyReplay {
			return false, nil
		}
		if err := request.AcquireLock(r, opName, holder, now, s.cfg.LockTTL); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if outcome == request.IdempotencyReplay {
		// A reserved key with no recorded result means the first call is
		// still between its reservation and its dispatch. Replaying now
		// would fabricate an empty result, so reject and let the caller
		// retry once the first call settles.
		if replay == nil || len(replay.Patch) == 0 {
			return nil, &request.InFlightError{Operation: opName}
		}
		return replayDispatchResult(opName, kind, replay)
	}

	wf := s.cfg.WorkflowFiles[kind]
	dispatchInputs := map[string]string{"request_id": doc.ID}
	for k, v := range inputs {
		dispatchInputs[k] = v
	}
	if err := s.actions.DispatchWorkflow(ctx, doc.TargetOwner, doc.TargetRepo, wf, doc.Branch, dispatchInputs); err != nil {
		s.rollbackOp(ctx, p.RequestID, opName, p.IdempotencyKey, holder)
		return nil, fmt.Errorf("dispatch %s workflow: %w", opName, err)
	}

	var result DispatchResult
	_, _, err = s.store.Update(ctx, p.RequestID, func(r *request.Request) (bool, error) {
		now := s.clock.Now()
		if r.Runs == nil {
			r.Runs = request.RunsState{}
		}
		att := request.StartAttempt(r.Runs, kind, request.Dispatch{
			Ref:   r.Branch,
			Actor: p.Actor,
			At:    now,
		})
		result = DispatchResult{
			Operation:    opName,
			Kind:         string(kind),
			Attempt:      att.Attempt,
			DispatchedAt: att.DispatchedAt,
		}
		patch, merr := json.Marshal(result)
		if merr != nil {
			return false, merr
		}
		request.RecordIdempotencyResult(r, opName, patch)
		request.ReleaseLock(r, holder)
		return true, nil
	})
	if err != nil {
		s.releaseLockBestEffort(ctx, p.RequestID, holder)
		return nil, err
	}

	s.metrics.IncDispatch(string(kind))
	s.logger.Info("workflow dispatched",
		"request_id", p.RequestID, "operation", opName, "kind", string(kind), "attempt", result.Attempt)
	return &result, nil
}

// Approve records approval on the request. The approval is a document-local
// fact; it still runs under idempotency and the advisory lock like every
// other mutating operation.
func (s *Service) Approve(ctx context.Context, p OpParams) (*ApproveResult, error) {
	const opName = "approve"
	holder := lockHolder(p.Actor)

	var (
		outcome request.IdempotencyOutcome
		replay  *request.IdempotencyRecord
		result  ApproveResult
	)
	_, _, err := s.store.Update(ctx, p.RequestID, func(r *request.Request) (bool, error) {
		now := s.clock.Now()
		request.ClearExpiredLock(r, now)
		o, rec, err := request.AssertIdempotent(r, opName, p.IdempotencyKey, now)
		if err != nil {
			return false, err
		}
		outcome, replay = o, rec
		if o == request.IdempotencyReplay {
			return false, nil
		}
		if err := request.AcquireLock(r, opName, holder, now, s.cfg.LockTTL); err != nil {
			return false, err
		}
		if r.Approval == nil {
			r.Approval = &request.Approval{By: p.Actor, At: now}
		}
		result = ApproveResult{ApprovedBy: r.Approval.By, ApprovedAt: r.Approval.At}
		patch, merr := json.Marshal(result)
		if merr != nil {
			return false, merr
		}
		request.RecordIdempotencyResult(r, opName, patch)
		request.ReleaseLock(r, holder)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if outcome == request.IdempotencyReplay {
		var prev ApproveResult
		if replay != nil && len(replay.Patch) > 0 {
			if err := json.Unmarshal(replay.Patch, &prev); err != nil {
				return nil, fmt.Errorf("decode replayed approve result: %w", err)
			}
		}
		prev.Replayed = true
		return &prev, nil
	}
	s.logger.Info("request approved", "request_id", p.RequestID, "actor", p.Actor)
	return &result, nil
}

// CreateParams describes a new request document.
type CreateParams struct {
	ID          string
	TargetOwner string
	TargetRepo  string
	Branch      string
}

// CreateRequest registers a new request document. The branch defaults to
// the conventional name derived from the request id, which is also what
// webhook correlation falls back to.
func (s *Service) CreateRequest(ctx context.Context, p CreateParams) (*request.Request, error) {
	if p.TargetOwner == "" || p.TargetRepo == "" {
		return nil, fmt.Errorf("target owner and repo are required")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	branch := p.Branch
	if branch == "" {
		branch = request.BranchFor(id)
	}
	now := s.clock.Now()
	doc := &request.Request{
		ID:          id,
		TargetOwner: p.TargetOwner,
		TargetRepo:  p.TargetRepo,
		Branch:      branch,
		Runs:        request.RunsState{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	s.logger.Info("request created", "request_id", id, "repo", p.TargetOwner+"/"+p.TargetRepo, "branch", branch)
	return doc, nil
}

// Get returns the stored document without touching external systems.
func (s *Service) Get(ctx context.Context, id string) (*request.Request, error) {
	return s.store.Get(ctx, id)
}

// rollbackOp undoes the idempotency reservation and the lock after a failed
// external side effect. Best effort; a retry with the same key must not be
// treated as a replay of a dispatch that never happened.
func (s *Service) rollbackOp(ctx context.Context, id, opName, key, holder string) {
	_, _, err := s.store.Update(ctx, id, func(r *request.Request) (bool, error) {
		changed := request.ReleaseLock(r, holder)
		if rec, ok := r.Idempotency[opName]; ok && rec.Key == key && len(rec.Patch) == 0 {
			delete(r.Idempotency, opName)
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		s.logger.Warn("operation rollback failed", "request_id", id, "operation", opName, "error", err)
	}
}

func (s *Service) releaseLockBestEffort(ctx context.Context, id, holder string) {
	_, _, err := s.store.Update(ctx, id, func(r *request.Request) (bool, error) {
		return request.ReleaseLock(r, holder), nil
	})
	if err != nil {
		s.logger.Warn("lock release failed", "request_id", id, "error", err)
	}
}

func replayDispatchResult(opName string, kind request.OperationKind, rec *request.IdempotencyRecord) (*DispatchResult, error) {
	result := DispatchResult{Operation: opName, Kind: string(kind)}
	if err := json.Unmarshal(rec.Patch, &result); err != nil {
		return nil, fmt.Errorf("decode replayed %s result: %w", opName, err)
	}
	result.Replayed = true
	return &result, nil
}

// lockHolder builds a unique holder id per invocation so two concurrent
// calls by the same actor cannot pass the re-entrancy check.
func lockHolder(actor string) string {
	if actor == "" {
		actor = "anonymous"
	}
	return actor + ":" + uuid.NewString()
}
