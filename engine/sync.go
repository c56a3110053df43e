package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/izavyalov-dev/tfpilot/internal/observability"
	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
)

// Sync modes reported to callers. ModeLocal means the result was computed
// from stored facts alone; ModeRepair means at least one external call was
// made to discover or reconcile run state.
const (
	ModeLocal  = "tfpilot-only"
	ModeRepair = "repair"
)

// SyncOptions controls how far a sync is allowed to reach.
type SyncOptions struct {
	// Repair bypasses discovery and reconcile cooldowns, forcing a fresh
	// look at the external runs. Backoff windows still apply.
	Repair bool
	// Hydrate refreshes pull request facts from the external API.
	Hydrate bool
}

// SyncInfo describes what a sync did and why it may have been constrained.
type SyncInfo struct {
	Mode             string `json:"mode"`
	Degraded         bool   `json:"degraded,omitempty"`
	BackoffScope     string `json:"backoff_scope,omitempty"`
	BackoffRemaining string `json:"backoff_remaining,omitempty"`
}

// SyncResult is the point-in-time view of a request after synchronization.
type SyncResult struct {
	Request *request.Request `json:"request"`
	Status  request.Status   `json:"status"`
	Sync    SyncInfo         `json:"sync"`
}

// Sync brings the request's stored facts in line with the external workflow
// runs and returns the derived view. Concurrent syncs for the same request
// and options are collapsed into one; a repair sync never coalesces into a
// plain one.
func (s *Service) Sync(ctx context.Context, id string, opts SyncOptions) (*SyncResult, error) {
	v, err, _ := s.group.Do(syncKey(id, opts), func() (any, error) {
		return s.syncOnce(ctx, id, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (s *Service) syncOnce(ctx context.Context, id string, opts SyncOptions) (*SyncResult, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	doc = s.clearExpiredLock(ctx, doc, now)

	scope := repoBackoffScope(doc.TargetOwner, doc.TargetRepo)
	if matched, _ := s.backoffState(scope, now); matched != "" {
		return s.degraded(doc, scope), nil
	}

	repaired := false
	for _, kind := range request.Kinds {
		att := doc.CurrentAttempt(kind)
		if att == nil {
			continue
		}

		if att.RunID == nil && att.Conclusion == "" {
			key := discoveryKey(id, kind, att.Attempt)
			if opts.Repair || !s.discovery.Active(key, now) {
				updated, called, err := s.discoverRun(ctx, doc, kind, *att, now)
				if s.noteRateLimit(err, scope, now) {
					return s.degraded(doc, scope), nil
				}
				if called {
					repaired = true
				}
				if updated != nil {
					doc = updated
				}
			}
		}

		att = doc.CurrentAttempt(kind)
		if att == nil || att.RunID == nil || !request.NeedsReconcile(*att) {
			continue
		}
		key := reconcileKey(id, kind, *att.RunID)
		if !opts.Repair && s.reconcile.Active(key, now) {
			continue
		}
		updated, called, err := s.reconcileRun(ctx, doc, kind, *att, now)
		if s.noteRateLimit(err, scope, now) {
			return s.degraded(doc, scope), nil
		}
		if called {
			repaired = true
		}
		if updated != nil {
			doc = updated
		}
	}

	if opts.Hydrate && doc.PR != nil {
		updated, called, err := s.hydratePR(ctx, doc)
		if s.noteRateLimit(err, scope, now) {
			return s.degraded(doc, scope), nil
		}
		if called {
			repaired = true
		}
		if updated != nil {
			doc = updated
		}
	}

	mode := ModeLocal
	if repaired {
		mode = ModeRepair
	}
	s.metrics.IncSync(mode)
	return s.resultFor(doc, SyncInfo{Mode: mode}), nil
}

// ResyncAll walks every stored request and runs a cooldown-respecting sync.
// The background sweeper uses this to repair requests nobody is polling.
// It returns how many requests changed mode to repair.
func (s *Service) ResyncAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		result, err := s.Sync(ctx, id, SyncOptions{})
		if err != nil {
			s.logger.Warn("background resync failed", "request_id", id, "error", err)
			continue
		}
		if result.Sync.Mode == ModeRepair {
			repaired++
		}
	}
	return repaired, nil
}

// degraded builds the facts-only response returned while a backoff window
// is in force, reporting the scope whose window actually matched.
func (s *Service) degraded(doc *request.Request, scope string) *SyncResult {
	matched, remaining := s.backoffState(scope, s.clock.Now())
	if matched == "" {
		matched = scope
	}
	s.metrics.IncSync(ModeLocal)
	return s.resultFor(doc, SyncInfo{
		Mode:             ModeLocal,
		Degraded:         true,
		BackoffScope:     matched,
		BackoffRemaining: remaining.Round(time.Millisecond).String(),
	})
}

func (s *Service) resultFor(doc *request.Request, info SyncInfo) *SyncResult {
	return &SyncResult{
		Request: doc,
		Status:  request.DeriveStatusAt(doc, s.clock.Now(), s.cfg.DestroyStaleAfter),
		Sync:    info,
	}
}

// clearExpiredLock opportunistically drops an elapsed advisory lock. Update
// failures are logged and otherwise ignored; a stale lock never blocks a
// read path.
func (s *Service) clearExpiredLock(ctx context.Context, doc *request.Request, now time.Time) *request.Request {
	if doc.Lock == nil || !doc.Lock.Expired(now) {
		return doc
	}
	updated, _, err := s.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		return request.ClearExpiredLock(r, now), nil
	})
	if err != nil {
		s.logger.Warn("clear expired lock failed", "request_id", doc.ID, "error", err)
		return doc
	}
	return updated
}

// noteRateLimit records a backoff window when err is a rate-limit rejection
// and reports whether it was. Other errors are not backoff-worthy.
func (s *Service) noteRateLimit(err error, scope string, now time.Time) bool {
	if err == nil || !github.IsRateLimit(err) {
		return false
	}
	wait := github.RetryAfter(err)
	if wait <= 0 {
		wait = s.cfg.DefaultBackoff
	}
	s.backoff.Set(scope, now.Add(wait))
	s.metrics.IncBackoff(scope)
	s.logger.Warn("rate limited, backing off", "scope", scope, "wait", wait.String())
	return true
}

// backoffState reports which backoff window covers scope, the repo one or
// the global fallback, and how long it still has to run. An empty scope
// means no window is in force.
func (s *Service) backoffState(scope string, now time.Time) (string, time.Duration) {
	if remaining := s.backoff.Remaining(scope, now); remaining > 0 {
		return scope, remaining
	}
	if remaining := s.backoff.Remaining(globalBackoffScope, now); remaining > 0 {
		return globalBackoffScope, remaining
	}
	return "", 0
}

// discoverRun lists workflow runs on the request's branch and attaches the
// oldest unclaimed candidate to the attempt. Candidates older than the
// dispatch time, less a skew tolerance, are ignored so reruns of earlier
// attempts cannot contaminate this one.
func (s *Service) discoverRun(ctx context.Context, doc *request.Request, kind request.OperationKind, att request.AttemptRecord, now time.Time) (*request.Request, bool, error) {
	wf := s.cfg.WorkflowFiles[kind]
	runs, err := s.actions.ListWorkflowRuns(ctx, doc.TargetOwner, doc.TargetRepo, wf, doc.Branch)
	if err != nil {
		if github.IsRateLimit(err) {
			return nil, true, err
		}
		observability.WithRequest(s.logger, doc.ID).Warn("run discovery failed", "kind", string(kind), "error", err)
		return nil, true, nil
	}

	cutoff := att.DispatchedAt.Add(-s.cfg.SkewTolerance)
	var candidates []github.WorkflowRun
	for _, run := range runs {
		if run.HeadBranch != doc.Branch {
			continue
		}
		if run.CreatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, run)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	for _, run := range candidates {
		_, claimed, err := s.runs.Claim(ctx, kind, run.ID, doc.ID)
		if err != nil {
			return nil, true, err
		}
		if !claimed {
			continue
		}
		updated, changed, err := s.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
			return request.PatchAttemptRunID(r.Runs, kind, att.Attempt, run.ID, run.HTMLURL), nil
		})
		if err != nil {
			return nil, true, err
		}
		if changed {
			s.logger.Info("attached run", "request_id", doc.ID, "kind", string(kind), "attempt", att.Attempt, "run_id", run.ID)
			return updated, true, nil
		}
		// Another path already filled the run id. Nothing left to discover.
		s.discovery.Set(discoveryKey(doc.ID, kind, att.Attempt), now.Add(s.cfg.DiscoveryCooldown))
		return updated, true, nil
	}

	s.discovery.Set(discoveryKey(doc.ID, kind, att.Attempt), now.Add(s.cfg.DiscoveryCooldown))
	return nil, true, nil
}

// reconcileRun fetches the attached run and folds its fields into the
// attempt. A run that is still not terminal starts a reconcile cooldown.
func (s *Service) reconcileRun(ctx context.Context, doc *request.Request, kind request.OperationKind, att request.AttemptRecord, now time.Time) (*request.Request, bool, error) {
	run, err := s.actions.GetWorkflowRun(ctx, doc.TargetOwner, doc.TargetRepo, *att.RunID)
	if err != nil {
		if github.IsRateLimit(err) {
			return nil, true, err
		}
		s.metrics.IncReconcile("error")
		observability.WithRun(observability.WithRequest(s.logger, doc.ID), *att.RunID).Warn("run reconcile failed", "error", err)
		return nil, true, nil
	}

	fields := runFields(run)
	updated, changed, err := s.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		return request.PatchAttemptByRunID(r.Runs, kind, run.ID, fields), nil
	})
	if err != nil {
		return nil, true, err
	}
	if changed {
		s.metrics.IncReconcile("updated")
		if request.IsTerminalRun(fields) {
			s.archiveTerminalAttempt(ctx, updated, kind)
		}
	} else {
		s.metrics.IncReconcile("noop")
		// The run is legitimately still pending and nothing moved; throttle
		// further fetches without throttling the call that reports completion.
		if !request.IsTerminalRun(fields) {
			s.reconcile.Set(reconcileKey(doc.ID, kind, run.ID), now.Add(s.cfg.ReconcileCooldown))
		}
	}
	return updated, true, nil
}

// hydratePR refreshes pull request facts from the API. When no approval is
// recorded yet it also walks the PR reviews, so a missed review webhook does
// not leave the request unapprovable.
func (s *Service) hydratePR(ctx context.Context, doc *request.Request) (*request.Request, bool, error) {
	pr, err := s.actions.GetPullRequest(ctx, doc.TargetOwner, doc.TargetRepo, doc.PR.Number)
	if err != nil {
		if github.IsRateLimit(err) {
			return nil, true, err
		}
		s.logger.Warn("pull request hydrate failed", "request_id", doc.ID, "number", doc.PR.Number, "error", err)
		return nil, true, nil
	}
	updated, _, err := s.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
		return applyPRFacts(r, pr.Number, pr.State, pr.Merged, pr.MergeCommitSHA, pr.Head.SHA, pr.HTMLURL), nil
	})
	if err != nil {
		return nil, true, err
	}
	if updated.Approval == nil {
		if hydrated, err := s.hydrateApproval(ctx, updated); err != nil {
			return updated, true, err
		} else if hydrated != nil {
			updated = hydrated
		}
	}
	return updated, true, nil
}

// hydrateApproval records the earliest approving review as the approval
// fact. Rate-limit errors propagate; other fetch failures are logged and the
// next hydrate retries.
func (s *Service) hydrateApproval(ctx context.Context, doc *request.Request) (*request.Request, error) {
	reviews, err := s.actions.ListReviews(ctx, doc.TargetOwner, doc.TargetRepo, doc.PR.Number)
	if err != nil {
		if github.IsRateLimit(err) {
			return nil, err
		}
		s.logger.Warn("review hydrate failed", "request_id", doc.ID, "number", doc.PR.Number, "error", err)
		return nil, nil
	}
	for _, review := range reviews {
		if review.State != "approved" {
			continue
		}
		at := s.clock.Now()
		if review.SubmittedAt != nil {
			at = *review.SubmittedAt
		}
		approval := &request.Approval{By: review.User.Login, At: at.UTC().Truncate(time.Second)}
		updated, _, err := s.store.Update(ctx, doc.ID, func(r *request.Request) (bool, error) {
			if r.Approval != nil {
				return false, nil
			}
			r.Approval = approval
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, nil
}

// applyPRFacts merges pull request facts into the document and reports
// whether anything changed.
func applyPRFacts(r *request.Request, number int, state string, merged bool, mergedSHA, headSHA, url string) bool {
	changed := false
	if r.PR == nil {
		r.PR = &request.PullRequest{Number: number}
		changed = true
	}
	pr := r.PR
	if number != 0 && pr.Number != number {
		pr.Number = number
		changed = true
	}
	if state != "" && pr.State != state {
		pr.State = state
		changed = true
	}
	if merged && !pr.Merged {
		pr.Merged = true
		changed = true
	}
	if mergedSHA != "" && pr.MergedSHA != mergedSHA {
		pr.MergedSHA = mergedSHA
		changed = true
	}
	if merged && mergedSHA != "" && r.MergedSHA != mergedSHA {
		r.MergedSHA = mergedSHA
		changed = true
	}
	if headSHA != "" && pr.HeadSHA != headSHA {
		pr.HeadSHA = headSHA
		changed = true
	}
	if url != "" && pr.URL != url {
		pr.URL = url
		changed = true
	}
	return changed
}

// archiveTerminalAttempt writes the completed attempt to the archiver.
// Failures are logged; archival never blocks synchronization.
func (s *Service) archiveTerminalAttempt(ctx context.Context, doc *request.Request, kind request.OperationKind) {
	if s.archiver == nil {
		return
	}
	att := doc.CurrentAttempt(kind)
	if att == nil {
		return
	}
	record, err := json.Marshal(att)
	if err != nil {
		return
	}
	loc, err := s.archiver.ArchiveAttempt(ctx, doc.ID, string(kind), att.Attempt, record)
	if err != nil {
		s.logger.Warn("attempt archive failed", "request_id", doc.ID, "kind", string(kind), "error", err)
		return
	}
	s.logger.Info("attempt archived", "request_id", doc.ID, "kind", string(kind), "location", loc)
}

func runFields(run github.WorkflowRun) request.RunFields {
	f := request.RunFields{
		Status:     run.Status,
		Conclusion: run.Conclusion,
		HeadSHA:    run.HeadSHA,
		URL:        run.HTMLURL,
	}
	if run.CompletedAt != nil {
		f.CompletedAt = run.CompletedAt
	}
	if run.UpdatedAt != nil {
		f.UpdatedAt = run.UpdatedAt
	}
	return f
}

func syncKey(id string, opts SyncOptions) string {
	return fmt.Sprintf("sync:%s:%t:%t", id, opts.Repair, opts.Hydrate)
}

func discoveryKey(id string, kind request.OperationKind, attempt int) string {
	return fmt.Sprintf("disc:%s:%s:%d", id, kind, attempt)
}

func reconcileKey(id string, kind request.OperationKind, runID int64) string {
	return fmt.Sprintf("rec:%s:%s:%d", id, kind, runID)
}
