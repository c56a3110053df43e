package engine

import (
	"context"
	"errors"
	"time"

	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
	"github.com/izavyalov-dev/tfpilot/state"
)

// RecordDelivery registers a webhook delivery id and reports whether this is
// the first time it was seen. Duplicates are acknowledged without
// reprocessing.
func (s *Service) RecordDelivery(ctx context.Context, deliveryID, eventType string) (bool, error) {
	return s.deliveries.Record(ctx, deliveryID, eventType)
}

// HandleEvent folds a parsed webhook event into the owning request
// document. Events that reference no known request are dropped; webhook
// processing is best effort and the poll path repairs whatever it misses.
func (s *Service) HandleEvent(ctx context.Context, evt github.Event) error {
	switch evt.Type {
	case github.EventWorkflowRun:
		return s.handleWorkflowRun(ctx, evt.WorkflowRun)
	case github.EventPullRequest:
		return s.handlePullRequest(ctx, evt.PullRequest)
	case github.EventPullRequestReview:
		return s.handleReview(ctx, evt.Review)
	default:
		return nil
	}
}

// handleWorkflowRun routes a run event to its request. The run index is the
// authoritative correlation; the branch naming convention is the fallback
// for runs the poller has not claimed yet.
func (s *Service) handleWorkflowRun(ctx context.Context, evt *github.WorkflowRunEvent) error {
	if evt == nil {
		return nil
	}
	run := evt.Run
	kind, ok := s.kindForWorkflow(run.Path, run.Name)
	if !ok {
		s.metrics.IncWebhook("ignored")
		return nil
	}

	owner, err := s.runs.Owner(ctx, kind, run.ID)
	if err != nil {
		return err
	}
	if owner == "" {
		id, ok := request.RequestIDFromBranch(run.HeadBranch)
		if !ok {
			s.metrics.IncWebhook("ignored")
			return nil
		}
		_, claimed, err := s.runs.Claim(ctx, kind, run.ID, id)
		if err != nil {
			return err
		}
		if !claimed {
			s.metrics.IncWebhook("ignored")
			return nil
		}
		owner = id
	}

	fields := runFields(run)
	updated, changed, err := s.store.Update(ctx, owner, func(r *request.Request) (bool, error) {
		changed := request.PatchAttemptByRunID(r.Runs, kind, run.ID, fields)
		if changed {
			return true, nil
		}
		// The run is not attached yet: a webhook can outrun discovery. If
		// the current attempt of this kind is still waiting for a run id,
		// attach it here and fold in the payload fields.
		att := r.CurrentAttempt(kind)
		if att == nil || att.RunID != nil || att.Conclusion != "" {
			return false, nil
		}
		if run.CreatedAt.Before(att.DispatchedAt.Add(-s.cfg.SkewTolerance)) {
			return false, nil
		}
		if !request.PatchAttemptRunID(r.Runs, kind, att.Attempt, run.ID, run.HTMLURL) {
			return false, nil
		}
		request.PatchAttemptByRunID(r.Runs, kind, run.ID, fields)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.metrics.IncWebhook("orphaned")
			s.logger.Warn("run event for unknown request", "request_id", owner, "run_id", run.ID)
			return nil
		}
		return err
	}
	if changed {
		s.metrics.IncWebhook("applied")
		if request.IsTerminalRun(fields) {
			s.archiveTerminalAttempt(ctx, updated, kind)
		}
	} else {
		s.metrics.IncWebhook("noop")
	}
	return nil
}

func (s *Service) handlePullRequest(ctx context.Context, evt *github.PullRequestEvent) error {
	if evt == nil {
		return nil
	}
	id, ok := request.RequestIDFromBranch(evt.HeadRef)
	if !ok {
		s.metrics.IncWebhook("ignored")
		return nil
	}
	_, changed, err := s.store.Update(ctx, id, func(r *request.Request) (bool, error) {
		return applyPRFacts(r, evt.Number, evt.State, evt.Merged, evt.MergeCommitSHA, evt.HeadSHA, evt.HTMLURL), nil
	})
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.metrics.IncWebhook("orphaned")
			return nil
		}
		return err
	}
	if changed {
		s.metrics.IncWebhook("applied")
	} else {
		s.metrics.IncWebhook("noop")
	}
	return nil
}

// handleReview records the first approving review as the request's approval
// fact. Replays of the same review are no-ops; non-approving states are
// ignored.
func (s *Service) handleReview(ctx context.Context, evt *github.PullRequestReviewEvent) error {
	if evt == nil || evt.ReviewState != "approved" {
		s.metrics.IncWebhook("ignored")
		return nil
	}
	id, ok := request.RequestIDFromBranch(evt.HeadRef)
	if !ok {
		s.metrics.IncWebhook("ignored")
		return nil
	}
	at := s.clock.Now()
	if evt.SubmittedAt != nil {
		at = *evt.SubmittedAt
	}
	_, changed, err := s.store.Update(ctx, id, func(r *request.Request) (bool, error) {
		if r.Approval != nil {
			return false, nil
		}
		r.Approval = &request.Approval{By: evt.Reviewer, At: at.UTC().Truncate(time.Second)}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.metrics.IncWebhook("orphaned")
			return nil
		}
		return err
	}
	if changed {
		s.metrics.IncWebhook("applied")
	} else {
		s.metrics.IncWebhook("noop")
	}
	return nil
}
