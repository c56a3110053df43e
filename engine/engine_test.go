package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
	"github.com/izavyalov-dev/tfpilot/state"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeActions struct {
	mu sync.Mutex

	runs    map[int64]github.WorkflowRun
	pr      github.PullRequest
	reviews []github.Review

	listErr     error
	getErr      error
	dispatchErr error
	prErr       error
	reviewsErr  error

	// dispatchHook runs during DispatchWorkflow, before it returns, so tests
	// can interleave a concurrent call with an in-flight dispatch.
	dispatchHook func()

	listCalls     int
	getCalls      int
	dispatchCalls int
	prCalls       int
	reviewCalls   int
}

func newFakeActions() *fakeActions {
	return &fakeActions{runs: make(map[int64]github.WorkflowRun)}
}

func (f *fakeActions) setRun(run github.WorkflowRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func (f *fakeActions) ListWorkflowRuns(ctx context.Context, owner, repo, workflowFile, branch string) ([]github.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []github.WorkflowRun
	for _, run := range f.runs {
		if run.HeadBranch == branch && run.Path == workflowFile {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeActions) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (github.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return github.WorkflowRun{}, f.getErr
	}
	run, ok := f.runs[runID]
	if !ok {
		return github.WorkflowRun{}, &github.APIError{StatusCode: 404, Message: "not found"}
	}
	return run, nil
}

func (f *fakeActions) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string, inputs map[string]string) error {
	f.mu.Lock()
	f.dispatchCalls++
	hook := f.dispatchHook
	err := f.dispatchErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeActions) GetPullRequest(ctx context.Context, owner, repo string, number int) (github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prCalls++
	if f.prErr != nil {
		return github.PullRequest{}, f.prErr
	}
	return f.pr, nil
}

func (f *fakeActions) ListReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewCalls++
	if f.reviewsErr != nil {
		return nil, f.reviewsErr
	}
	return f.reviews, nil
}

type fixture struct {
	service *Service
	store   *state.MemoryStore
	actions *fakeActions
	clock   *manualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	actions := newFakeActions()
	clock := newManualClock()
	service := NewService(store, state.NewMemoryRunIndex(), state.NewMemoryDeliveryLedger(), actions, Options{
		Clock: clock,
	})
	return &fixture{service: service, store: store, actions: actions, clock: clock}
}

func (fx *fixture) createRequest(t *testing.T, id string) *request.Request {
	t.Helper()
	doc, err := fx.service.CreateRequest(context.Background(), CreateParams{
		ID:          id,
		TargetOwner: "acme",
		TargetRepo:  "infra-live",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return doc
}

func (fx *fixture) planWorkflowFile() string {
	return fx.service.cfg.WorkflowFiles[request.OpPlan]
}
