package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/izavyalov-dev/tfpilot/internal/observability"
	"github.com/izavyalov-dev/tfpilot/internal/vcs/github"
	"github.com/izavyalov-dev/tfpilot/request"
	"github.com/izavyalov-dev/tfpilot/state"
)

// Actions is the slice of the GitHub API the engine talks to. The concrete
// client lives in internal/vcs/github; tests substitute a fake.
type Actions interface {
	ListWorkflowRuns(ctx context.Context, owner, repo, workflowFile, branch string) ([]github.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (github.WorkflowRun, error)
	DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string, inputs map[string]string) error
	GetPullRequest(ctx context.Context, owner, repo string, number int) (github.PullRequest, error)
	ListReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error)
}

// Archiver persists terminal attempt records for audit. Optional.
type Archiver interface {
	ArchiveAttempt(ctx context.Context, requestID string, kind string, attempt int, record []byte) (string, error)
}

// Config holds the tunables for synchronization behavior.
type Config struct {
	LockTTL           time.Duration
	DiscoveryCooldown time.Duration
	ReconcileCooldown time.Duration
	SkewTolerance     time.Duration
	DefaultBackoff    time.Duration
	DestroyStaleAfter time.Duration
	CacheCap          int

	// WorkflowFiles maps each operation kind to the workflow file dispatched
	// and matched for it in the target repository.
	WorkflowFiles map[request.OperationKind]string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:           request.DefaultLockTTL,
		DiscoveryCooldown: 30 * time.Second,
		ReconcileCooldown: 20 * time.Second,
		SkewTolerance:     2 * time.Minute,
		DefaultBackoff:    60 * time.Second,
		DestroyStaleAfter: request.DefaultDestroyStaleAfter,
		CacheCap:          4096,
		WorkflowFiles: map[request.OperationKind]string{
			request.OpPlan:    ".github/workflows/tfpilot-plan.yml",
			request.OpApply:   ".github/workflows/tfpilot-apply.yml",
			request.OpDestroy: ".github/workflows/tfpilot-destroy.yml",
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.DiscoveryCooldown <= 0 {
		c.DiscoveryCooldown = def.DiscoveryCooldown
	}
	if c.ReconcileCooldown <= 0 {
		c.ReconcileCooldown = def.ReconcileCooldown
	}
	if c.SkewTolerance <= 0 {
		c.SkewTolerance = def.SkewTolerance
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = def.DefaultBackoff
	}
	if c.DestroyStaleAfter <= 0 {
		c.DestroyStaleAfter = def.DestroyStaleAfter
	}
	if c.CacheCap <= 0 {
		c.CacheCap = def.CacheCap
	}
	if c.WorkflowFiles == nil {
		c.WorkflowFiles = def.WorkflowFiles
	}
	return c
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Config   Config
	Clock    Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Archiver Archiver
}

// Service keeps request documents consistent with the workflow runs that
// execute them. All mutations go through the optimistic-concurrency Store;
// external reads are throttled by per-attempt cooldowns and per-repo
// backoffs.
type Service struct {
	store      state.Store
	runs       state.RunIndex
	deliveries state.DeliveryLedger
	actions    Actions
	archiver   Archiver

	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	discovery *expiryCache
	reconcile *expiryCache
	backoff   *expiryCache

	group singleflight.Group
}

// NewService wires a Service. store, runs, deliveries and actions are
// required; everything in opts falls back to sane defaults.
func NewService(store state.Store, runs state.RunIndex, deliveries state.DeliveryLedger, actions Actions, opts Options) *Service {
	cfg := opts.Config.withDefaults()
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger("engine")
	}
	return &Service{
		store:      store,
		runs:       runs,
		deliveries: deliveries,
		actions:    actions,
		archiver:   opts.Archiver,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    opts.Metrics,
		discovery:  newExpiryCache(cfg.CacheCap),
		reconcile:  newExpiryCache(cfg.CacheCap),
		backoff:    newExpiryCache(cfg.CacheCap),
	}
}

// kindForWorkflow infers the operation kind from a run's workflow path or
// name. Runs from unrelated workflows return ok=false and are ignored.
func (s *Service) kindForWorkflow(path, name string) (request.OperationKind, bool) {
	for kind, file := range s.cfg.WorkflowFiles {
		if path == file {
			return kind, true
		}
	}
	for _, kind := range request.Kinds {
		if strings.Contains(path, string(kind)) || strings.Contains(strings.ToLower(name), string(kind)) {
			return kind, true
		}
	}
	return "", false
}
