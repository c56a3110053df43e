// Package state persists request documents, the run-correlation index, and
// the webhook delivery ledger. The engine only depends on the interfaces;
// Postgres backs production and the in-memory implementations back tests and
// single-node development.
package state

import (
	"context"
	"errors"

	"github.com/izavyalov-dev/tfpilot/request"
)

// ErrNotFound is returned when a requested document or row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrVersionConflict is returned when an optimistic-concurrency update lost
// the race too many times.
var ErrVersionConflict = errors.New("state: version conflict")

// Mutator applies a change to a freshly loaded document. It must be pure
// (no I/O, no shared state) because it is re-invoked on version conflicts.
// Returning changed=false skips the write entirely, which is what keeps
// duplicate webhook deliveries from bumping the document version.
type Mutator func(r *request.Request) (changed bool, err error)

// Store is the document store contract. Update implements compare-and-swap on
// the document version and retries the mutator on conflict.
type Store interface {
	Create(ctx context.Context, r *request.Request) error
	Get(ctx context.Context, id string) (*request.Request, error)
	Update(ctx context.Context, id string, mutate Mutator) (*request.Request, bool, error)
	// ListIDs enumerates every stored request id. The background resync
	// sweeper walks this to repair requests nobody is polling.
	ListIDs(ctx context.Context) ([]string, error)
}

// RunIndex maps (kind, external run id) to the owning request. Claims are
// first-writer-wins: the mapping is written at most once and a later claim
// for a different request is rejected, which prevents one request's workflow
// run from ever being attributed to another.
type RunIndex interface {
	// Claim records the mapping if unclaimed and returns the resulting owner.
	// claimed is true when this call created the mapping or the mapping
	// already belonged to requestID.
	Claim(ctx context.Context, kind request.OperationKind, runID int64, requestID string) (owner string, claimed bool, err error)
	// Owner returns the owning request id, or "" when unclaimed.
	Owner(ctx context.Context, kind request.OperationKind, runID int64) (string, error)
}

// DeliveryLedger deduplicates inbound webhook deliveries by transport
// delivery id.
type DeliveryLedger interface {
	// Record stores the delivery id and returns true only for the first
	// writer; duplicates return false.
	Record(ctx context.Context, deliveryID, eventType string) (bool, error)
}

// updateRetries bounds compare-and-swap retries before surfacing
// ErrVersionConflict.
const updateRetries = 5
