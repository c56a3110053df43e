package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/izavyalov-dev/tfpilot/request"
)

// MemoryStore keeps documents as encoded JSON so every read hands out an
// independent copy, matching the isolation the Postgres store provides.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[r.ID]; exists {
		return fmt.Errorf("state: request %s already exists", r.ID)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.docs[r.ID] = data
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*request.Request, error) {
	s.mu.Lock()
	data, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}

	var doc request.Request
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Update loads a fresh copy, applies the mutator, and swaps the document back
// only if the version is unchanged. Unchanged mutations return the document
// without bumping the version.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*request.Request, bool, error) {
	for range updateRetries {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		expected := doc.Version

		changed, err := mutate(doc)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return doc, false, nil
		}

		doc.Version = expected + 1
		doc.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, false, err
		}

		s.mu.Lock()
		current, ok := s.docs[id]
		if !ok {
			s.mu.Unlock()
			return nil, false, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		var stored request.Request
		if err := json.Unmarshal(current, &stored); err != nil {
			s.mu.Unlock()
			return nil, false, err
		}
		if stored.Version != expected {
			s.mu.Unlock()
			continue
		}
		s.docs[id] = data
		s.mu.Unlock()
		return doc, true, nil
	}
	return nil, false, fmt.Errorf("%w: request %s", ErrVersionConflict, id)
}

func (s *MemoryStore) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type runIndexKey struct {
	kind  request.OperationKind
	runID int64
}

// MemoryRunIndex is a first-writer-wins map guarded by a mutex.
type MemoryRunIndex struct {
	mu     sync.Mutex
	owners map[runIndexKey]string
}

func NewMemoryRunIndex() *MemoryRunIndex {
	return &MemoryRunIndex{owners: make(map[runIndexKey]string)}
}

func (i *MemoryRunIndex) Claim(ctx context.Context, kind request.OperationKind, runID int64, requestID string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := runIndexKey{kind: kind, runID: runID}
	if owner, ok := i.owners[key]; ok {
		return owner, owner == requestID, nil
	}
	i.owners[key] = requestID
	return requestID, true, nil
}

func (i *MemoryRunIndex) Owner(ctx context.Context, kind request.OperationKind, runID int64) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.owners[runIndexKey{kind: kind, runID: runID}], nil
}

// MemoryDeliveryLedger deduplicates webhook deliveries in process memory.
type MemoryDeliveryLedger struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{seen: make(map[string]string)}
}

func (l *MemoryDeliveryLedger) Record(ctx context.Context, deliveryID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[deliveryID]; ok {
		return false, nil
	}
	l.seen[deliveryID] = eventType
	return true, nil
}
