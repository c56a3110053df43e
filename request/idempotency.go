package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IdempotencyOutcome classifies the result of an idempotency assertion.
type IdempotencyOutcome int

const (
	// IdempotencyNone: no key supplied, execute normally without dedup.
	IdempotencyNone IdempotencyOutcome = iota
	// IdempotencyRecorded: key recorded, caller persists and proceeds.
	IdempotencyRecorded
	// IdempotencyReplay: identical key already recorded, caller must return
	// the previously produced result without repeating side effects.
	IdempotencyReplay
)

// ConflictError signals a retry of an operation with a different idempotency
// key while the original record is still present.
type ConflictError struct {
	Operation string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key conflict for operation %q", e.Operation)
}

// IsConflict reports whether err is an idempotency key conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// InFlightError signals a retry with the same idempotency key while the
// original call has reserved the key but not yet recorded its result. The
// caller should retry once the first call settles.
type InFlightError struct {
	Operation string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("operation %q is still in flight", e.Operation)
}

// IsInFlight reports whether err is an in-flight replay rejection.
func IsInFlight(err error) bool {
	var fe *InFlightError
	return errors.As(err, &fe)
}

// AssertIdempotent implements the dedup contract for mutating calls. At most
// one record exists per operation; a matching key replays, a different key
// conflicts. Records never expire in the engine.
func AssertIdempotent(r *Request, operation, key string, now time.Time) (IdempotencyOutcome, *IdempotencyRecord, error) {
	if key == "" {
		return IdempotencyNone, nil, nil
	}
	if rec, ok := r.Idempotency[operation]; ok {
		if rec.Key == key {
			return IdempotencyReplay, &rec, nil
		}
		return IdempotencyNone, nil, &ConflictError{Operation: operation}
	}
	if r.Idempotency == nil {
		r.Idempotency = make(map[string]IdempotencyRecord)
	}
	r.Idempotency[operation] = IdempotencyRecord{Key: key, At: now}
	return IdempotencyRecorded, nil, nil
}

// RecordIdempotencyResult stores the produced result on an existing record so
// later replays can return it verbatim.
func RecordIdempotencyResult(r *Request, operation string, patch json.RawMessage) {
	rec, ok := r.Idempotency[operation]
	if !ok {
		return
	}
	rec.Patch = patch
	r.Idempotency[operation] = rec
}
