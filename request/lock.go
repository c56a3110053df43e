package request

import (
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL is the advisory lock lifetime for mutating operations.
const DefaultLockTTL = 2 * time.Minute

// LockConflictError signals that an unexpired lock is held by someone else.
type LockConflictError struct {
	Holder    string
	Operation string
	ExpiresAt time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("request locked by %s for %s until %s", e.Holder, e.Operation, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// IsLockConflict reports whether err is a lock conflict.
func IsLockConflict(err error) bool {
	var lc *LockConflictError
	return errors.As(err, &lc)
}

// AcquireLock takes or refreshes the advisory lock. Re-acquisition by the
// current holder succeeds and extends the TTL; an expired lock may be taken
// by anyone.
func AcquireLock(r *Request, operation, holder string, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if l := r.Lock; l != nil && !l.Expired(now) && l.Holder != holder {
		return &LockConflictError{Holder: l.Holder, Operation: l.Operation, ExpiresAt: l.ExpiresAt}
	}
	acquiredAt := now
	if l := r.Lock; l != nil && l.Holder == holder && !l.Expired(now) {
		acquiredAt = l.AcquiredAt
	}
	r.Lock = &Lock{
		Holder:     holder,
		Operation:  operation,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(ttl),
	}
	return nil
}

// ReleaseLock clears the lock only when holder still owns it, so an operation
// that raced past its own deadline cannot release a newer holder's lock.
func ReleaseLock(r *Request, holder string) bool {
	if r.Lock == nil || r.Lock.Holder != holder {
		return false
	}
	r.Lock = nil
	return true
}

// ClearExpiredLock drops a lock whose TTL has elapsed. The reconciliation
// path calls this opportunistically so abandoned locks never block future
// operations.
func ClearExpiredLock(r *Request, now time.Time) bool {
	if r.Lock == nil || !r.Lock.Expired(now) {
		return false
	}
	r.Lock = nil
	return true
}
