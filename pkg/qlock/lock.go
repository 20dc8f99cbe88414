// Package qlock implements the per-run distributed lock that guarantees at
// most one coordinator actively executes a given run across the fleet. The
// lock is a TTL-bounded record in the shared cache; a crashed holder's
// record self-expires, after which another instance may legitimately
// acquire it.
package qlock

import (
	"context"
	"fmt"
	"time"

	"github.com/quatton/qagent/pkg/kv"
)

// Key returns the cache key of a run's lock record.
func Key(runID string) string {
	return "agent_run_lock:" + runID
}

// Lock provides acquire/release/refresh over a kv.Store.
type Lock struct {
	store kv.Store
}

// New creates a Lock backed by the given store.
func New(store kv.Store) *Lock {
	return &Lock{store: store}
}

// Acquire attempts an atomic check-and-set of the lock record for runID,
// owned by ownerID, valid for ttl. Returns whether this call became the
// owner. A held lock is not an error: it is the intended de-duplication
// behavior, and callers must exit without side effects.
//
// If the existing record's owner cannot be read back, the acquire is
// retried once before giving up.
func (l *Lock) Acquire(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.store.SetNX(ctx, Key(runID), []byte(ownerID), ttl)
		if err != nil {
			return false, fmt.Errorf("acquiring lock for run %s: %w", runID, err)
		}
		if ok {
			return true, nil
		}

		// Somebody holds it. Confirm the record is readable; an
		// unreadable record may have expired between the SetNX and
		// the read, in which case one more acquire is warranted.
		if _, err := l.store.Get(ctx, Key(runID)); err == nil {
			return false, nil
		}
	}
	return false, nil
}

// Owner returns the instance currently holding the lock for runID.
// Returns kv.ErrNotFound when no lock record exists.
func (l *Lock) Owner(ctx context.Context, runID string) (string, error) {
	val, err := l.store.Get(ctx, Key(runID))
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// Refresh extends the TTL of an existing lock record without changing
// ownership. Returns false when the record no longer exists.
func (l *Lock) Refresh(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.store.Expire(ctx, Key(runID), ttl)
	if err != nil {
		return false, fmt.Errorf("refreshing lock for run %s: %w", runID, err)
	}
	return ok, nil
}

// Release deletes the lock record unconditionally.
func (l *Lock) Release(ctx context.Context, runID string) error {
	if err := l.store.Delete(ctx, Key(runID)); err != nil {
		return fmt.Errorf("releasing lock for run %s: %w", runID, err)
	}
	return nil
}
