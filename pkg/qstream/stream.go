// Package qstream persists a run's response events as an append-only
// ordered list in the shared cache, and notifies readers of new data on a
// companion channel. The notification channel is deliberately separate
// from the control bus so high-frequency data pushes cannot starve
// low-frequency control signals.
package qstream

import (
	"context"
	"fmt"
	"time"

	"github.com/quatton/qagent/pkg/kv"
)

// DefaultRetention bounds how long a completed run's list survives.
const DefaultRetention = 24 * time.Hour

// ListKey returns the cache key of a run's response list.
func ListKey(runID string) string {
	return fmt.Sprintf("agent_run:%s:responses", runID)
}

// NotifyChannel returns the channel on which "new data available"
// notifications are published for a run.
func NotifyChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:new_response", runID)
}

// notifyPayload is the lightweight marker published per append. Readers
// treat notifications as coalescible: waking once and reading the new
// tail catches up regardless of how many fired.
const notifyPayload = "new"

// Store appends and reads serialized response events for runs.
type Store struct {
	store kv.Store
}

// New creates a stream Store backed by the given cache.
func New(store kv.Store) *Store {
	return &Store{store: store}
}

// Append pushes one serialized event onto the run's list, in relay order,
// then publishes a new-data notification. The append is the source of
// truth; a failed notification is reported but the event is already
// durable in the list.
func (s *Store) Append(ctx context.Context, runID string, event []byte) error {
	if _, err := s.store.RPush(ctx, ListKey(runID), event); err != nil {
		return fmt.Errorf("appending response for run %s: %w", runID, err)
	}
	if err := s.store.Publish(ctx, NotifyChannel(runID), notifyPayload); err != nil {
		return fmt.Errorf("notifying readers for run %s: %w", runID, err)
	}
	return nil
}

// ReadAll materializes the full event list in append order.
func (s *Store) ReadAll(ctx context.Context, runID string) ([][]byte, error) {
	events, err := s.store.LRange(ctx, ListKey(runID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading responses for run %s: %w", runID, err)
	}
	return events, nil
}

// ReadFrom returns events starting at index (for readers that tail the
// list incrementally after a notification).
func (s *Store) ReadFrom(ctx context.Context, runID string, index int64) ([][]byte, error) {
	events, err := s.store.LRange(ctx, ListKey(runID), index, -1)
	if err != nil {
		return nil, fmt.Errorf("reading responses for run %s from %d: %w", runID, index, err)
	}
	return events, nil
}

// SubscribeNew opens a subscription on the run's notification channel.
func (s *Store) SubscribeNew(ctx context.Context, runID string) (kv.Subscription, error) {
	return s.store.Subscribe(ctx, NotifyChannel(runID))
}

// Expire bounds the list's lifetime so completed runs do not accumulate
// indefinitely. Expiring a missing list is not an error.
func (s *Store) Expire(ctx context.Context, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	if _, err := s.store.Expire(ctx, ListKey(runID), ttl); err != nil {
		return fmt.Errorf("setting retention for run %s: %w", runID, err)
	}
	return nil
}
