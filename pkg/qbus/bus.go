// Package qbus delivers control signals between instances and external
// observers over the shared cache's pub/sub channels. Each run has an
// instance-scoped channel (watched by the owning coordinator) and a global
// channel (watched by anyone interested in the final outcome).
package qbus

import (
	"context"
	"fmt"

	"github.com/quatton/qagent/pkg/kv"
)

// Signal payloads are literal strings on the wire.
const (
	SignalStop      = "STOP"
	SignalEndStream = "END_STREAM"
	SignalError     = "ERROR"
)

// GlobalChannel returns the channel any subscriber may watch for a run's
// terminal outcome.
func GlobalChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:control", runID)
}

// InstanceChannel returns the channel scoped to the instance currently
// owning the run.
func InstanceChannel(runID, instanceID string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instanceID)
}

// Bus publishes and subscribes to control channels.
type Bus struct {
	store kv.Store
}

// New creates a Bus backed by the given store.
func New(store kv.Store) *Bus {
	return &Bus{store: store}
}

// Publish sends a signal on the named channel.
func (b *Bus) Publish(ctx context.Context, channel, signal string) error {
	if err := b.store.Publish(ctx, channel, signal); err != nil {
		return fmt.Errorf("publishing %s on %s: %w", signal, channel, err)
	}
	return nil
}

// Subscribe opens a cooperative listener on the given channels. The
// returned Subscription's Recv takes a bounded timeout so a single loop
// can interleave signal checks with housekeeping such as lock refresh.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	sub, err := b.store.Subscribe(ctx, channels...)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %v: %w", channels, err)
	}
	return sub, nil
}

// TerminalSignal maps a terminal run status to the global signal that
// announces it: END_STREAM for completed, ERROR for failed, STOP for
// stopped. Unknown statuses map to ERROR, failing safe toward alerting
// observers rather than leaving them waiting.
func TerminalSignal(status string) string {
	switch status {
	case "completed":
		return SignalEndStream
	case "stopped":
		return SignalStop
	default:
		return SignalError
	}
}
