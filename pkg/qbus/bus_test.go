package qbus

import (
	"context"
	"testing"
	"time"

	"github.com/quatton/qagent/pkg/kv"
)

func TestBus_PublishSubscribe(t *testing.T) {
	store := kv.NewMemoryStore()
	bus := New(store)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, InstanceChannel("run-1", "inst-a"), GlobalChannel("run-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, GlobalChannel("run-1"), SignalStop); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := sub.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg == nil {
		t.Fatal("Expected a signal")
	}
	if msg.Payload != SignalStop {
		t.Errorf("Expected STOP, got %s", msg.Payload)
	}
}

func TestBus_RecvTimeout(t *testing.T) {
	store := kv.NewMemoryStore()
	bus := New(store)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, GlobalChannel("run-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	start := time.Now()
	msg, err := sub.Recv(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg != nil {
		t.Errorf("Expected timeout, got %+v", msg)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Recv should return promptly after the timeout")
	}
}

func TestBus_ChannelScoping(t *testing.T) {
	store := kv.NewMemoryStore()
	bus := New(store)
	ctx := context.Background()

	// A subscriber on run-2's channels must not see run-1 signals.
	sub, err := bus.Subscribe(ctx, GlobalChannel("run-2"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, GlobalChannel("run-1"), SignalEndStream)

	msg, err := sub.Recv(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg != nil {
		t.Errorf("Signal leaked across runs: %+v", msg)
	}
}

func TestTerminalSignal(t *testing.T) {
	cases := []struct {
		status string
		want   string
	}{
		{"completed", SignalEndStream},
		{"stopped", SignalStop},
		{"failed", SignalError},
		{"garbage", SignalError},
	}
	for _, c := range cases {
		if got := TerminalSignal(c.status); got != c.want {
			t.Errorf("TerminalSignal(%s) = %s, want %s", c.status, got, c.want)
		}
	}
}
