package qrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qagent/pkg/kv"
	"github.com/quatton/qagent/pkg/qbus"
	"github.com/quatton/qagent/pkg/qlock"
	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qstream"
)

// fakeProducer emits a scripted event sequence.
type fakeProducer struct {
	events   []Event
	gap      time.Duration // pause before each event
	gate     chan struct{} // if non-nil, each event waits for one token
	startErr error
	failWith error // sent on the error channel after the events
	hang     bool  // never close the event channel; wait for ctx
}

func (p *fakeProducer) Start(ctx context.Context, _ RunRequest) (<-chan Event, <-chan error, error) {
	if p.startErr != nil {
		return nil, nil, p.startErr
	}
	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, e := range p.events {
			if p.gate != nil {
				select {
				case <-p.gate:
				case <-ctx.Done():
					return
				}
			}
			if p.gap > 0 {
				select {
				case <-time.After(p.gap):
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
		if p.failWith != nil {
			errs <- p.failWith
			return
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return events, errs, nil
}

// memRecorder captures terminal records in memory.
type memRecorder struct {
	mu        sync.Mutex
	records   map[string]TerminalRecord
	saveCalls int
	failFirst int // number of leading SaveTerminal calls to fail
}

func newMemRecorder() *memRecorder {
	return &memRecorder{records: map[string]TerminalRecord{}}
}

func (r *memRecorder) SaveTerminal(_ context.Context, rec TerminalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveCalls <= r.failFirst {
		return errors.New("store unavailable")
	}
	r.records[rec.RunID] = rec
	return nil
}

func (r *memRecorder) TerminalStatus(_ context.Context, runID string) (RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[runID]
	if !ok {
		return "", errors.New("run not found")
	}
	return rec.Status, nil
}

func (r *memRecorder) get(runID string) (TerminalRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[runID]
	return rec, ok
}

func (r *memRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveCalls
}

// memFinalizer counts finalizations and remembers the last input.
type memFinalizer struct {
	mu    sync.Mutex
	calls int
	last  FinalizeInput
}

func (f *memFinalizer) Finalize(_ context.Context, in FinalizeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	return nil
}

func (f *memFinalizer) snapshot() (int, FinalizeInput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.last
}

func testConfig(instanceID string) Config {
	return Config{
		InstanceID:      instanceID,
		LockTTL:         300 * time.Millisecond,
		ListenInterval:  10 * time.Millisecond,
		ShutdownWait:    time.Second,
		StoreRetryDelay: time.Millisecond,
	}
}

func testRequest(runID string) RunRequest {
	return RunRequest{
		RunID:    runID,
		ThreadID: "thread-1",
		Model:    "gpt-test",
		Stream:   true,
	}
}

func decodeAll(t *testing.T, raw [][]byte) []Event {
	t.Helper()
	out := make([]Event, 0, len(raw))
	for _, data := range raw {
		ev, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("stored event does not decode: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestCoordinator_ImplicitCompletion(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	finalizer := &memFinalizer{}
	producer := &fakeProducer{events: []Event{
		NewAssistantEvent("e1"),
		NewAssistantEvent("e2"),
	}}
	coord := NewCoordinator(cache, producer, recorder, finalizer, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(context.Background(), testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	raw, _ := qstream.New(cache).ReadAll(context.Background(), "run-1")
	events := decodeAll(t, raw)
	if len(events) != 3 {
		t.Fatalf("Expected [e1, e2, completed-status], got %d events", len(events))
	}
	se, ok := events[2].(*StatusEvent)
	if !ok || se.Status != StatusCompleted {
		t.Errorf("Expected synthesized completed status, got %+v", events[2])
	}

	rec, ok := recorder.get("run-1")
	if !ok {
		t.Fatal("Terminal record not written")
	}
	if rec.Status != StatusCompleted || rec.Error != "" {
		t.Errorf("Expected completed terminal record, got %+v", rec)
	}
	if len(rec.Responses) != 3 {
		t.Errorf("Terminal record should carry the transcript, got %d responses", len(rec.Responses))
	}

	calls, in := finalizer.snapshot()
	if calls != 1 {
		t.Errorf("Expected 1 finalization, got %d", calls)
	}
	if in.ReasoningTier != TierNone {
		t.Errorf("Expected tier none, got %s", in.ReasoningTier)
	}
	if len(in.Transcript) != 3 {
		t.Errorf("Finalizer should receive the transcript, got %d events", len(in.Transcript))
	}
}

func TestCoordinator_AdoptsProducerTerminalStatus(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	producer := &fakeProducer{events: []Event{
		NewAssistantEvent("e1"),
		NewStatusEvent(StatusCompleted),
		NewAssistantEvent("after-terminal"), // must never be relayed
	}}
	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(context.Background(), testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	raw, _ := qstream.New(cache).ReadAll(context.Background(), "run-1")
	events := decodeAll(t, raw)
	if len(events) != 2 {
		t.Fatalf("Relay must stop at the terminal status, got %d events", len(events))
	}
	if se, ok := events[1].(*StatusEvent); !ok || se.Status != StatusCompleted {
		t.Errorf("Expected producer's terminal status last, got %+v", events[1])
	}
}

func TestCoordinator_EventOrdering(t *testing.T) {
	cache := kv.NewMemoryStore()
	producer := &fakeProducer{events: []Event{
		NewAssistantEvent("e1"),
		NewToolEvent("web_search", "e2"),
		NewAssistantEvent("e3"),
	}}
	coord := NewCoordinator(cache, producer, newMemRecorder(), &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(context.Background(), testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	raw, _ := qstream.New(cache).ReadAll(context.Background(), "run-1")
	events := decodeAll(t, raw)
	if len(events) != 4 {
		t.Fatalf("Expected 4 stored events, got %d", len(events))
	}
	if events[0].(*AssistantEvent).Content != "e1" {
		t.Error("e1 out of order")
	}
	if events[1].(*ToolEvent).Content != "e2" {
		t.Error("e2 out of order")
	}
	if events[2].(*AssistantEvent).Content != "e3" {
		t.Error("e3 out of order")
	}
}

func TestCoordinator_CooperativeStop(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	// e1 arrives immediately, then the producer idles, leaving a wide
	// window for the stop signal to land between relay iterations.
	producer := &fakeProducer{
		events: []Event{NewAssistantEvent("e1")},
		hang:   true,
	}

	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	done := make(chan error, 1)
	go func() { done <- coord.Execute(context.Background(), testRequest("run-1")) }()

	// Wait for e1 to be relayed, then request cancellation.
	stream := qstream.New(cache)
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, _ := stream.ReadAll(context.Background(), "run-1")
		if len(raw) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("e1 was never relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := qbus.New(cache).Publish(context.Background(), qbus.GlobalChannel("run-1"), qbus.SignalStop); err != nil {
		t.Fatalf("Publish STOP failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Coordinator did not honor STOP")
	}

	raw, _ := stream.ReadAll(context.Background(), "run-1")
	events := decodeAll(t, raw)
	if len(events) != 2 {
		t.Fatalf("Expected [e1, stopped-status], got %d events", len(events))
	}
	if se, ok := events[1].(*StatusEvent); !ok || se.Status != StatusStopped {
		t.Errorf("Expected stopped status last, got %+v", events[1])
	}

	rec, _ := recorder.get("run-1")
	if rec.Status != StatusStopped {
		t.Errorf("Expected terminal status stopped, got %s", rec.Status)
	}
}

func TestCoordinator_StopDiscardsLaterEvent(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	// The gate controls exactly when each event is produced, so e2 is
	// guaranteed to be produced only after STOP was received.
	producer := &fakeProducer{
		events: []Event{NewAssistantEvent("e1"), NewAssistantEvent("e2")},
		gate:   make(chan struct{}),
	}

	// A long interval keeps the relay's periodic tick out of the way:
	// only the check at event receipt can catch the flag.
	cfg := testConfig("inst-a")
	cfg.LockTTL = time.Minute
	cfg.ListenInterval = 5 * time.Second

	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), cfg)

	done := make(chan error, 1)
	go func() { done <- coord.Execute(context.Background(), testRequest("run-1")) }()

	producer.gate <- struct{}{} // release e1

	stream := qstream.New(cache)
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, _ := stream.ReadAll(context.Background(), "run-1")
		if len(raw) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("e1 was never relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := qbus.New(cache).Publish(context.Background(), qbus.GlobalChannel("run-1"), qbus.SignalStop); err != nil {
		t.Fatalf("Publish STOP failed: %v", err)
	}
	// Give the listener time to observe the signal before e2 exists.
	time.Sleep(200 * time.Millisecond)

	producer.gate <- struct{}{} // release e2, produced strictly after STOP

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Coordinator did not honor STOP")
	}

	raw, _ := stream.ReadAll(context.Background(), "run-1")
	events := decodeAll(t, raw)
	if len(events) != 2 {
		t.Fatalf("Expected [e1, stopped-status], got %d events", len(events))
	}
	if ae, ok := events[0].(*AssistantEvent); !ok || ae.Content != "e1" {
		t.Errorf("Expected e1 first, got %+v", events[0])
	}
	if se, ok := events[1].(*StatusEvent); !ok || se.Status != StatusStopped {
		t.Errorf("Expected stopped status last, got %+v", events[1])
	}

	rec, _ := recorder.get("run-1")
	if rec.Status != StatusStopped {
		t.Errorf("Expected terminal status stopped, got %s", rec.Status)
	}
}

func TestCoordinator_DuplicateExitsSilently(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	ctx := context.Background()

	// Another instance already owns the run.
	if ok, _ := qlock.New(cache).Acquire(ctx, "run-1", "inst-other", time.Minute); !ok {
		t.Fatal("setup: lock acquire failed")
	}

	producer := &fakeProducer{events: []Event{NewAssistantEvent("e1")}}
	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(ctx, testRequest("run-1")); err != nil {
		t.Fatalf("Duplicate execution must not error, got %v", err)
	}

	raw, _ := qstream.New(cache).ReadAll(ctx, "run-1")
	if len(raw) != 0 {
		t.Errorf("Duplicate must not append events, got %d", len(raw))
	}
	if recorder.calls() != 0 {
		t.Errorf("Duplicate must not write terminal records, got %d calls", recorder.calls())
	}
	// The foreign lock must be left intact.
	if owner, _ := qlock.New(cache).Owner(ctx, "run-1"); owner != "inst-other" {
		t.Errorf("Duplicate must not touch the lock, owner now %s", owner)
	}
}

func TestCoordinator_AtMostOneExecutor(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()

	newCoord := func(instance string) *Coordinator {
		producer := &fakeProducer{
			events: []Event{NewAssistantEvent("e1"), NewAssistantEvent("e2")},
			gap:    20 * time.Millisecond,
		}
		return NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig(instance))
	}

	var wg sync.WaitGroup
	for _, inst := range []string{"inst-a", "inst-b"} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.Execute(context.Background(), testRequest("run-1")); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}(newCoord(inst))
	}
	wg.Wait()

	if recorder.calls() != 1 {
		t.Errorf("Exactly one coordinator should record the run, got %d", recorder.calls())
	}
	raw, _ := qstream.New(cache).ReadAll(context.Background(), "run-1")
	if len(raw) != 3 {
		t.Errorf("Expected one relay's worth of events (e1, e2, completed), got %d", len(raw))
	}
}

func TestCoordinator_ProducerStartFailureCleansUp(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	finalizer := &memFinalizer{}
	producer := &fakeProducer{startErr: errors.New("model backend unreachable")}
	coord := NewCoordinator(cache, producer, recorder, finalizer, qlog.NewQuiet(), testConfig("inst-a"))
	ctx := context.Background()

	if err := coord.Execute(ctx, testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rec, ok := recorder.get("run-1")
	if !ok {
		t.Fatal("Terminal record not written on producer failure")
	}
	if rec.Status != StatusFailed || rec.Error == "" {
		t.Errorf("Expected failed with error text, got %+v", rec)
	}

	raw, _ := qstream.New(cache).ReadAll(ctx, "run-1")
	events := decodeAll(t, raw)
	if len(events) != 1 {
		t.Fatalf("Expected the error status event, got %d events", len(events))
	}
	if se := events[0].(*StatusEvent); se.Status != StatusFailed || se.Error == "" {
		t.Errorf("Expected error status event, got %+v", se)
	}

	// Lock must be released and the active marker gone.
	if ok, _ := qlock.New(cache).Acquire(ctx, "run-1", "inst-b", time.Minute); !ok {
		t.Error("Lock must be released after failure")
	}
	if _, err := cache.Get(ctx, ActiveRunKey("inst-a", "run-1")); err != kv.ErrNotFound {
		t.Errorf("Active marker must be deleted, got %v", err)
	}

	if calls, _ := finalizer.snapshot(); calls != 1 {
		t.Errorf("Finalizer must still run on the failure path, got %d calls", calls)
	}
}

func TestCoordinator_ProducerErrorChannel(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	producer := &fakeProducer{
		events:   []Event{NewAssistantEvent("e1")},
		failWith: errors.New("tool execution exploded"),
	}
	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(context.Background(), testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rec, _ := recorder.get("run-1")
	if rec.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", rec.Status)
	}
	if rec.Error != "tool execution exploded" {
		t.Errorf("Expected producer error text, got %q", rec.Error)
	}
}

func TestCoordinator_PublishesTerminalSignal(t *testing.T) {
	cache := kv.NewMemoryStore()
	ctx := context.Background()

	sub, err := cache.Subscribe(ctx, qbus.GlobalChannel("run-1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	producer := &fakeProducer{events: []Event{NewAssistantEvent("e1")}}
	coord := NewCoordinator(cache, producer, newMemRecorder(), &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))
	if err := coord.Execute(ctx, testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	msg, err := sub.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg == nil || msg.Payload != qbus.SignalEndStream {
		t.Errorf("Expected END_STREAM on the global channel, got %+v", msg)
	}
}

func TestCoordinator_SetsRetention(t *testing.T) {
	cache := kv.NewMemoryStore()
	cfg := testConfig("inst-a")
	cfg.Retention = 30 * time.Millisecond

	producer := &fakeProducer{events: []Event{NewAssistantEvent("e1")}}
	coord := NewCoordinator(cache, producer, newMemRecorder(), &memFinalizer{}, qlog.NewQuiet(), cfg)
	ctx := context.Background()

	if err := coord.Execute(ctx, testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	raw, _ := qstream.New(cache).ReadAll(ctx, "run-1")
	if len(raw) != 0 {
		t.Errorf("Response list must expire after retention, got %d events", len(raw))
	}
}

func TestCoordinator_TerminalWriteRetries(t *testing.T) {
	cache := kv.NewMemoryStore()
	recorder := newMemRecorder()
	recorder.failFirst = 2 // first two attempts fail, third succeeds

	producer := &fakeProducer{events: []Event{NewAssistantEvent("e1")}}
	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	if err := coord.Execute(context.Background(), testRequest("run-1")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if recorder.calls() != 3 {
		t.Errorf("Expected 3 write attempts, got %d", recorder.calls())
	}
	rec, ok := recorder.get("run-1")
	if !ok || rec.Status != StatusCompleted {
		t.Errorf("Terminal record should land on the final attempt, got %+v", rec)
	}
}

// failingSubStore wraps a MemoryStore but hands out subscriptions whose
// Recv always errors, simulating a broken control-channel connection.
type failingSubStore struct {
	*kv.MemoryStore
}

type failingSub struct{}

func (failingSub) Recv(context.Context, time.Duration) (*kv.Message, error) {
	return nil, errors.New("connection reset by peer")
}

func (failingSub) Close() error { return nil }

func (s *failingSubStore) Subscribe(context.Context, ...string) (kv.Subscription, error) {
	return failingSub{}, nil
}

func TestCoordinator_ListenerFailureStopsRun(t *testing.T) {
	cache := &failingSubStore{MemoryStore: kv.NewMemoryStore()}
	recorder := newMemRecorder()
	producer := &fakeProducer{hang: true} // would run forever

	coord := NewCoordinator(cache, producer, recorder, &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	done := make(chan error, 1)
	go func() { done <- coord.Execute(context.Background(), testRequest("run-1")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listener failure must stop the run, not hang it")
	}

	rec, _ := recorder.get("run-1")
	if rec.Status != StatusStopped {
		t.Errorf("Listener failure should fail safe toward stopped, got %s", rec.Status)
	}
}

func TestCoordinator_InvalidRequest(t *testing.T) {
	cache := kv.NewMemoryStore()
	coord := NewCoordinator(cache, &fakeProducer{}, newMemRecorder(), &memFinalizer{}, qlog.NewQuiet(), testConfig("inst-a"))

	err := coord.Execute(context.Background(), RunRequest{})
	if err == nil {
		t.Error("Expected validation error for empty request")
	}
}
