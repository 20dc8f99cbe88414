// Package qrun implements the run coordinator: the orchestration shell
// that executes one agent run exactly once across the fleet, relays its
// response events into the stream store, honors external cancellation,
// and drives terminal recording, usage finalization, and cleanup.
package qrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quatton/qagent/pkg/kv"
	"github.com/quatton/qagent/pkg/qbus"
	"github.com/quatton/qagent/pkg/qerr"
	"github.com/quatton/qagent/pkg/qlock"
	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qstream"
	"github.com/quatton/qagent/pkg/qtrace"
)

// Config tunes coordinator timing. Zero values take the defaults below.
type Config struct {
	InstanceID string

	// LockTTL bounds how long a crashed coordinator blocks re-execution.
	// The listener refreshes the lock every LockTTL/3 while alive.
	LockTTL time.Duration

	// ListenInterval is the control-listener's bounded receive timeout,
	// which doubles as the relay loop's stop-check tick.
	ListenInterval time.Duration

	// Retention bounds the response list's lifetime after cleanup.
	Retention time.Duration

	// ShutdownWait bounds how long cleanup waits for the listener and
	// for outstanding cache writes.
	ShutdownWait time.Duration

	// StoreRetryDelay is the initial backoff before retrying a failed
	// terminal-record write. Doubles per attempt, 3 attempts total.
	StoreRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.ListenInterval <= 0 {
		c.ListenInterval = 500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = qstream.DefaultRetention
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 5 * time.Second
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 500 * time.Millisecond
	}
}

const storeWriteAttempts = 3

// Coordinator composes the lock, bus, stream store, recorder, and
// finalizer around an opaque producer. All collaborators are injected;
// the coordinator owns no global state.
type Coordinator struct {
	cache     kv.Store
	lock      *qlock.Lock
	bus       *qbus.Bus
	stream    *qstream.Store
	producer  Producer
	recorder  RunRecorder
	finalizer Finalizer
	archiver  TranscriptArchiver // optional
	tracer    qtrace.Tracer
	logger    *qlog.Logger
	cfg       Config
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithArchiver enables transcript archival at finalization.
func WithArchiver(a TranscriptArchiver) CoordinatorOption {
	return func(c *Coordinator) { c.archiver = a }
}

// WithTracer replaces the default no-op tracer.
func WithTracer(t qtrace.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	cache kv.Store,
	producer Producer,
	recorder RunRecorder,
	finalizer Finalizer,
	logger *qlog.Logger,
	cfg Config,
	opts ...CoordinatorOption,
) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cache:     cache,
		lock:      qlock.New(cache),
		bus:       qbus.New(cache),
		stream:    qstream.New(cache),
		producer:  producer,
		recorder:  recorder,
		finalizer: finalizer,
		tracer:    qtrace.Noop(),
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs the full coordination state machine for one run:
// lock acquisition, listener startup, producer relay, terminal decision,
// durable recording, usage finalization, terminal signal, and cleanup.
//
// A lock already held by another instance is the intended de-duplication
// behavior: Execute exits silently without side effects.
func (c *Coordinator) Execute(ctx context.Context, req RunRequest) error {
	if err := req.Validate(); err != nil {
		return qerr.New(qerr.CodeInvalid, err)
	}

	logger := c.logger.With("run_id", req.RunID, "instance_id", c.cfg.InstanceID)

	ctx, span := c.tracer.StartSpan(ctx, "agent_run.execute")
	defer span.End()
	span.SetAttr("run_id", req.RunID)
	span.SetAttr("model", req.Model)

	acquired, err := c.lock.Acquire(ctx, req.RunID, c.cfg.InstanceID, c.cfg.LockTTL)
	if err != nil {
		return qerr.New(qerr.CodeCacheIO, err)
	}
	if !acquired {
		logger.Debug("run already held by another instance, skipping")
		return nil
	}

	activeKey := ActiveRunKey(c.cfg.InstanceID, req.RunID)
	if err := c.cache.Set(ctx, activeKey, []byte("running"), c.cfg.LockTTL); err != nil {
		logger.Warn("failed to write active marker", "error", err)
	}

	sub, err := c.bus.Subscribe(ctx,
		qbus.InstanceChannel(req.RunID, c.cfg.InstanceID),
		qbus.GlobalChannel(req.RunID))
	if err != nil {
		// Without the subscription STOP can never be observed; back out.
		if rerr := c.lock.Release(ctx, req.RunID); rerr != nil {
			logger.Warn("failed to release lock", "error", rerr)
		}
		if derr := c.cache.Delete(ctx, activeKey); derr != nil {
			logger.Warn("failed to delete active marker", "error", derr)
		}
		return qerr.New(qerr.CodeCacheIO, err)
	}

	var stopRequested atomic.Bool
	listenerCtx, cancelListener := context.WithCancel(ctx)
	listenerDone := make(chan struct{})
	go c.listen(listenerCtx, listenerDone, sub, req.RunID, activeKey, &stopRequested, logger)

	startedAt := time.Now()
	finalStatus := StatusFailed

	// Cleanup runs unconditionally, on every exit path, with its own
	// context so a cancelled parent cannot skip it.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownWait)
		defer cancel()

		signal := qbus.TerminalSignal(string(finalStatus))
		if err := c.bus.Publish(cleanupCtx, qbus.GlobalChannel(req.RunID), signal); err != nil {
			logger.Warn("failed to publish terminal signal", "signal", signal, "error", err)
		}

		cancelListener()
		select {
		case <-listenerDone:
		case <-time.After(c.cfg.ShutdownWait):
			logger.Warn("control listener did not shut down in time")
		}
		if err := sub.Close(); err != nil {
			logger.Warn("failed to close control subscription", "error", err)
		}

		if err := c.stream.Expire(cleanupCtx, req.RunID, c.cfg.Retention); err != nil {
			logger.Warn("failed to set response retention", "error", err)
		}
		if err := c.cache.Delete(cleanupCtx, activeKey); err != nil {
			logger.Warn("failed to delete active marker", "error", err)
		}
		if err := c.lock.Release(cleanupCtx, req.RunID); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	logger.Info("run started", "model", req.Model, "reasoning_tier", req.ReasoningTier())

	status, errText := c.relay(ctx, req, &stopRequested, logger)
	finalStatus = status
	completedAt := time.Now()
	span.SetAttr("status", string(status))

	c.finalize(ctx, req, status, startedAt, completedAt, errText, logger)

	logger.Info("run finished", "status", string(status), "duration", completedAt.Sub(startedAt).String())
	return nil
}

// listen watches the run's control channels for STOP and keeps the lock
// and active marker alive. A single loop handles both so the ordering of
// "check stop" then "refresh lock" stays deterministic. A listener
// failure is treated as a received STOP: failing safe toward cancellation
// rather than hanging.
func (c *Coordinator) listen(
	ctx context.Context,
	done chan<- struct{},
	sub kv.Subscription,
	runID, activeKey string,
	stop *atomic.Bool,
	logger *qlog.Logger,
) {
	defer close(done)

	refreshEvery := c.cfg.LockTTL / 3
	lastRefresh := time.Now()

	for {
		msg, err := sub.Recv(ctx, c.cfg.ListenInterval)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("control listener failed, treating as stop request", "error", err)
			stop.Store(true)
			return
		}
		if msg != nil && msg.Payload == qbus.SignalStop {
			logger.Info("stop signal received")
			stop.Store(true)
		}

		if time.Since(lastRefresh) >= refreshEvery {
			if ok, err := c.lock.Refresh(ctx, runID, c.cfg.LockTTL); err != nil {
				logger.Warn("lock refresh failed", "error", err)
			} else if !ok {
				logger.Warn("lock record disappeared during refresh")
			}
			if _, err := c.cache.Expire(ctx, activeKey, c.cfg.LockTTL); err != nil {
				logger.Warn("active marker refresh failed", "error", err)
			}
			lastRefresh = time.Now()
		}
	}
}

// relay drives the producer and forwards each event to the stream store.
// It returns the run's terminal status and optional error text. Any
// panic escaping the producer plumbing is mapped to a failed run; the
// caller's deferred cleanup still executes.
func (c *Coordinator) relay(ctx context.Context, req RunRequest, stop *atomic.Bool, logger *qlog.Logger) (status RunStatus, errText string) {
	defer func() {
		if r := recover(); r != nil {
			errText = fmt.Sprintf("panic during event relay: %v", r)
			logger.Error("relay panicked", "panic", fmt.Sprintf("%v", r))
			c.append(ctx, req.RunID, NewErrorStatusEvent(errText), logger)
			status = StatusFailed
		}
	}()

	producerCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()

	events, errs, err := c.producer.Start(producerCtx, req)
	if err != nil {
		errText = err.Error()
		logger.Error("producer failed to start", "error", err)
		c.append(ctx, req.RunID, NewErrorStatusEvent(errText), logger)
		return StatusFailed, errText
	}

	tick := time.NewTicker(c.cfg.ListenInterval)
	defer tick.Stop()

	for {
		// Cancellation is cooperative: the flag is honored between
		// relay iterations, letting any in-flight event complete.
		if stop.Load() {
			c.append(ctx, req.RunID, NewStatusEvent(StatusStopped), logger)
			return StatusStopped, ""
		}

		select {
		case <-ctx.Done():
			errText = ctx.Err().Error()
			c.append(ctx, req.RunID, NewErrorStatusEvent(errText), logger)
			return StatusFailed, errText

		case <-tick.C:
			// Re-check the stop flag even when the producer is quiet.
			continue

		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if perr != nil {
				errText = perr.Error()
				logger.Error("producer failed", "error", perr)
				c.append(ctx, req.RunID, NewErrorStatusEvent(errText), logger)
				return StatusFailed, errText
			}

		case ev, ok := <-events:
			if !ok {
				// Drain a terminal error that may have raced the close.
				if errs != nil {
					select {
					case perr := <-errs:
						if perr != nil {
							errText = perr.Error()
							logger.Error("producer failed", "error", perr)
							c.append(ctx, req.RunID, NewErrorStatusEvent(errText), logger)
							return StatusFailed, errText
						}
					default:
					}
				}
				// Producers may signal success implicitly by ending.
				c.append(ctx, req.RunID, NewStatusEvent(StatusCompleted), logger)
				return StatusCompleted, ""
			}

			// The listener sets the flag before this event could have
			// been produced; an event arriving after a stop is
			// discarded, not relayed.
			if stop.Load() {
				c.append(ctx, req.RunID, NewStatusEvent(StatusStopped), logger)
				return StatusStopped, ""
			}

			c.append(ctx, req.RunID, ev, logger)

			if se, isStatus := ev.(*StatusEvent); isStatus && se.Status.Terminal() {
				// Adopt the producer's terminal state and stop relaying.
				return se.Status, se.Error
			}
		}
	}
}

// append serializes and stores one event. Cache I/O failures here are
// logged, never escalated: the run's terminal outcome is decided
// independently of auxiliary cache writes.
func (c *Coordinator) append(ctx context.Context, runID string, ev Event, logger *qlog.Logger) {
	data, err := MarshalEvent(ev)
	if err != nil {
		logger.Warn("failed to encode event", "event_type", string(ev.EventType()), "error", err)
		return
	}
	if err := c.stream.Append(ctx, runID, data); err != nil {
		logger.Warn("failed to append event", "event_type", string(ev.EventType()), "error", err)
	}
}

// finalize writes the terminal record with bounded retries, runs usage
// accounting, and archives the transcript. Every sub-step degrades to a
// logged error; nothing here can change the run's decided outcome.
func (c *Coordinator) finalize(ctx context.Context, req RunRequest, status RunStatus, startedAt, completedAt time.Time, errText string, logger *qlog.Logger) {
	// Finalization must proceed even when the parent was cancelled.
	ctx = context.WithoutCancel(ctx)

	transcript, err := c.stream.ReadAll(ctx, req.RunID)
	if err != nil {
		logger.Error("failed to read transcript for finalization", "error", err)
	}

	rec := TerminalRecord{
		RunID:       req.RunID,
		Status:      status,
		CompletedAt: completedAt,
		Error:       errText,
		Responses:   transcript,
	}
	if err := c.saveTerminalWithRetry(ctx, rec, logger); err != nil {
		logger.Error("terminal record write failed after retries", "error", err)
	} else if got, err := c.recorder.TerminalStatus(ctx, req.RunID); err != nil {
		logger.Warn("terminal status verification read failed", "error", err)
	} else if got != status {
		logger.Warn("terminal status verification mismatch", "want", string(status), "got", string(got))
	}

	c.runFinalizer(ctx, FinalizeInput{
		RunID:         req.RunID,
		ThreadID:      req.ThreadID,
		ProjectID:     req.ProjectID,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		ReasoningTier: req.ReasoningTier(),
		Transcript:    transcript,
	}, logger)

	if c.archiver != nil && len(transcript) > 0 {
		raw := make([]json.RawMessage, len(transcript))
		for i, t := range transcript {
			raw[i] = json.RawMessage(t)
		}
		if blob, err := json.Marshal(raw); err != nil {
			logger.Warn("failed to encode transcript for archive", "error", err)
		} else if err := c.archiver.ArchiveTranscript(ctx, req.RunID, blob); err != nil {
			logger.Warn("transcript archive failed", "error", err)
		}
	}
}

// runFinalizer isolates usage accounting: an error or even a panic in the
// finalizer is logged and never masks the run's terminal status.
func (c *Coordinator) runFinalizer(ctx context.Context, in FinalizeInput, logger *qlog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("finalizer panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := c.finalizer.Finalize(ctx, in); err != nil {
		logger.Error("usage finalization failed", "error", err)
	}
}

// saveTerminalWithRetry writes the terminal record with bounded
// exponential backoff: 3 attempts, doubling delay.
func (c *Coordinator) saveTerminalWithRetry(ctx context.Context, rec TerminalRecord, logger *qlog.Logger) error {
	delay := c.cfg.StoreRetryDelay
	var lastErr error
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		lastErr = c.recorder.SaveTerminal(ctx, rec)
		if lastErr == nil {
			return nil
		}
		logger.Warn("terminal record write failed", "attempt", attempt, "error", lastErr)
		if attempt < storeWriteAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
			delay *= 2
		}
	}
	return qerr.New(qerr.CodeStoreIO, lastErr)
}
