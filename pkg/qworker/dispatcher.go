// Package qworker pulls queued run requests off the shared cache and
// hands each to the run coordinator, with a bounded number of runs
// executing concurrently per worker process.
package qworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quatton/qagent/pkg/kv"
	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qrun"
)

// QueueKey is the shared-cache list that holds pending run requests.
const QueueKey = "agent_run:queue"

// popTimeout bounds each blocking pop so the loop can observe ctx.
const popTimeout = 2 * time.Second

// Enqueue pushes a run request onto the shared queue.
func Enqueue(ctx context.Context, store kv.Store, req qrun.RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding run request: %w", err)
	}
	if _, err := store.RPush(ctx, QueueKey, data); err != nil {
		return fmt.Errorf("enqueuing run %s: %w", req.RunID, err)
	}
	return nil
}

// Executor runs a single agent run to its terminal state.
type Executor interface {
	Execute(ctx context.Context, req qrun.RunRequest) error
}

// Dispatcher consumes the run queue.
type Dispatcher struct {
	store    kv.Store
	executor Executor
	sem      *semaphore.Weighted
	capacity int64
	logger   *qlog.Logger
}

// NewDispatcher creates a dispatcher that executes at most concurrency
// runs at once. Zero or negative concurrency defaults to 4.
func NewDispatcher(store kv.Store, executor Executor, concurrency int, logger *qlog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Dispatcher{
		store:    store,
		executor: executor,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		capacity: int64(concurrency),
		logger:   logger,
	}
}

// Run consumes the queue until ctx is cancelled, then drains: it waits
// for all in-flight runs to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "queue", QueueKey, "concurrency", d.capacity)

	for {
		if ctx.Err() != nil {
			break
		}

		data, err := d.store.LPopBlocking(ctx, QueueKey, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			d.logger.Error("queue pop failed", "error", err)
			// Back off briefly so a broken cache does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if data == nil {
			continue // pop timed out, queue empty
		}

		var req qrun.RunRequest
		if err := json.Unmarshal(data, &req); err != nil {
			d.logger.Error("discarding undecodable queue entry", "error", err)
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot. The request is already
			// popped, so put it back for another worker to pick up.
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if _, pushErr := d.store.RPush(pushCtx, QueueKey, data); pushErr != nil {
				d.logger.Error("re-enqueue failed, request lost", "run_id", req.RunID, "error", pushErr)
			} else {
				d.logger.Info("shutdown while waiting for run slot, request re-enqueued", "run_id", req.RunID)
			}
			cancel()
			break
		}

		// Runs already started get to finish within the drain window even
		// though ctx is cancelled at shutdown; the stop signal channel
		// remains the way to abort an individual run.
		runCtx := context.WithoutCancel(ctx)
		go func(req qrun.RunRequest) {
			defer d.sem.Release(1)
			if err := d.executor.Execute(runCtx, req); err != nil {
				d.logger.Error("run execution failed", "run_id", req.RunID, "error", err)
			}
		}(req)
	}

	// Drain: acquiring full capacity waits for every in-flight run.
	d.logger.Info("dispatcher draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.sem.Acquire(drainCtx, d.capacity); err != nil {
		return fmt.Errorf("drain timed out with runs still in flight: %w", err)
	}
	d.sem.Release(d.capacity)
	d.logger.Info("dispatcher stopped")
	return nil
}
