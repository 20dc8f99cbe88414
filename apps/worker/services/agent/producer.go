// Package agent holds the worker's producer wiring. The real reasoning
// loop lives behind the qrun.Producer boundary; this package ships the
// built-in echo producer used until an agent backend is attached, and in
// end-to-end environment checks.
package agent

import (
	"context"
	"fmt"

	"github.com/quatton/qagent/pkg/qrun"
)

// EchoProducer acknowledges the request with a single assistant event
// and ends implicitly. It exercises the full coordination path (lock,
// relay, terminal synthesis, finalize) without calling any model.
type EchoProducer struct{}

func NewEchoProducer() *EchoProducer {
	return &EchoProducer{}
}

func (p *EchoProducer) Start(ctx context.Context, req qrun.RunRequest) (<-chan qrun.Event, <-chan error, error) {
	events := make(chan qrun.Event, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		ev := qrun.NewAssistantEvent(fmt.Sprintf("echo: run %s on thread %s accepted", req.RunID, req.ThreadID))
		ev.Model = req.Model

		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}()

	return events, errs, nil
}

var _ qrun.Producer = (*EchoProducer)(nil)
