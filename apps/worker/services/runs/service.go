// Package runs is the API-facing service over run submission, status
// reads, live response streaming, and stop signals.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quatton/qagent/pkg/db"
	"github.com/quatton/qagent/pkg/db/models"
	"github.com/quatton/qagent/pkg/kv"
	"github.com/quatton/qagent/pkg/qart"
	"github.com/quatton/qagent/pkg/qbus"
	"github.com/quatton/qagent/pkg/qerr"
	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qrun"
	"github.com/quatton/qagent/pkg/qstream"
	"github.com/quatton/qagent/pkg/qworker"
)

type Service struct {
	cache   kv.Store
	runs    *db.RunStore
	bus     *qbus.Bus
	stream  *qstream.Store
	archive *qart.Archive
	logger  *qlog.Logger
}

// Option configures optional service dependencies.
type Option func(*Service)

// WithArchive enables transcript downloads backed by object storage.
func WithArchive(archive *qart.Archive) Option {
	return func(s *Service) { s.archive = archive }
}

func NewService(cache kv.Store, runStore *db.RunStore, logger *qlog.Logger, opts ...Option) *Service {
	s := &Service{
		cache:  cache,
		runs:   runStore,
		bus:    qbus.New(cache),
		stream: qstream.New(cache),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitInput is the caller-provided portion of a run request.
type SubmitInput struct {
	ThreadID              string
	ProjectID             string
	Model                 string
	ReasoningEnabled      bool
	ReasoningEffort       string
	Stream                bool
	ContextManagerEnabled bool
	AgentConfig           map[string]any
}

// Submit records the run and enqueues it for a worker to execute.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.AgentRun, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}

	req := qrun.RunRequest{
		RunID:                 runID.String(),
		ThreadID:              in.ThreadID,
		ProjectID:             in.ProjectID,
		Model:                 in.Model,
		ReasoningEnabled:      in.ReasoningEnabled,
		ReasoningEffort:       in.ReasoningEffort,
		Stream:                in.Stream,
		ContextManagerEnabled: in.ContextManagerEnabled,
		AgentConfig:           in.AgentConfig,
		RequestID:             uuid.NewString(),
	}
	if err := req.Validate(); err != nil {
		return nil, qerr.New(qerr.CodeInvalid, err)
	}

	run := &models.AgentRun{
		RunID:         req.RunID,
		ThreadID:      req.ThreadID,
		ProjectID:     req.ProjectID,
		Model:         req.Model,
		ReasoningTier: req.ReasoningTier(),
		Status:        string(qrun.StatusRunning),
		StartedAt:     time.Now(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if err := qworker.Enqueue(ctx, s.cache, req); err != nil {
		return nil, err
	}

	s.logger.Info("run submitted", "run_id", req.RunID, "thread_id", req.ThreadID, "model", req.Model)
	return run, nil
}

// Get fetches a run's durable record.
func (s *Service) Get(ctx context.Context, runID string) (*models.AgentRun, error) {
	return s.runs.Get(ctx, runID)
}

// Responses returns the run's events: the live cache list while the run
// is in flight (or within retention), falling back to the durable record
// once the list has expired.
func (s *Service) Responses(ctx context.Context, runID string) ([]json.RawMessage, error) {
	events, err := s.stream.ReadAll(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		out := make([]json.RawMessage, len(events))
		for i, e := range events {
			out[i] = json.RawMessage(e)
		}
		return out, nil
	}

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(run.Responses) == 0 {
		return []json.RawMessage{}, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(run.Responses, &out); err != nil {
		return nil, fmt.Errorf("decoding stored responses for run %s: %w", runID, err)
	}
	return out, nil
}

// TranscriptURL returns a short-lived presigned download link for a
// run's archived transcript. Only terminal runs have an archive.
func (s *Service) TranscriptURL(ctx context.Context, runID string) (string, error) {
	if s.archive == nil {
		return "", qerr.New(qerr.CodeNotFound, fmt.Errorf("transcript archive is not configured"))
	}

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if !qrun.RunStatus(run.Status).Terminal() {
		return "", qerr.New(qerr.CodeInvalid, fmt.Errorf("run %s is still %s", runID, run.Status))
	}

	url, err := s.archive.TranscriptURL(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("presigning transcript for run %s: %w", runID, err)
	}
	return url, nil
}

// Stop requests cooperative cancellation of a run. The signal goes on the
// run's global control channel; whichever instance holds the run reacts.
func (s *Service) Stop(ctx context.Context, runID string) error {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if qrun.RunStatus(run.Status).Terminal() {
		return qerr.New(qerr.CodeInvalid, fmt.Errorf("run %s already %s", runID, run.Status))
	}

	if err := s.bus.Publish(ctx, qbus.GlobalChannel(runID), qbus.SignalStop); err != nil {
		return err
	}
	s.logger.Info("stop requested", "run_id", runID)
	return nil
}
