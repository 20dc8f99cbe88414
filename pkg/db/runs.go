package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/quatton/qagent/pkg/db/models"
	"github.com/quatton/qagent/pkg/qerr"
	"github.com/quatton/qagent/pkg/qrun"
)

// RunStore persists agent runs. It implements qrun.RunRecorder for the
// coordinator's terminal write, plus create/read used by the API layer.
type RunStore struct {
	db *bun.DB
}

func NewRunStore(db *bun.DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a new run row at submission time. A duplicate run ID is
// reported as CodeDuplicate so the API can reject replays.
func (s *RunStore) Create(ctx context.Context, run *models.AgentRun) error {
	res, err := s.db.NewInsert().
		Model(run).
		On("CONFLICT (run_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return qerr.New(qerr.CodeDuplicate, fmt.Errorf("run %s already exists", run.RunID))
	}
	return nil
}

// Get fetches a run by its external run ID.
func (s *RunStore) Get(ctx context.Context, runID string) (*models.AgentRun, error) {
	run := new(models.AgentRun)
	err := s.db.NewSelect().
		Model(run).
		Where("run_id = ?", runID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.New(qerr.CodeNotFound, fmt.Errorf("run %s not found", runID))
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", runID, err)
	}
	return run, nil
}

// ListByThread returns the most recent runs for a thread.
func (s *RunStore) ListByThread(ctx context.Context, threadID string, limit int) ([]models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.AgentRun
	err := s.db.NewSelect().
		Model(&runs).
		Where("thread_id = ?", threadID).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runs for thread %s: %w", threadID, err)
	}
	return runs, nil
}

// SaveTerminal upserts the run's terminal outcome. The upsert lets the
// coordinator finish a run whose submission row never made it to the
// database, rather than losing the transcript.
func (s *RunStore) SaveTerminal(ctx context.Context, rec qrun.TerminalRecord) error {
	responses, err := encodeResponses(rec.Responses)
	if err != nil {
		return fmt.Errorf("encoding responses for run %s: %w", rec.RunID, err)
	}

	run := &models.AgentRun{
		RunID:       rec.RunID,
		Status:      string(rec.Status),
		Error:       rec.Error,
		Responses:   responses,
		CompletedAt: rec.CompletedAt,
		UpdatedAt:   time.Now(),
	}

	_, err = s.db.NewInsert().
		Model(run).
		On("CONFLICT (run_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("error = EXCLUDED.error").
		Set("responses = EXCLUDED.responses").
		Set("completed_at = EXCLUDED.completed_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return qerr.New(qerr.CodeStoreIO, fmt.Errorf("saving terminal state for run %s: %w", rec.RunID, err))
	}
	return nil
}

// TerminalStatus reads back the recorded status for a run.
func (s *RunStore) TerminalStatus(ctx context.Context, runID string) (qrun.RunStatus, error) {
	var status string
	err := s.db.NewSelect().
		Model((*models.AgentRun)(nil)).
		Column("status").
		Where("run_id = ?", runID).
		Scan(ctx, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", qerr.New(qerr.CodeNotFound, fmt.Errorf("run %s not found", runID))
	}
	if err != nil {
		return "", fmt.Errorf("reading status for run %s: %w", runID, err)
	}
	return qrun.RunStatus(status), nil
}

// encodeResponses packs the ordered serialized events into one JSON array.
func encodeResponses(responses [][]byte) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(responses))
	for i, r := range responses {
		raw[i] = json.RawMessage(r)
	}
	return json.Marshal(raw)
}

var _ qrun.RunRecorder = (*RunStore)(nil)
