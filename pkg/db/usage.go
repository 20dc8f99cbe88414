package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/quatton/qagent/pkg/db/models"
	"github.com/quatton/qagent/pkg/qbill"
	"github.com/quatton/qagent/pkg/qerr"
)

// UsageStore persists usage summaries. The insert is ignore-on-conflict
// over run_id, which is what makes the finalizer safe to retry.
type UsageStore struct {
	db *bun.DB
}

func NewUsageStore(db *bun.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) InsertUsage(ctx context.Context, summary *qbill.UsageSummary) error {
	toolBreakdown, err := json.Marshal(summary.ToolBreakdown)
	if err != nil {
		return fmt.Errorf("encoding tool breakdown: %w", err)
	}
	providerBreakdown, err := json.Marshal(summary.ProviderBreakdown)
	if err != nil {
		return fmt.Errorf("encoding provider breakdown: %w", err)
	}

	rec := &models.UsageRecord{
		RunID:               summary.RunID,
		ThreadID:            summary.ThreadID,
		ProjectID:           summary.ProjectID,
		Minutes:             summary.Minutes,
		ReasoningTier:       summary.ReasoningTier,
		ConversationCredits: summary.ConversationCredits,
		ToolCredits:         summary.ToolCredits,
		ProviderCredits:     summary.ProviderCredits,
		TotalCredits:        summary.TotalCredits,
		ToolBreakdown:       toolBreakdown,
		ProviderBreakdown:   providerBreakdown,
	}

	_, err = s.db.NewInsert().
		Model(rec).
		On("CONFLICT (run_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return qerr.New(qerr.CodeStoreIO, fmt.Errorf("inserting usage for run %s: %w", summary.RunID, err))
	}
	return nil
}

var _ qbill.UsageWriter = (*UsageStore)(nil)
