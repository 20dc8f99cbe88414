package qbill

import (
	"context"
	"fmt"
	"time"

	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qrun"
)

// UsageSummary is the consolidated accounting for one run. Created
// exactly once per run, after the terminal state is decided, and
// read-only from then on.
type UsageSummary struct {
	RunID               string
	ThreadID            string
	ProjectID           string
	Minutes             int
	ReasoningTier       string
	ConversationCredits float64
	ToolCredits         float64
	ProviderCredits     float64
	TotalCredits        float64
	ToolBreakdown       map[string]float64
	ProviderBreakdown   map[string]float64
	ComputedAt          time.Time
}

// UsageWriter persists a usage summary. Implementations must be
// idempotent for the same run: a second insert for an already-recorded
// run is a silent no-op.
type UsageWriter interface {
	InsertUsage(ctx context.Context, summary *UsageSummary) error
}

// Finalizer implements qrun.Finalizer over a pricing table and a usage
// writer. Failures in any sub-step degrade to "zero credits recorded":
// they are logged and reported, never allowed to disturb the run's
// already-decided terminal status.
type Finalizer struct {
	pricing Pricing
	writer  UsageWriter
	logger  *qlog.Logger
}

// New creates a Finalizer.
func New(pricing Pricing, writer UsageWriter, logger *qlog.Logger) *Finalizer {
	return &Finalizer{pricing: pricing, writer: writer, logger: logger}
}

// Finalize computes the usage summary and persists it. Safe to call more
// than once for the same run: the write is insert-ignore on run ID.
func (f *Finalizer) Finalize(ctx context.Context, in qrun.FinalizeInput) error {
	summary := f.Compute(in)

	if f.writer == nil {
		f.logger.Warn("no usage writer configured, credits not recorded", "run_id", in.RunID)
		return nil
	}
	if err := f.writer.InsertUsage(ctx, summary); err != nil {
		return fmt.Errorf("recording usage for run %s: %w", in.RunID, err)
	}

	f.logger.Info("usage recorded",
		"run_id", in.RunID,
		"minutes", summary.Minutes,
		"tier", summary.ReasoningTier,
		"total_credits", summary.TotalCredits)
	return nil
}

// Compute prices a run from its timing and transcript. It never fails:
// events that do not decode are skipped and counted as a logged warning,
// so a corrupt transcript degrades toward fewer credits rather than an
// aborted finalization.
func (f *Finalizer) Compute(in qrun.FinalizeInput) *UsageSummary {
	minutes := BilledMinutes(in.StartedAt, in.CompletedAt)

	summary := &UsageSummary{
		RunID:               in.RunID,
		ThreadID:            in.ThreadID,
		ProjectID:           in.ProjectID,
		Minutes:             minutes,
		ReasoningTier:       in.ReasoningTier,
		ConversationCredits: float64(minutes) * f.pricing.minuteRate(in.ReasoningTier),
		ToolBreakdown:       map[string]float64{},
		ProviderBreakdown:   map[string]float64{},
		ComputedAt:          time.Now(),
	}

	undecodable := 0
	for _, raw := range in.Transcript {
		ev, err := qrun.DecodeEvent(raw)
		if err != nil {
			undecodable++
			continue
		}
		tool, ok := ev.(*qrun.ToolEvent)
		if !ok || tool.Usage == nil {
			// Only annotated tool results are billable.
			continue
		}

		units := tool.Usage.Units
		if units < 1 {
			units = 1
		}
		name := tool.Usage.Tool
		if name == "" {
			name = tool.Name
		}

		cost := f.pricing.toolRate(name) * float64(units)
		summary.ToolCredits += cost
		summary.ToolBreakdown[name] += cost

		if tool.Usage.Provider != "" {
			pcost := f.pricing.providerRate(tool.Usage.Provider) * float64(units)
			summary.ProviderCredits += pcost
			summary.ProviderBreakdown[tool.Usage.Provider] += pcost
		}
	}
	if undecodable > 0 {
		f.logger.Warn("skipped undecodable transcript events during usage extraction",
			"run_id", in.RunID, "skipped", undecodable)
	}

	summary.TotalCredits = summary.ConversationCredits + summary.ToolCredits + summary.ProviderCredits
	return summary
}

// Ensure Finalizer satisfies the coordinator's contract.
var _ qrun.Finalizer = (*Finalizer)(nil)
