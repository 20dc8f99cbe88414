package qbill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qrun"
)

type memUsageWriter struct {
	inserts []*UsageSummary
	seen    map[string]bool
	fail    bool
}

func (w *memUsageWriter) InsertUsage(_ context.Context, summary *UsageSummary) error {
	if w.fail {
		return errors.New("db unavailable")
	}
	if w.seen == nil {
		w.seen = map[string]bool{}
	}
	if w.seen[summary.RunID] {
		// Insert-ignore on run ID, like the backing table's unique constraint.
		return nil
	}
	w.seen[summary.RunID] = true
	w.inserts = append(w.inserts, summary)
	return nil
}

func mustMarshal(t *testing.T, ev qrun.Event) []byte {
	t.Helper()
	data, err := qrun.MarshalEvent(ev)
	if err != nil {
		t.Fatalf("MarshalEvent failed: %v", err)
	}
	return data
}

func TestBilledMinutes(t *testing.T) {
	base := time.Now()
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 1},
		{10 * time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{5 * time.Minute, 5},
		{-time.Minute, 1},
	}
	for _, c := range cases {
		if got := BilledMinutes(base, base.Add(c.elapsed)); got != c.want {
			t.Errorf("BilledMinutes(%v) = %d, want %d", c.elapsed, got, c.want)
		}
	}
}

func TestCompute_ConversationPricing(t *testing.T) {
	f := New(DefaultPricing(), nil, qlog.NewQuiet())
	start := time.Now()

	in := qrun.FinalizeInput{
		RunID:         "run-1",
		StartedAt:     start,
		CompletedAt:   start.Add(150 * time.Second), // 3 billed minutes
		ReasoningTier: qrun.TierMedium,
	}
	summary := f.Compute(in)

	if summary.Minutes != 3 {
		t.Errorf("Expected 3 billed minutes, got %d", summary.Minutes)
	}
	if summary.ConversationCredits != 12.0 {
		t.Errorf("Expected 12 conversation credits (3min x 4), got %v", summary.ConversationCredits)
	}
	if summary.TotalCredits != 12.0 {
		t.Errorf("Expected total 12 with no tool usage, got %v", summary.TotalCredits)
	}
}

func TestCompute_ToolAndProviderCredits(t *testing.T) {
	f := New(DefaultPricing(), nil, qlog.NewQuiet())
	start := time.Now()

	transcript := [][]byte{
		mustMarshal(t, qrun.NewAssistantEvent("thinking")),
		// Annotated tool calls bill; the bare one does not.
		mustMarshal(t, &qrun.ToolEvent{Name: "web_search", Usage: &qrun.ToolUsage{Tool: "web_search", Units: 4}}),
		mustMarshal(t, &qrun.ToolEvent{Name: "enrich", Usage: &qrun.ToolUsage{Tool: "enrich", Provider: "linkedin", Units: 2}}),
		mustMarshal(t, qrun.NewToolEvent("generate_pdf", "done")),
		mustMarshal(t, qrun.NewStatusEvent(qrun.StatusCompleted)),
	}

	summary := f.Compute(qrun.FinalizeInput{
		RunID:         "run-2",
		StartedAt:     start,
		CompletedAt:   start.Add(30 * time.Second),
		ReasoningTier: qrun.TierNone,
		Transcript:    transcript,
	})

	// web_search: 4 x 0.5 = 2, enrich (default rate): 2 x 0.5 = 1
	if summary.ToolCredits != 3.0 {
		t.Errorf("Expected 3 tool credits, got %v", summary.ToolCredits)
	}
	// linkedin: 2 x 2.0 = 4
	if summary.ProviderCredits != 4.0 {
		t.Errorf("Expected 4 provider credits, got %v", summary.ProviderCredits)
	}
	if summary.TotalCredits != 1.0+3.0+4.0 {
		t.Errorf("Expected total 8, got %v", summary.TotalCredits)
	}
	if summary.ToolBreakdown["web_search"] != 2.0 {
		t.Errorf("Breakdown wrong: %+v", summary.ToolBreakdown)
	}
}

func TestCompute_SkipsUndecodableEvents(t *testing.T) {
	f := New(DefaultPricing(), nil, qlog.NewQuiet())
	start := time.Now()

	summary := f.Compute(qrun.FinalizeInput{
		RunID:       "run-3",
		StartedAt:   start,
		CompletedAt: start.Add(time.Second),
		Transcript: [][]byte{
			[]byte(`garbage`),
			mustMarshal(t, &qrun.ToolEvent{Name: "web_search", Usage: &qrun.ToolUsage{Tool: "web_search", Units: 1}}),
		},
	})

	if summary.ToolCredits != 0.5 {
		t.Errorf("Valid event after garbage should still bill: got %v", summary.ToolCredits)
	}
}

func TestFinalize_IdempotentWrite(t *testing.T) {
	writer := &memUsageWriter{}
	f := New(DefaultPricing(), writer, qlog.NewQuiet())
	start := time.Now()

	in := qrun.FinalizeInput{
		RunID:         "run-4",
		StartedAt:     start,
		CompletedAt:   start.Add(time.Minute),
		ReasoningTier: qrun.TierLow,
	}
	if err := f.Finalize(context.Background(), in); err != nil {
		t.Fatalf("First Finalize failed: %v", err)
	}
	if err := f.Finalize(context.Background(), in); err != nil {
		t.Fatalf("Second Finalize failed: %v", err)
	}
	if len(writer.inserts) != 1 {
		t.Errorf("Expected exactly one stored summary, got %d", len(writer.inserts))
	}
}

func TestFinalize_WriterFailureReturnsError(t *testing.T) {
	f := New(DefaultPricing(), &memUsageWriter{fail: true}, qlog.NewQuiet())
	start := time.Now()

	err := f.Finalize(context.Background(), qrun.FinalizeInput{
		RunID:       "run-5",
		StartedAt:   start,
		CompletedAt: start.Add(time.Minute),
	})
	if err == nil {
		t.Error("Expected error when usage writer fails")
	}
}

func TestFinalize_NilWriterIsNoop(t *testing.T) {
	f := New(DefaultPricing(), nil, qlog.NewQuiet())
	start := time.Now()

	if err := f.Finalize(context.Background(), qrun.FinalizeInput{
		RunID:       "run-6",
		StartedAt:   start,
		CompletedAt: start.Add(time.Minute),
	}); err != nil {
		t.Errorf("Nil writer should be a logged no-op, got %v", err)
	}
}
