package qrun

import (
	"context"
	"time"
)

// Producer is the boundary to the opaque reasoning/tool-execution loop.
// The coordinator never inspects producer internals beyond each event's
// type and status discriminators.
//
// Start returns an ordered event channel, closed when the producer ends,
// and an error channel carrying at most one terminal error. Producers may
// end implicitly by closing the event channel without a terminal status
// event; the coordinator synthesizes the completion. Producers should
// observe ctx and stop emitting once it is cancelled.
type Producer interface {
	Start(ctx context.Context, req RunRequest) (<-chan Event, <-chan error, error)
}

// TerminalRecord is the authoritative durable outcome of a run, written
// exactly once per terminal transition.
type TerminalRecord struct {
	RunID       string
	Status      RunStatus
	CompletedAt time.Time
	Error       string
	Responses   [][]byte // serialized events, in relay order
}

// RunRecorder persists terminal records to durable storage.
type RunRecorder interface {
	SaveTerminal(ctx context.Context, rec TerminalRecord) error

	// TerminalStatus reads back the recorded status. Used as a
	// read-after-write diagnostic, not a correctness gate.
	TerminalStatus(ctx context.Context, runID string) (RunStatus, error)
}

// FinalizeInput is everything the usage finalizer needs to price a run.
type FinalizeInput struct {
	RunID         string
	ThreadID      string
	ProjectID     string
	StartedAt     time.Time
	CompletedAt   time.Time
	ReasoningTier string
	Transcript    [][]byte // serialized events, tool usage annotations included
}

// Finalizer computes and persists usage accounting after a run reaches a
// terminal state. Implementations must be idempotent-safe for the same
// run and must degrade internal failures to a logged, zero-credit outcome
// rather than propagate them; a returned error is logged by the caller
// and never alters the run's recorded terminal status.
type Finalizer interface {
	Finalize(ctx context.Context, in FinalizeInput) error
}

// TranscriptArchiver optionally persists the materialized transcript to
// long-term object storage at finalization. Best-effort.
type TranscriptArchiver interface {
	ArchiveTranscript(ctx context.Context, runID string, transcript []byte) error
}
