package qart

import (
	"bytes"
	"context"
	"time"

	"github.com/quatton/qagent/pkg/qrun"
)

// Archive persists run transcripts to object storage after finalization.
// It satisfies qrun.TranscriptArchiver; the coordinator treats archive
// failures as best-effort, so this type never needs to retry.
type Archive struct {
	store Store
}

func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// ArchiveTranscript stores the materialized transcript JSON for a run.
func (a *Archive) ArchiveTranscript(ctx context.Context, runID string, transcript []byte) error {
	_, err := a.store.Upload(ctx,
		TranscriptKey(runID),
		bytes.NewReader(transcript),
		"application/json",
		map[string]string{"run_id": runID})
	return err
}

// TranscriptURL returns a short-lived presigned download URL for an
// archived transcript.
func (a *Archive) TranscriptURL(ctx context.Context, runID string) (string, error) {
	return a.store.GetPresignedURL(ctx, TranscriptKey(runID), 15*time.Minute)
}

var _ qrun.TranscriptArchiver = (*Archive)(nil)
