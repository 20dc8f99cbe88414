// Package qart provides long-term transcript archival for agent runs
// using S3-compatible object storage.
package qart

import (
	"context"
	"io"
	"time"
)

// Object describes a stored transcript blob.
type Object struct {
	Key          string            `json:"key"`    // S3 key (e.g., "transcripts/abc123.json")
	Bucket       string            `json:"bucket"` // Bucket name
	Size         int64             `json:"size"`   // Size in bytes
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`
	URL          string            `json:"url,omitempty"` // Presigned URL (when requested)
}

// Store defines the object-storage operations the archive needs.
type Store interface {
	// Upload writes a blob under key.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Object, error)

	// GetPresignedURL generates a presigned URL for downloading a blob.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// TranscriptKey returns the S3 key for a run's archived transcript.
func TranscriptKey(runID string) string {
	return "transcripts/" + runID + ".json"
}
