// Package client is a thin hand-written HTTP client for the worker API,
// with keyring-backed bearer auth baked in so commands don't wire
// headers themselves.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Run mirrors the API's run representation.
type Run struct {
	RunID         string     `json:"run_id"`
	ThreadID      string     `json:"thread_id"`
	ProjectID     string     `json:"project_id,omitempty"`
	Model         string     `json:"model"`
	ReasoningTier string     `json:"reasoning_tier"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SubmitRequest is the body for run submission.
type SubmitRequest struct {
	ThreadID              string         `json:"thread_id"`
	ProjectID             string         `json:"project_id,omitempty"`
	Model                 string         `json:"model"`
	ReasoningEnabled      bool           `json:"reasoning_enabled,omitempty"`
	ReasoningEffort       string         `json:"reasoning_effort,omitempty"`
	Stream                bool           `json:"stream,omitempty"`
	ContextManagerEnabled bool           `json:"context_manager_enabled,omitempty"`
	AgentConfig           map[string]any `json:"agent_config,omitempty"`
}

type responsesBody struct {
	RunID  string            `json:"run_id"`
	Events []json.RawMessage `json:"events"`
}

// APIError carries the HTTP status for callers that branch on 401/404.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.Status, e.Body)
}

// Client talks to one worker instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for baseURL, loading any stored token for it.
func New(baseURL string) *Client {
	token, _ := LoadToken(baseURL)
	return &Client{
		baseURL: normalizeKey(baseURL),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// SubmitRun creates and enqueues a run.
func (c *Client) SubmitRun(ctx context.Context, req SubmitRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/agent-runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run's durable record.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/agent-runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetResponses returns the run's ordered response events.
func (c *Client) GetResponses(ctx context.Context, runID string) ([]json.RawMessage, error) {
	var body responsesBody
	if err := c.do(ctx, http.MethodGet, "/api/agent-runs/"+runID+"/responses", nil, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// TranscriptURL fetches a presigned download link for a terminal run's
// archived transcript.
func (c *Client) TranscriptURL(ctx context.Context, runID string) (string, error) {
	var body struct {
		RunID string `json:"run_id"`
		URL   string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agent-runs/"+runID+"/transcript", nil, &body); err != nil {
		return "", err
	}
	return body.URL, nil
}

// StopRun requests cooperative cancellation.
func (c *Client) StopRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/agent-runs/"+runID+"/stop", nil, nil)
}

// Health checks worker liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}
