package qrun

import (
	"errors"
	"fmt"
)

// Reasoning tiers. Pricing is tiered on these in the finalizer.
const (
	TierNone   = "none"
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// RunRequest is the work-submission payload that dispatches one
// coordinator invocation. It travels JSON-encoded on the dispatch queue.
type RunRequest struct {
	RunID                 string         `json:"run_id"`
	ThreadID              string         `json:"thread_id"`
	ProjectID             string         `json:"project_id"`
	InstanceID            string         `json:"instance_id,omitempty"`
	Model                 string         `json:"model"`
	ReasoningEnabled      bool           `json:"reasoning_enabled"`
	ReasoningEffort       string         `json:"reasoning_effort,omitempty"`
	Stream                bool           `json:"stream"`
	ContextManagerEnabled bool           `json:"context_manager_enabled"`
	AgentConfig           map[string]any `json:"agent_config,omitempty"`
	RequestID             string         `json:"request_id,omitempty"`
}

// Validate checks the fields the coordinator cannot work without.
func (r *RunRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("run_id is required")
	}
	if r.ThreadID == "" {
		return errors.New("thread_id is required")
	}
	if r.Model == "" {
		return errors.New("model is required")
	}
	switch r.ReasoningEffort {
	case "", TierLow, TierMedium, TierHigh:
	default:
		return fmt.Errorf("unknown reasoning effort %q", r.ReasoningEffort)
	}
	return nil
}

// ReasoningTier resolves the billing tier for this request. Reasoning
// disabled is tier none; enabled without an explicit effort defaults to
// low.
func (r *RunRequest) ReasoningTier() string {
	if !r.ReasoningEnabled {
		return TierNone
	}
	if r.ReasoningEffort == "" {
		return TierLow
	}
	return r.ReasoningEffort
}

// ActiveRunKey is the liveness marker written by the instance currently
// executing a run, with the same TTL as the lock.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}
