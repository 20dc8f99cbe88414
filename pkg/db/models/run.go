package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AgentRun is the durable record of one agent run. The row is created at
// submission and receives exactly one terminal update (status,
// completed_at, error, responses) when the run ends.
type AgentRun struct {
	bun.BaseModel `bun:"table:agent.runs,alias:r"`

	ID         uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	RunID      string    `bun:",unique,notnull"`
	ThreadID   string    `bun:",notnull"`
	ProjectID  string    `bun:",nullzero"`
	InstanceID string    `bun:",nullzero"`

	Model         string `bun:",notnull"`
	ReasoningTier string `bun:",notnull,default:'none'"`

	Status string `bun:",notnull,default:'running'"`
	Error  string `bun:",nullzero"`

	// Responses holds the full transcript as a JSON array of events.
	Responses json.RawMessage `bun:"type:jsonb,nullzero"`

	StartedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	CompletedAt time.Time `bun:",nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// UsageRecord is the credit accounting for one terminal run. The unique
// run_id constraint makes the insert idempotent under finalizer retries.
type UsageRecord struct {
	bun.BaseModel `bun:"table:agent.usage,alias:ur"`

	ID        uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	RunID     string    `bun:",unique,notnull"`
	ThreadID  string    `bun:",nullzero"`
	ProjectID string    `bun:",nullzero"`

	Minutes       int    `bun:",notnull"`
	ReasoningTier string `bun:",notnull,default:'none'"`

	ConversationCredits float64 `bun:",notnull"`
	ToolCredits         float64 `bun:",notnull"`
	ProviderCredits     float64 `bun:",notnull"`
	TotalCredits        float64 `bun:",notnull"`

	ToolBreakdown     json.RawMessage `bun:"type:jsonb,nullzero"`
	ProviderBreakdown json.RawMessage `bun:"type:jsonb,nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
