package qrun

import (
	"encoding/json"
	"fmt"
)

// RunStatus captures coarse execution state for persistence and
// orchestration.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status ends a run. Terminal runs are
// immutable once the durable record is written.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// EventType is the discriminator shared by all response events.
type EventType string

const (
	EventStatus    EventType = "status"
	EventAssistant EventType = "assistant"
	EventTool      EventType = "tool"
)

// Event is one unit of producer output. The concrete set is closed so
// branching on event type is exhaustive at compile time.
type Event interface {
	EventType() EventType
}

// StatusEvent reports a run-level state change. Producers may emit one
// with a terminal status to end the run explicitly; the coordinator
// synthesizes one when a producer ends implicitly.
type StatusEvent struct {
	Type   EventType `json:"type"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

func NewStatusEvent(status RunStatus) *StatusEvent {
	return &StatusEvent{Type: EventStatus, Status: status}
}

// NewErrorStatusEvent builds the failed-status event recorded when the
// producer or the relay loop errors out.
func NewErrorStatusEvent(errText string) *StatusEvent {
	return &StatusEvent{Type: EventStatus, Status: StatusFailed, Error: errText}
}

func (e *StatusEvent) EventType() EventType { return EventStatus }

// AssistantEvent carries a chunk of assistant output.
type AssistantEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
	Model   string    `json:"model,omitempty"`
}

func NewAssistantEvent(content string) *AssistantEvent {
	return &AssistantEvent{Type: EventAssistant, Content: content}
}

func (e *AssistantEvent) EventType() EventType { return EventAssistant }

// ToolUsage is a side-channel accounting annotation attached to a tool
// result. It is not part of the tool's user-visible output; the finalizer
// extracts it from the transcript when computing credit totals.
type ToolUsage struct {
	Tool     string `json:"tool"`
	Provider string `json:"provider,omitempty"` // external data provider, if any
	Units    int    `json:"units"`              // billable invocations, minimum 1
}

// ToolEvent carries one tool invocation's result.
type ToolEvent struct {
	Type    EventType  `json:"type"`
	Name    string     `json:"name"`
	Content string     `json:"content,omitempty"`
	Usage   *ToolUsage `json:"usage,omitempty"`
}

func NewToolEvent(name, content string) *ToolEvent {
	return &ToolEvent{Type: EventTool, Name: name, Content: content}
}

func (e *ToolEvent) EventType() EventType { return EventTool }

// MarshalEvent serializes an event with its type discriminator set,
// regardless of how the value was constructed.
func MarshalEvent(e Event) ([]byte, error) {
	switch v := e.(type) {
	case *StatusEvent:
		v.Type = EventStatus
	case *AssistantEvent:
		v.Type = EventAssistant
	case *ToolEvent:
		v.Type = EventTool
	default:
		return nil, fmt.Errorf("unknown event %T", e)
	}
	return json.Marshal(e)
}

// DecodeEvent parses a serialized event by its type discriminator.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	switch envelope.Type {
	case EventStatus:
		var e StatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding status event: %w", err)
		}
		return &e, nil
	case EventAssistant:
		var e AssistantEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding assistant event: %w", err)
		}
		return &e, nil
	case EventTool:
		var e ToolEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding tool event: %w", err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.Type)
	}
}
