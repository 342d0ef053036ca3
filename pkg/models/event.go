package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies one kind of runtime event. The set is closed;
// consumers switch on it and subscribe by it.
type EventType string

const (
	EventAgentThinking    EventType = "agent_thinking"
	EventAgentResponse    EventType = "agent_response"
	EventAgentCancelled   EventType = "agent_cancelled"
	EventToolCall         EventType = "tool_call"
	EventLLMRequest       EventType = "llm_request"
	EventLLMResponse      EventType = "llm_response"
	EventSignalClassified EventType = "signal_classified"
	EventSignalFiltered   EventType = "signal_filtered"
	EventSystem           EventType = "system_event"
	EventExternalTrigger  EventType = "external_trigger"
)

// Phases carried in a tool_call event payload under the "phase" key.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Event is an immutable record of something the runtime did. Events are
// produced once and fanned out to many consumers; payload maps must not be
// mutated after publication.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps a fresh event with an id and a UTC timestamp.
func NewEvent(typ EventType, sessionID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// KnownEventTypes lists every event type the runtime emits, in a stable
// order. Used by subscription surfaces to validate topic names.
func KnownEventTypes() []EventType {
	return []EventType{
		EventAgentThinking,
		EventAgentResponse,
		EventAgentCancelled,
		EventToolCall,
		EventLLMRequest,
		EventLLMResponse,
		EventSignalClassified,
		EventSignalFiltered,
		EventSystem,
		EventExternalTrigger,
	}
}
