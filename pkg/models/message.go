package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a session transcript. Messages are append-only
// within a session.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // set on tool-role replies
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolCall is an LLM-produced request to invoke a named tool. Every
// provider adapter normalizes its wire format to this shape.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool execution. Failures are values:
// OK is false, Err carries the reason, and Code carries the failure class
// (tool_execution_failed, tool_blocked_by_hook, shell_policy_violation, ...).
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Output     string `json:"output"`
	Err        string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Session is the persisted metadata for a conversation thread. The live
// loop state lives with the loop worker, not here.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
