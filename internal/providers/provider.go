// Package providers defines the LLM provider contract, the concrete adapters
// (anthropic, openai, groq, google, bedrock), and a registry that routes chat
// requests through a configured fallback chain.
package providers

import (
	"context"
	"encoding/json"

	"github.com/miosa-osa/osa/pkg/models"
)

// Provider is the interface every LLM backend implements.
//
// Implementations must be safe for concurrent use; the registry calls them
// from many session loops at once.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// DefaultModel returns the model used when a request does not name one.
	DefaultModel() string

	// Chat performs one blocking completion call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming completion call, invoking cb for every
	// event in order on a single goroutine, and returns the final response.
	ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error)

	// SupportsStreaming reports whether ChatStream is native. The registry
	// synthesizes a stream for providers that return false.
	SupportsStreaming() bool
}

// ToolDef describes one tool offered to the model: name, natural-language
// description, and JSON Schema for the arguments.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest is the canonical completion request handed to any provider.
type ChatRequest struct {
	// Provider optionally pins the request to a named provider; empty means
	// the registry default.
	Provider string `json:"provider,omitempty"`

	// Model names the model; empty means the provider default.
	Model string `json:"model,omitempty"`

	// System is the system prompt, handled out-of-band by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools are offered to the model for function calling.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature, when > 0, overrides the provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// Usage carries token accounting for one completion call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the canonical normalized completion result. Provider
// streaming event names never leak past the adapter; only this shape does.
type ChatResponse struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Model     string            `json:"model,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Usage     Usage             `json:"usage"`
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// StreamEventKind discriminates StreamEvent variants.
type StreamEventKind string

const (
	StreamTextDelta    StreamEventKind = "text_delta"
	StreamToolUseStart StreamEventKind = "tool_use_start"
	StreamToolUseDelta StreamEventKind = "tool_use_delta"
	StreamDone         StreamEventKind = "done"
)

// StreamEvent is one normalized streaming event. Fields are populated per
// kind: Text for text_delta, ToolID/ToolName for tool_use_start, Fragment for
// tool_use_delta, Response for done.
type StreamEvent struct {
	Kind     StreamEventKind `json:"kind"`
	Text     string          `json:"text,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Fragment string          `json:"fragment,omitempty"`
	Response *ChatResponse   `json:"response,omitempty"`
}

// EstimateTokens approximates the token count of a request at ~4 characters
// per token. Good enough for compaction thresholds; never used for billing.
func EstimateTokens(req *ChatRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments)) / 4
		}
	}
	for _, t := range req.Tools {
		total += (len(t.Name) + len(t.Description) + len(t.Schema)) / 4
	}
	return total
}
