package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miosa-osa/osa/internal/memory"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/pkg/models"
)

// MemoryStoreTool lets the agent persist facts across sessions.
type MemoryStoreTool struct {
	store *memory.Store
}

// NewMemoryStoreTool creates the memory_store tool.
func NewMemoryStoreTool(store *memory.Store) *MemoryStoreTool {
	return &MemoryStoreTool{store: store}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }

func (t *MemoryStoreTool) Description() string {
	return "Store a fact, event, or procedure in long-term memory for later recall."
}

func (t *MemoryStoreTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string", "description": "Stable key; storing again under the same key shadows the old value."},
			"kind": {"type": "string", "enum": ["episodic", "semantic", "procedural"], "description": "Memory store. Default: semantic."},
			"content": {"type": "string", "description": "What to remember."},
			"tags": {"type": "array", "items": {"type": "string"}, "description": "Optional tags for retrieval."}
		},
		"required": ["content"]
	}`)
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	if t.store == nil {
		return &models.ToolResult{OK: false, Err: "memory store unavailable"}, nil
	}
	var input struct {
		Key     string   `json:"key"`
		Kind    string   `json:"kind"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	kind := memory.Kind(strings.TrimSpace(input.Kind))
	if kind == "" {
		kind = memory.KindSemantic
	}

	entry, err := t.store.Append(ctx, memory.Entry{
		Key:       input.Key,
		Kind:      kind,
		Content:   input.Content,
		Tags:      input.Tags,
		SessionID: observability.SessionID(ctx),
	})
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}

	payload, _ := json.Marshal(map[string]any{
		"key":  entry.Key,
		"kind": string(entry.Kind),
	})
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}

// MemorySearchTool lets the agent recall stored memories.
type MemorySearchTool struct {
	store *memory.Store
}

// NewMemorySearchTool creates the memory_search tool.
func NewMemorySearchTool(store *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory by keywords over content and tags."
}

func (t *MemorySearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Keywords to search for."},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum results (default 10)."}
		},
		"required": ["query"]
	}`)
}

func (t *MemorySearchTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	if t.store == nil {
		return &models.ToolResult{OK: false, Err: "memory store unavailable"}, nil
	}
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	entries, err := t.store.Search(ctx, input.Query, limit)
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}

	type hit struct {
		Key       string   `json:"key"`
		Kind      string   `json:"kind"`
		Content   string   `json:"content"`
		Tags      []string `json:"tags,omitempty"`
		CreatedAt string   `json:"created_at"`
	}
	hits := make([]hit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, hit{
			Key:       e.Key,
			Kind:      string(e.Kind),
			Content:   e.Content,
			Tags:      e.Tags,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	payload, err := json.Marshal(map[string]any{"results": hits})
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("encode result: %v", err)}, nil
	}
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}
