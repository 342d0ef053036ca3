package providers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/miosa-osa/osa/pkg/models"
)

func TestAnthropicMessagesCoalescesToolResults(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "run both"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "current_time", Arguments: json.RawMessage(`{}`)},
			{ID: "t2", Name: "shell_execute", Arguments: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: "12:00"},
		{Role: models.RoleTool, ToolCallID: "t2", Content: "main.go"},
	}

	out, err := anthropicMessages(msgs)
	if err != nil {
		t.Fatalf("anthropicMessages() error = %v", err)
	}
	// user, assistant, then one user turn carrying both tool results
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3 (tool results must coalesce)", len(out))
	}
	if len(out[2].Content) != 2 {
		t.Errorf("final turn has %d blocks, want 2 tool results", len(out[2].Content))
	}
}

func TestAnthropicMessagesRejectsBadToolArguments(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "x", Arguments: json.RawMessage(`not json`)},
		}},
	}
	if _, err := anthropicMessages(msgs); err == nil {
		t.Error("anthropicMessages() error = nil, want invalid arguments error")
	}
}

func TestOpenAIMessagesRoles(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "calling", ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "current_time", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: "12:00"},
	}

	out := openaiMessages("be brief", msgs)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4 (system prepended)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be brief" {
		t.Errorf("out[0] = %+v, want system prompt first", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "current_time" {
		t.Errorf("assistant tool call not preserved: %+v", out[2].ToolCalls)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "t1" {
		t.Errorf("tool reply = %+v, want role tool with call id", out[3])
	}
}

func TestGoogleSchemaConversion(t *testing.T) {
	raw := map[string]any{
		"type":        "object",
		"description": "args",
		"properties": map[string]any{
			"mode": map[string]any{
				"type": "string",
				"enum": []any{"fast", "slow"},
			},
			"items": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer"},
			},
		},
		"required": []any{"mode"},
	}

	schema := googleSchema(raw)
	if string(schema.Type) != "OBJECT" {
		t.Errorf("Type = %q, want OBJECT", schema.Type)
	}
	mode := schema.Properties["mode"]
	if mode == nil || len(mode.Enum) != 2 {
		t.Fatalf("mode property = %+v, want enum with 2 values", mode)
	}
	items := schema.Properties["items"]
	if items == nil || items.Items == nil || string(items.Items.Type) != "INTEGER" {
		t.Errorf("nested items schema not converted: %+v", items)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "mode" {
		t.Errorf("Required = %v, want [mode]", schema.Required)
	}
}

func TestToolNameForCall(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_abc", Name: "web_fetch"},
		}},
	}

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"found in history", "call_abc", "web_fetch"},
		{"synthesized id fallback", "call_memory_search_1712000000", "memory_search"},
		{"opaque id", "xyz", "xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolNameForCall(tt.id, history); got != tt.want {
				t.Errorf("toolNameForCall(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestGoogleToolCallIDs(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Google{now: func() time.Time { return fixed }}
	got := p.toolCallID("web_fetch")
	want := "call_web_fetch_" + itoa(fixed.UnixNano())
	if got != want {
		t.Errorf("toolCallID() = %q, want %q", got, want)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestNormalizeArgs(t *testing.T) {
	if got := normalizeArgs(""); string(got) != "{}" {
		t.Errorf("normalizeArgs(\"\") = %s, want {}", got)
	}
	if got := normalizeArgs(`{"a":1}`); string(got) != `{"a":1}` {
		t.Errorf("normalizeArgs() rewrote valid payload: %s", got)
	}
}

func TestBedrockToolsDefaultsBadSchema(t *testing.T) {
	cfg := bedrockTools([]ToolDef{
		{Name: "ok", Description: "d", Schema: json.RawMessage(`{"type":"object"}`)},
		{Name: "broken", Description: "d", Schema: json.RawMessage(`not json`)},
	})
	if len(cfg.Tools) != 2 {
		t.Fatalf("got %d tools, want 2 (bad schema falls back to empty object)", len(cfg.Tools))
	}
}
