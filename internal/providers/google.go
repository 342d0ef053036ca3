package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/miosa-osa/osa/pkg/models"
)

const (
	googleName         = "google"
	googleDefaultModel = "gemini-2.0-flash"
)

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey string
	Model  string
}

// Google adapts the Gemini API to the Provider interface.
type Google struct {
	client *genai.Client
	model  string
	now    func() time.Time
}

// NewGoogle creates a Gemini provider. The API key is required.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = googleDefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Google{client: client, model: cfg.Model, now: time.Now}, nil
}

func (p *Google) Name() string            { return googleName }
func (p *Google) DefaultModel() string    { return p.model }
func (p *Google) SupportsStreaming() bool { return true }

// Chat runs one blocking completion.
func (p *Google) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, func(StreamEvent) {})
}

// ChatStream runs one streaming completion. Gemini delivers function calls
// whole within a single chunk rather than as argument fragments, and omits
// tool call IDs, so IDs are synthesized here.
func (p *Google) ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents := googleContents(req.Messages)
	config := p.buildConfig(req)

	resp := &ChatResponse{Provider: googleName, Model: model}
	var text strings.Builder

	for chunk, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, NewProviderError(googleName, model, err)
		}
		if chunk == nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			resp.Usage.InputTokens = int(chunk.UsageMetadata.PromptTokenCount)
			resp.Usage.OutputTokens = int(chunk.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range chunk.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
					cb(StreamEvent{Kind: StreamTextDelta, Text: part.Text})
				}
				if part.FunctionCall != nil {
					args, jerr := json.Marshal(part.FunctionCall.Args)
					if jerr != nil {
						args = []byte("{}")
					}
					id := p.toolCallID(part.FunctionCall.Name)
					cb(StreamEvent{Kind: StreamToolUseStart, ToolID: id, ToolName: part.FunctionCall.Name})
					cb(StreamEvent{Kind: StreamToolUseDelta, Fragment: string(args)})
					resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
						ID:        id,
						Name:      part.FunctionCall.Name,
						Arguments: args,
					})
				}
			}
		}
	}

	resp.Content = text.String()
	cb(StreamEvent{Kind: StreamDone, Response: resp})
	return resp, nil
}

func (p *Google) buildConfig(req *ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	config.MaxOutputTokens = int32(maxTokens)
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		config.Tools = googleTools(req.Tools)
	}
	return config
}

// toolCallID synthesizes an ID for a Gemini function call.
func (p *Google) toolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.now().UnixNano())
}

func googleContents(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch msg.Role {
		case models.RoleTool:
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(msg.ToolCallID, messages),
					Response: googleToolResponse(msg),
				},
			})
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

// googleToolResponse packs a tool result for the FunctionResponse part.
// JSON output passes through as-is; anything else wraps in a result field.
func googleToolResponse(msg models.Message) map[string]any {
	var response map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &response); err != nil || response == nil {
		response = map[string]any{"result": msg.Content}
		if toolMessageIsError(msg) {
			response["error"] = true
		}
	}
	return response
}

// toolNameForCall finds the tool name for a call ID by scanning earlier
// assistant turns, falling back to parsing the synthesized ID format.
func toolNameForCall(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	name := strings.TrimPrefix(toolCallID, "call_")
	if idx := strings.LastIndex(name, "_"); idx > 0 {
		name = name[:idx]
	}
	return name
}

func googleTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to Gemini's Schema type.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}
	return schema
}
