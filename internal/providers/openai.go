package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/miosa-osa/osa/pkg/models"
)

const (
	openaiName         = "openai"
	openaiDefaultModel = "gpt-4o"

	groqName         = "groq"
	groqDefaultModel = "llama-3.3-70b-versatile"
	groqBaseURL      = "https://api.groq.com/openai/v1"
)

// OpenAIConfig configures the OpenAI adapter and its compatible variants.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI adapts the Chat Completions API to the Provider interface. The same
// adapter serves any OpenAI-compatible endpoint; NewGroq points it at Groq.
type OpenAI struct {
	client *openai.Client
	name   string
	model  string
}

// NewOpenAI creates an OpenAI provider. The API key is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), name: openaiName, model: cfg.Model}, nil
}

// NewGroq creates a provider for Groq's OpenAI-compatible API.
func NewGroq(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("groq: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = groqDefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = groqBaseURL
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), name: groqName, model: cfg.Model}, nil
}

func (p *OpenAI) Name() string            { return p.name }
func (p *OpenAI) DefaultModel() string    { return p.model }
func (p *OpenAI) SupportsStreaming() bool { return true }

// Chat runs one blocking completion.
func (p *OpenAI) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chatReq := p.buildRequest(req, false)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapErr(err, chatReq.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, chatReq.Model, errors.New("response has no choices"))
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Content:  choice.Content,
		Provider: p.name,
		Model:    chatReq.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArgs(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream runs one streaming completion. Tool calls arrive as indexed
// fragments across chunks and are assembled in index order at end of stream.
func (p *OpenAI) ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	chatReq := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapErr(err, chatReq.Model)
	}
	defer stream.Close()

	resp := &ChatResponse{Provider: p.name, Model: chatReq.Model}
	var text strings.Builder
	pending := map[int]*models.ToolCall{}
	args := map[int]*strings.Builder{}
	announced := map[int]bool{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrapErr(err, chatReq.Model)
		}

		if chunk.Usage != nil {
			resp.Usage.InputTokens = chunk.Usage.PromptTokens
			resp.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			cb(StreamEvent{Kind: StreamTextDelta, Text: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur := pending[idx]
			if cur == nil {
				cur = &models.ToolCall{}
				pending[idx] = cur
				args[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if !announced[idx] && cur.ID != "" && cur.Name != "" {
				announced[idx] = true
				cb(StreamEvent{Kind: StreamToolUseStart, ToolID: cur.ID, ToolName: cur.Name})
			}
			if tc.Function.Arguments != "" {
				args[idx].WriteString(tc.Function.Arguments)
				cb(StreamEvent{Kind: StreamToolUseDelta, Fragment: tc.Function.Arguments})
			}
		}
	}

	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		tc := pending[idx]
		if tc.ID == "" || tc.Name == "" {
			continue
		}
		tc.Arguments = normalizeArgs(args[idx].String())
		resp.ToolCalls = append(resp.ToolCalls, *tc)
	}

	resp.Content = text.String()
	cb(StreamEvent{Kind: StreamDone, Response: resp})
	return resp, nil
}

func (p *OpenAI) buildRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req.System, req.Messages),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		out.Tools = openaiTools(req.Tools)
	}
	return out
}

func openaiMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func openaiTools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Schema),
			},
		})
	}
	return out
}

func (p *OpenAI) wrapErr(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			pe = pe.WithMessage(apiErr.Message)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError(p.name, model, err)
}

// normalizeArgs guards against providers that stream no argument payload for
// zero-parameter tools.
func normalizeArgs(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
