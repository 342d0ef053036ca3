package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/miosa-osa/osa/pkg/models"
)

const (
	anthropicName         = "anthropic"
	anthropicDefaultModel = "claude-sonnet-4-5-20250929"

	defaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce no output
	// before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Anthropic adapts the Claude Messages API to the Provider interface.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic provider. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: cfg.Model}, nil
}

func (p *Anthropic) Name() string            { return anthropicName }
func (p *Anthropic) DefaultModel() string    { return p.model }
func (p *Anthropic) SupportsStreaming() bool { return true }

// Chat runs one completion and blocks until the full response is assembled.
func (p *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, func(StreamEvent) {})
}

// ChatStream runs one completion, emitting events as they arrive. Tool input
// JSON streams in fragments and is assembled when the block closes.
func (p *Anthropic) ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	stream := p.client.Messages.NewStreaming(ctx, params)

	resp := &ChatResponse{Provider: anthropicName, Model: model}
	var text strings.Builder
	var curTool *models.ToolCall
	var curInput strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				curTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				curInput.Reset()
				cb(StreamEvent{Kind: StreamToolUseStart, ToolID: use.ID, ToolName: use.Name})
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					cb(StreamEvent{Kind: StreamTextDelta, Text: delta.Text})
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					curInput.WriteString(delta.PartialJSON)
					cb(StreamEvent{Kind: StreamToolUseDelta, Fragment: delta.PartialJSON})
					processed = true
				}
			}

		case "content_block_stop":
			if curTool != nil {
				args := curInput.String()
				if args == "" {
					args = "{}"
				}
				curTool.Arguments = json.RawMessage(args)
				resp.ToolCalls = append(resp.ToolCalls, *curTool)
				curTool = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			resp.Content = text.String()
			cb(StreamEvent{Kind: StreamDone, Response: resp})
			return resp, nil

		case "error":
			return nil, NewProviderError(anthropicName, model, errors.New("stream error event")).
				WithReason(ReasonServerError)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, NewProviderError(anthropicName, model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapErr(err, model)
	}

	// Stream closed without message_stop. Return whatever accumulated.
	resp.Content = text.String()
	cb(StreamEvent{Kind: StreamDone, Response: resp})
	return resp, nil
}

func (p *Anthropic) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicMessages converts transcript messages to the Messages API shape.
// Consecutive tool-role messages collapse into one user turn carrying several
// tool_result blocks, which the API requires after a multi-tool assistant turn.
func anthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				msg.ToolCallID, msg.Content, toolMessageIsError(msg)))
			continue

		case models.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid arguments for tool call %s: %w", tc.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			flushResults()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()
	return result, nil
}

func anthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *Anthropic) wrapErr(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewProviderError(anthropicName, model, err).WithStatus(apiErr.StatusCode)
	}
	return NewProviderError(anthropicName, model, err)
}

// toolMessageIsError reports whether a tool-role message carries a failed
// execution, recorded by the executor in message metadata.
func toolMessageIsError(msg models.Message) bool {
	v, ok := msg.Metadata["is_error"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
