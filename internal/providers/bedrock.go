package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/miosa-osa/osa/pkg/models"
)

const (
	bedrockName          = "bedrock"
	bedrockDefaultModel  = "anthropic.claude-sonnet-4-20250514-v1:0"
	bedrockDefaultRegion = "us-east-1"
)

// BedrockConfig configures the AWS Bedrock adapter. With no explicit keys the
// default AWS credential chain applies (env, shared config, IAM role).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Model           string
}

// Bedrock adapts the Bedrock Converse API to the Provider interface.
type Bedrock struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrock creates a Bedrock provider backed by the Converse API.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = bedrockDefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = bedrockDefaultModel
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg), model: cfg.Model}, nil
}

func (p *Bedrock) Name() string            { return bedrockName }
func (p *Bedrock) DefaultModel() string    { return p.model }
func (p *Bedrock) SupportsStreaming() bool { return true }

// Chat runs one blocking completion.
func (p *Bedrock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, func(StreamEvent) {})
}

// ChatStream runs one streaming completion. The event channel is drained to
// the end rather than stopping at messageStop, since the metadata event with
// token usage arrives after it.
func (p *Bedrock) ChatStream(ctx context.Context, req *ChatRequest, cb func(StreamEvent)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockTools(req.Tools)
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, NewProviderError(bedrockName, model, err)
	}

	eventStream := out.GetStream()
	defer eventStream.Close()

	resp := &ChatResponse{Provider: bedrockName, Model: model}
	var text strings.Builder
	var curTool *models.ToolCall
	var curInput strings.Builder

	flushTool := func() {
		if curTool == nil {
			return
		}
		args := curInput.String()
		if args == "" {
			args = "{}"
		}
		curTool.Arguments = json.RawMessage(args)
		resp.ToolCalls = append(resp.ToolCalls, *curTool)
		curTool = nil
		curInput.Reset()
	}

	for event := range eventStream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				curTool = &models.ToolCall{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Name: aws.ToString(toolUse.Value.Name),
				}
				curInput.Reset()
				cb(StreamEvent{Kind: StreamToolUseStart, ToolID: curTool.ID, ToolName: curTool.Name})
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					text.WriteString(delta.Value)
					cb(StreamEvent{Kind: StreamTextDelta, Text: delta.Value})
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil && *delta.Value.Input != "" {
					curInput.WriteString(*delta.Value.Input)
					cb(StreamEvent{Kind: StreamToolUseDelta, Fragment: *delta.Value.Input})
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			flushTool()

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				resp.Usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
				resp.Usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
			}
		}
	}
	flushTool()

	if err := eventStream.Err(); err != nil {
		return nil, NewProviderError(bedrockName, model, err)
	}

	resp.Content = text.String()
	cb(StreamEvent{Kind: StreamDone, Response: resp})
	return resp, nil
}

// bedrockMessages converts transcript messages to Converse format. Like the
// Anthropic API, consecutive tool results collapse into one user turn.
func bedrockMessages(messages []models.Message) []types.Message {
	var result []types.Message
	var pendingResults []types.ContentBlock

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			block := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.Content},
				},
			}
			if toolMessageIsError(msg) {
				block.Status = types.ToolResultStatusError
			}
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{Value: block})
			continue

		case models.RoleAssistant:
			flushResults()
			var content []types.ContentBlock
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var inputDoc any
				if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: content,
			})

		default:
			flushResults()
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
			})
		}
	}
	flushResults()
	return result
}

func bedrockTools(tools []ToolDef) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
