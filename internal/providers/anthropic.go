package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

const anthropicDefaultModel = "claude-sonnet-4-5-20250929"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int64
	// RequestsPerMinute throttles outgoing calls; 0 disables the limiter.
	RequestsPerMinute int
}

// Anthropic is the Claude provider backed by the official SDK.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
	limiter      *rate.Limiter
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = anthropicDefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
		limiter:      limiter,
	}
}

func (a *Anthropic) Name() string         { return "anthropic" }
func (a *Anthropic) DefaultModel() string { return a.defaultModel }

func (a *Anthropic) Chat(ctx context.Context, p Prompt) (*ChatResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	params, err := a.buildParams(p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: chat: %w", err)
	}
	slog.Debug("anthropic chat",
		"model", string(params.Model),
		"messages", len(params.Messages),
		"duration", time.Since(start),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	return responseFromAnthropic(resp), nil
}

func (a *Anthropic) buildParams(p Prompt) (anthropic.MessageNewParams, error) {
	model := p.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	var system []anthropic.TextBlockParam
	for _, s := range p.System {
		if strings.TrimSpace(s) != "" {
			system = append(system, anthropic.TextBlockParam{Text: s})
		}
	}

	messages, err := anthropicMessages(p.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		System:    system,
		Tools:     anthropicTools(p.Tools),
		MaxTokens: maxTokens,
	}, nil
}

// anthropicMessages maps the internal history into SDK message params,
// preserving role order and tool-call/tool-result correspondence. System
// notes are transcript-local diagnostics and are not sent upstream.
func anthropicMessages(msgs []*chat.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, item := range m.Content {
			switch v := item.(type) {
			case chat.UserText:
				blocks = append(blocks, anthropic.NewTextBlock(v.Text))
			case chat.AssistantText:
				if v.Structured.FullText != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Structured.FullText))
				}
			case chat.Thinking:
				blocks = append(blocks, anthropic.NewThinkingBlock(v.Signature, v.Text))
			case chat.ToolCall:
				blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, decodeToolInput(v.Input), v.Name))
			case chat.ToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(v.ToolUseID, flattenParts(v.Result), v.IsError))
			case chat.ImageRef:
				if v.Kind == chat.ImageBase64 {
					blocks = append(blocks, anthropic.NewImageBlockBase64(v.MediaType, v.Data))
				}
			case chat.SystemNote, chat.UnknownJSON:
				// not replayed upstream
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case chat.RoleAssistant:
			// Thinking blocks must come first within an assistant turn.
			out = append(out, anthropic.NewAssistantMessage(orderThinkingFirst(blocks)...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("anthropic: empty message history")
	}
	return out, nil
}

func orderThinkingFirst(blocks []anthropic.ContentBlockParamUnion) []anthropic.ContentBlockParamUnion {
	ordered := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		if b.OfThinking != nil {
			ordered = append(ordered, b)
		}
	}
	for _, b := range blocks {
		if b.OfThinking == nil {
			ordered = append(ordered, b)
		}
	}
	return ordered
}

func anthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.ValueOf[constant.Object](),
		}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := t.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, item := range req {
				if s, ok := item.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// decodeToolInput turns stored raw input back into the dictionary shape the
// API requires. Inputs that are not valid objects collapse to empty.
func decodeToolInput(raw json.RawMessage) any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// flattenParts renders result parts to the string content shape. Non-text
// parts are referenced by placeholder; inline blobs are not replayed.
func flattenParts(parts []chat.ResultPart) string {
	var b strings.Builder
	for _, p := range parts {
		switch v := p.(type) {
		case chat.TextPart:
			b.WriteString(v.Content)
		case chat.BlobPart:
			fmt.Fprintf(&b, "[inline %s content]", v.MediaType)
		case chat.URLPart:
			b.WriteString(v.URL)
		case chat.FilePart:
			fmt.Fprintf(&b, "[file %s]", v.FileID)
		}
	}
	return b.String()
}

// responseFromAnthropic is the inverse conversion: SDK response content
// back into internal items. Tool inputs that are not valid JSON are kept as
// an {error, raw} diagnostic payload instead of being dropped.
func responseFromAnthropic(resp *anthropic.Message) *ChatResponse {
	out := &ChatResponse{
		StopReason: string(resp.StopReason),
		Model:      string(resp.Model),
		Usage: &chat.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Items = append(out.Items, chat.AssistantText{
				Structured: chat.StructuredText{FullText: v.Text},
				State:      chat.BlockComplete,
			})
		case anthropic.ThinkingBlock:
			out.Items = append(out.Items, chat.Thinking{Signature: v.Signature, Text: v.Thinking})
		case anthropic.ToolUseBlock:
			input := json.RawMessage(v.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			} else if !json.Valid(input) {
				diag, _ := json.Marshal(InvalidInput{Error: "invalid tool input JSON", Raw: string(v.Input)})
				input = diag
			}
			out.Items = append(out.Items, chat.ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: input,
				State: chat.BlockComplete,
			})
		}
	}
	return out
}
