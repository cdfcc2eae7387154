package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

const openaiDefaultModel = "gpt-4o"

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL allows
// pointing the client at any compatible endpoint.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	DefaultModel      string
	MaxTokens         int64
	RequestsPerMinute int
}

// OpenAI is the chat-completions provider, usable against api.openai.com or
// any OpenAI-compatible server.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int64
	limiter      *rate.Limiter
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openaiDefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		maxTokens:    maxTokens,
		limiter:      limiter,
	}
}

func (o *OpenAI) Name() string         { return "openai" }
func (o *OpenAI) DefaultModel() string { return o.defaultModel }

func (o *OpenAI) Chat(ctx context.Context, p Prompt) (*ChatResponse, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := p.Model
	if model == "" {
		model = o.defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  openaiMessages(p.System, p.Messages),
		Tools:     openaiTools(p.Tools),
		MaxTokens: int(min64(p.MaxTokens, o.maxTokens)),
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: chat: %w", err)
	}
	slog.Debug("openai chat",
		"model", model,
		"messages", len(req.Messages),
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	return responseFromOpenAI(&resp), nil
}

func min64(a, b int64) int64 {
	if a > 0 && a < b {
		return a
	}
	return b
}

// openaiMessages maps internal history to the chat-completions shape. Tool
// results become role "tool" messages keyed by tool_call_id; assistant tool
// calls ride on the assistant message.
func openaiMessages(system []string, msgs []*chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if joined := strings.TrimSpace(strings.Join(system, "\n\n")); joined != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: joined})
	}
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, item := range m.Content {
				switch v := item.(type) {
				case chat.AssistantText:
					msg.Content += v.Structured.FullText
				case chat.ToolCall:
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   v.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      v.Name,
							Arguments: string(v.Input),
						},
					})
				}
			}
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, msg)
			}
		default:
			var text string
			for _, item := range m.Content {
				switch v := item.(type) {
				case chat.UserText:
					text += v.Text
				case chat.SystemNote:
					// transcript-local, not replayed
				case chat.ToolResult:
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						ToolCallID: v.ToolUseID,
						Content:    flattenParts(v.Result),
					})
				}
			}
			if text != "" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
			}
		}
	}
	return out
}

func openaiTools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// responseFromOpenAI converts a chat-completions response into internal
// items. Function arguments that are not valid JSON are preserved as the
// {error, raw} diagnostic payload.
func responseFromOpenAI(resp *openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0]
	out := &ChatResponse{
		StopReason: string(choice.FinishReason),
		Model:      resp.Model,
		Usage: &chat.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if choice.Message.Content != "" {
		out.Items = append(out.Items, chat.AssistantText{
			Structured: chat.StructuredText{FullText: choice.Message.Content},
			State:      chat.BlockComplete,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		} else if !json.Valid(input) {
			diag, _ := json.Marshal(InvalidInput{Error: "invalid tool arguments JSON", Raw: tc.Function.Arguments})
			input = diag
		}
		out.Items = append(out.Items, chat.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
			State: chat.BlockComplete,
		})
	}
	return out
}
