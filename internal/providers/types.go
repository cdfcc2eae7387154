// Package providers implements the in-process LLM clients and the
// conversion between the internal content-item model and each provider
// SDK's message shape.
package providers

import (
	"context"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// Provider is the synchronous call interface consumed by the conversation
// engine. One call is one model turn; blocking happens inside Chat and is
// cancelled through ctx.
type Provider interface {
	Chat(ctx context.Context, p Prompt) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Prompt is the input for one Chat call.
type Prompt struct {
	System    []string
	Messages  []*chat.Message
	Tools     []ToolDefinition
	Model     string
	MaxTokens int64
}

// ChatResponse is the provider's reply converted back into content items.
// Items contains AssistantText, ToolCall, and Thinking entries in provider
// order.
type ChatResponse struct {
	Items      []chat.ContentItem
	StopReason string
	Model      string
	Usage      *chat.Usage
}

// ToolCalls returns the tool-call items of the response.
func (r *ChatResponse) ToolCalls() []chat.ToolCall {
	var calls []chat.ToolCall
	for _, item := range r.Items {
		if tc, ok := item.(chat.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema: {type, properties, required}
}

// InvalidInput is the diagnostic payload substituted for a tool-call input
// that the provider SDK failed to parse as JSON. The raw text is preserved
// so nothing the model said is dropped.
type InvalidInput struct {
	Error string `json:"error"`
	Raw   string `json:"raw"`
}
