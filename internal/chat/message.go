package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Usage is token accounting attached to assistant messages.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ProviderMeta is optional provider metadata carried on a message.
type ProviderMeta struct {
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Message is the append-only history unit. Content is immutable once the
// message is appended; edits produce a new message on a new thread.
// Historical marks messages loaded from the store on engine start, which
// suppresses side effects downstream.
type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Role           Role          `json:"role"`
	Content        []ContentItem `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	Meta           *ProviderMeta `json:"meta,omitempty"`
	Historical     bool          `json:"is_historical,omitempty"`
	RawWire        string        `json:"-"`
}

// NewMessage builds a message with a fresh time-ordered id.
func NewMessage(conversationID uuid.UUID, role Role, content ...ContentItem) *Message {
	return &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// ToolCalls returns the tool-call items of the message in order.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, item := range m.Content {
		if tc, ok := item.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResultIDs returns the set of tool_use_ids answered by this message.
func (m *Message) ToolResultIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, item := range m.Content {
		if tr, ok := item.(ToolResult); ok {
			ids[tr.ToolUseID] = true
		}
	}
	return ids
}

// Text flattens the user-visible text of the message.
func (m *Message) Text() string {
	var out string
	for _, item := range m.Content {
		switch v := item.(type) {
		case UserText:
			out += v.Text
		case AssistantText:
			out += v.Structured.FullText
		case SystemNote:
			out += v.Text
		}
	}
	return out
}

// UnresolvedToolCalls scans an ordered message list and returns, in call
// order, the tool calls of the trailing assistant message that no later
// message answers. The engine closes these gaps with synthetic error
// results before the history is handed to a provider.
func UnresolvedToolCalls(messages []*Message) []ToolCall {
	// Find the last assistant message carrying tool calls.
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			if len(messages[i].ToolCalls()) > 0 {
				lastAssistant = i
			}
			break
		}
	}
	if lastAssistant < 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, m := range messages[lastAssistant+1:] {
		for id := range m.ToolResultIDs() {
			answered[id] = true
		}
	}

	var orphans []ToolCall
	for _, tc := range messages[lastAssistant].ToolCalls() {
		if !answered[tc.ID] {
			orphans = append(orphans, tc)
		}
	}
	return orphans
}
