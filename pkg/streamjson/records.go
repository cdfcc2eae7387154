// Package streamjson implements the newline-delimited JSON wire format
// spoken between the shell and a stream-json subprocess. Each line is one
// tagged record; unknown tags are preserved rather than rejected so newer
// child binaries keep working against older shells.
package streamjson

import "encoding/json"

// Top-level record type discriminators.
const (
	TypeSystem          = "system"
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// System record subtypes.
const (
	SubtypeInit = "init"
)

// Control subtypes.
const (
	ControlInterrupt = "interrupt"
	ControlSuccess   = "success"
	ControlError     = "error"
)

// Record is one decoded wire line.
type Record interface {
	RecordType() string
}

// SystemRecord carries out-of-band signalling from the child.
// Subtype "init" announces the canonical session id.
type SystemRecord struct {
	Type           string            `json:"type"`
	Subtype        string            `json:"subtype,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	CWD            string            `json:"cwd,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	MCPServers     []MCPServerStatus `json:"mcp_servers,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permission_mode,omitempty"`
}

// MCPServerStatus reports one MCP server announced in system{init}.
type MCPServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func (r *SystemRecord) RecordType() string { return TypeSystem }

// MessageBody is the inner message envelope of user/assistant records.
type MessageBody struct {
	Role       string       `json:"role"`
	Content    ContentUnion `json:"content"`
	StopReason string       `json:"stop_reason,omitempty"`
	Model      string       `json:"model,omitempty"`
	Usage      *Usage       `json:"usage,omitempty"`
}

// Usage is the token accounting attached to assistant and result records.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// UserRecord is the user-role envelope. The driver writes these for prompts
// and tool results; the child may also echo them back.
type UserRecord struct {
	Type            string      `json:"type"`
	Message         MessageBody `json:"message"`
	SessionID       string      `json:"session_id,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
}

func (r *UserRecord) RecordType() string { return TypeUser }

// AssistantRecord carries one assistant message from the child.
type AssistantRecord struct {
	Type            string      `json:"type"`
	Message         MessageBody `json:"message"`
	SessionID       string      `json:"session_id,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
}

func (r *AssistantRecord) RecordType() string { return TypeAssistant }

// ResultRecord is the end-of-turn marker.
type ResultRecord struct {
	Type          string   `json:"type"`
	Subtype       string   `json:"subtype,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
	DurationAPIMS int64    `json:"duration_api_ms"`
	IsError       bool     `json:"is_error"`
	NumTurns      int      `json:"num_turns"`
	SessionID     string   `json:"session_id,omitempty"`
	Usage         *Usage   `json:"usage,omitempty"`
	TotalCostUSD  *float64 `json:"total_cost_usd,omitempty"`
	Result        string   `json:"result,omitempty"`
}

func (r *ResultRecord) RecordType() string { return TypeResult }

// ControlRequestRecord is an out-of-band control message (interrupt).
type ControlRequestRecord struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Request   ControlBody `json:"request"`
}

// ControlBody names the control operation.
type ControlBody struct {
	Subtype string `json:"subtype"`
}

func (r *ControlRequestRecord) RecordType() string { return TypeControlRequest }

// ControlResponseRecord acknowledges a control request.
type ControlResponseRecord struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody carries the request correlation id and outcome.
type ControlResponseBody struct {
	RequestID string `json:"request_id"`
	Subtype   string `json:"subtype"`
	Error     string `json:"error,omitempty"`
}

func (r *ControlResponseRecord) RecordType() string { return TypeControlResponse }

// UnknownRecord preserves a well-formed line whose type tag is not recognised.
type UnknownRecord struct {
	Tag string
	Raw json.RawMessage
}

func (r *UnknownRecord) RecordType() string { return r.Tag }

// NewUserText builds the user record for a plain text prompt.
func NewUserText(text, sessionID string) *UserRecord {
	return &UserRecord{
		Type:      TypeUser,
		Message:   MessageBody{Role: "user", Content: StringContent(text)},
		SessionID: sessionID,
	}
}

// NewInterrupt builds a control_request{interrupt} with the given request id.
func NewInterrupt(requestID string) *ControlRequestRecord {
	return &ControlRequestRecord{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   ControlBody{Subtype: ControlInterrupt},
	}
}
