package chat

import (
	"encoding/json"
	"fmt"
)

// BlockState marks whether a streamed content item has finished arriving.
type BlockState string

const (
	BlockPartial  BlockState = "partial"
	BlockComplete BlockState = "complete"
)

// NoteLevel grades system notes.
type NoteLevel string

const (
	NoteInfo  NoteLevel = "info"
	NoteWarn  NoteLevel = "warn"
	NoteError NoteLevel = "error"
)

// ContentItem is the sealed content variant carried by messages.
type ContentItem interface {
	itemKind() string
}

// UserText is plain user input.
type UserText struct {
	Text string `json:"text"`
}

// StructuredText is assistant output, optionally carrying a voice-oriented
// short form alongside the full text.
type StructuredText struct {
	FullText  string `json:"full_text"`
	TTSText   string `json:"tts_text,omitempty"`
	VoiceTone string `json:"voice_tone,omitempty"`
}

// AssistantText is assistant prose.
type AssistantText struct {
	Structured StructuredText `json:"structured"`
	State      BlockState     `json:"block_state,omitempty"`
}

// ToolCall is a structured function invocation emitted by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	State BlockState      `json:"block_state,omitempty"`
}

// ToolResult answers a tool call, matched by ToolUseID.
type ToolResult struct {
	ToolUseID string       `json:"tool_use_id"`
	ToolName  string       `json:"tool_name,omitempty"`
	Result    []ResultPart `json:"result"`
	IsError   bool         `json:"is_error,omitempty"`
	State     BlockState   `json:"block_state,omitempty"`
}

// Text flattens the textual parts of the result.
func (tr ToolResult) Text() string {
	var out string
	for _, p := range tr.Result {
		if t, ok := p.(TextPart); ok {
			out += t.Content
		}
	}
	return out
}

// Thinking is a model reasoning block preserved for provider passback.
type Thinking struct {
	Signature string `json:"signature,omitempty"`
	Text      string `json:"text"`
}

// ImageSourceKind discriminates image references.
type ImageSourceKind string

const (
	ImageBase64 ImageSourceKind = "base64"
	ImageURL    ImageSourceKind = "url"
	ImageFileID ImageSourceKind = "file_id"
)

// ImageRef references image content by value or by location.
type ImageRef struct {
	Kind      ImageSourceKind `json:"kind"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
	FileID    string          `json:"file_id,omitempty"`
}

// SystemNote is an out-of-band diagnostic attached to the transcript.
type SystemNote struct {
	Level     NoteLevel `json:"level"`
	Text      string    `json:"text"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
}

// UnknownJSON is an opaque pass-through for content the model emitted in a
// shape this version does not understand.
type UnknownJSON struct {
	Raw json.RawMessage `json:"raw"`
}

func (UserText) itemKind() string      { return "user_text" }
func (AssistantText) itemKind() string { return "assistant_text" }
func (ToolCall) itemKind() string      { return "tool_call" }
func (ToolResult) itemKind() string    { return "tool_result" }
func (Thinking) itemKind() string      { return "thinking" }
func (ImageRef) itemKind() string      { return "image" }
func (SystemNote) itemKind() string    { return "system" }
func (UnknownJSON) itemKind() string   { return "unknown" }

// ResultPart is the sealed variant inside a ToolResult.
type ResultPart interface {
	partKind() string
}

// TextPart is plain result text.
type TextPart struct {
	Content string `json:"content"`
}

// BlobPart is inline base64 content.
type BlobPart struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// URLPart references result content by URL.
type URLPart struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}

// FilePart references provider-hosted result content by file id.
type FilePart struct {
	FileID    string `json:"file_id"`
	MediaType string `json:"media_type,omitempty"`
}

func (TextPart) partKind() string { return "text" }
func (BlobPart) partKind() string { return "base64" }
func (URLPart) partKind() string  { return "url" }
func (FilePart) partKind() string { return "file" }

// TextResult wraps a string as a single-part result list.
func TextResult(s string) []ResultPart {
	return []ResultPart{TextPart{Content: s}}
}

type contentEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeContent serialises a content-item list for storage.
func EncodeContent(items []ContentItem) ([]byte, error) {
	envelopes := make([]contentEnvelope, 0, len(items))
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode content item %s: %w", item.itemKind(), err)
		}
		envelopes = append(envelopes, contentEnvelope{Kind: item.itemKind(), Body: body})
	}
	return json.Marshal(envelopes)
}

// DecodeContent is the inverse of EncodeContent. Items with an unrecognised
// kind collapse to UnknownJSON rather than failing the load.
func DecodeContent(data []byte) ([]ContentItem, error) {
	var envelopes []contentEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	items := make([]ContentItem, 0, len(envelopes))
	for _, env := range envelopes {
		item, err := decodeItem(env)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeItem(env contentEnvelope) (ContentItem, error) {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(env.Body, v); err != nil {
			return fmt.Errorf("decode %s item: %w", env.Kind, err)
		}
		return nil
	}
	switch env.Kind {
	case "user_text":
		var v UserText
		return v, unmarshal(&v)
	case "assistant_text":
		var v AssistantText
		return v, unmarshal(&v)
	case "tool_call":
		var v ToolCall
		return v, unmarshal(&v)
	case "tool_result":
		var raw struct {
			ToolUseID string            `json:"tool_use_id"`
			ToolName  string            `json:"tool_name,omitempty"`
			Result    []json.RawMessage `json:"result"`
			IsError   bool              `json:"is_error,omitempty"`
			State     BlockState        `json:"block_state,omitempty"`
		}
		if err := unmarshal(&raw); err != nil {
			return nil, err
		}
		tr := ToolResult{ToolUseID: raw.ToolUseID, ToolName: raw.ToolName, IsError: raw.IsError, State: raw.State}
		for _, pb := range raw.Result {
			part, err := decodePart(pb)
			if err != nil {
				return nil, err
			}
			tr.Result = append(tr.Result, part)
		}
		return tr, nil
	case "thinking":
		var v Thinking
		return v, unmarshal(&v)
	case "image":
		var v ImageRef
		return v, unmarshal(&v)
	case "system":
		var v SystemNote
		return v, unmarshal(&v)
	case "unknown":
		var v UnknownJSON
		return v, unmarshal(&v)
	default:
		return UnknownJSON{Raw: append(json.RawMessage(nil), env.Body...)}, nil
	}
}

type partEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func (tr ToolResult) MarshalJSON() ([]byte, error) {
	parts := make([]partEnvelope, 0, len(tr.Result))
	for _, p := range tr.Result {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, partEnvelope{Kind: p.partKind(), Body: body})
	}
	type alias struct {
		ToolUseID string         `json:"tool_use_id"`
		ToolName  string         `json:"tool_name,omitempty"`
		Result    []partEnvelope `json:"result"`
		IsError   bool           `json:"is_error,omitempty"`
		State     BlockState     `json:"block_state,omitempty"`
	}
	return json.Marshal(alias{
		ToolUseID: tr.ToolUseID,
		ToolName:  tr.ToolName,
		Result:    parts,
		IsError:   tr.IsError,
		State:     tr.State,
	})
}

func decodePart(data json.RawMessage) (ResultPart, error) {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode result part: %w", err)
	}
	unmarshal := func(v any) error {
		if err := json.Unmarshal(env.Body, v); err != nil {
			return fmt.Errorf("decode %s part: %w", env.Kind, err)
		}
		return nil
	}
	switch env.Kind {
	case "text":
		var v TextPart
		return v, unmarshal(&v)
	case "base64":
		var v BlobPart
		return v, unmarshal(&v)
	case "url":
		var v URLPart
		return v, unmarshal(&v)
	case "file":
		var v FilePart
		return v, unmarshal(&v)
	default:
		return TextPart{Content: string(env.Body)}, nil
	}
}
