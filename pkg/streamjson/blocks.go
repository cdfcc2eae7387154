package streamjson

import (
	"encoding/json"
	"fmt"
)

// Content block type discriminators.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
	BlockImage      = "image"
)

// ContentBlock mirrors the sealed block union of the wire format. A single
// struct with a type tag keeps decoding total: blocks with an unrecognised
// type keep their raw bytes and re-serialise verbatim.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   *ContentUnion `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	raw json.RawMessage
}

// ImageSource is the image block payload.
type ImageSource struct {
	Type      string `json:"type"` // "base64", "url", "file"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// Known reports whether the block type is part of the sealed union.
func (b *ContentBlock) Known() bool {
	switch b.Type {
	case BlockText, BlockToolUse, BlockToolResult, BlockThinking, BlockImage:
		return true
	}
	return false
}

// Raw returns the original bytes for blocks of unknown type, nil otherwise.
func (b *ContentBlock) Raw() json.RawMessage { return b.raw }

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	if !b.Known() {
		b.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if !b.Known() && len(b.raw) > 0 {
		return b.raw, nil
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// ContentUnion is a message content field that the wire accepts in two
// shapes: a bare string, or an array of content blocks. The decoded form
// remembers which shape it saw so encoding is bit-stable.
type ContentUnion struct {
	Text     string
	Blocks   []ContentBlock
	isString bool
}

// StringContent wraps text in the bare-string wire shape.
func StringContent(text string) ContentUnion {
	return ContentUnion{Text: text, isString: true}
}

// BlocksContent wraps blocks in the array wire shape.
func BlocksContent(blocks ...ContentBlock) ContentUnion {
	return ContentUnion{Blocks: blocks}
}

// IsString reports whether the wire shape was a bare string.
func (c ContentUnion) IsString() bool { return c.isString }

func (c *ContentUnion) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.isString = true
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.isString = false
	c.Text = ""
	return json.Unmarshal(data, &c.Blocks)
}

func (c ContentUnion) MarshalJSON() ([]byte, error) {
	if c.isString {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block with string content.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	c := StringContent(content)
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: &c, IsError: isError}
}

// FlattenText joins the text of a content union into one string, covering
// both wire shapes. Non-text blocks contribute nothing.
func (c ContentUnion) FlattenText() string {
	if c.isString {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

func (c ContentUnion) String() string {
	if c.isString {
		return c.Text
	}
	return fmt.Sprintf("[%d blocks]", len(c.Blocks))
}
