package session

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/pkg/streamjson"
)

// parseStructured attempts to read assistant text as the voice-structured
// {full_text, tts_text, voice_tone} JSON shape the child emits when a
// structured response format was requested. Plain text falls through.
func parseStructured(text string) chat.StructuredText {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var st chat.StructuredText
		if err := json.Unmarshal([]byte(trimmed), &st); err == nil && st.FullText != "" {
			return st
		}
	}
	return chat.StructuredText{FullText: text}
}

// messageFromRecord converts one decoded stream record into an internal
// message. Records with no message payload (result, control traffic) return
// nil. The raw wire line is attached for debugging.
func messageFromRecord(conversationID uuid.UUID, rec streamjson.Record, raw string, structured bool) *chat.Message {
	var msg *chat.Message
	switch r := rec.(type) {
	case *streamjson.SystemRecord:
		text := "system: " + r.Subtype
		if r.Model != "" {
			text += " model=" + r.Model
		}
		msg = chat.NewMessage(conversationID, chat.RoleSystem,
			chat.SystemNote{Level: chat.NoteInfo, Text: text})
	case *streamjson.UserRecord:
		msg = chat.NewMessage(conversationID, chat.RoleUser,
			itemsFromUnion(chat.RoleUser, r.Message.Content, structured)...)
	case *streamjson.AssistantRecord:
		msg = chat.NewMessage(conversationID, chat.RoleAssistant,
			itemsFromUnion(chat.RoleAssistant, r.Message.Content, structured)...)
		if r.Message.StopReason != "" || r.Message.Model != "" || r.Message.Usage != nil {
			msg.Meta = &chat.ProviderMeta{
				Model:      r.Message.Model,
				StopReason: r.Message.StopReason,
			}
			if r.Message.Usage != nil {
				msg.Meta.Usage = &chat.Usage{
					InputTokens:  r.Message.Usage.InputTokens,
					OutputTokens: r.Message.Usage.OutputTokens,
				}
			}
		}
	case *streamjson.UnknownRecord:
		msg = chat.NewMessage(conversationID, chat.RoleSystem,
			chat.UnknownJSON{Raw: r.Raw})
	default:
		return nil
	}
	msg.RawWire = raw
	return msg
}

// itemsFromUnion maps wire content (string or block array) to content items.
func itemsFromUnion(role chat.Role, c streamjson.ContentUnion, structured bool) []chat.ContentItem {
	if c.IsString() {
		return []chat.ContentItem{chat.UserText{Text: c.Text}}
	}
	items := make([]chat.ContentItem, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		items = append(items, itemFromBlock(role, b, structured))
	}
	return items
}

func itemFromBlock(role chat.Role, b streamjson.ContentBlock, structured bool) chat.ContentItem {
	switch b.Type {
	case streamjson.BlockText:
		if role == chat.RoleUser {
			return chat.UserText{Text: b.Text}
		}
		st := chat.StructuredText{FullText: b.Text}
		if structured {
			st = parseStructured(b.Text)
		}
		return chat.AssistantText{Structured: st, State: chat.BlockComplete}
	case streamjson.BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return chat.ToolCall{ID: b.ID, Name: b.Name, Input: input, State: chat.BlockComplete}
	case streamjson.BlockToolResult:
		tr := chat.ToolResult{ToolUseID: b.ToolUseID, IsError: b.IsError, State: chat.BlockComplete}
		if b.Content != nil {
			if b.Content.IsString() {
				tr.Result = chat.TextResult(b.Content.Text)
			} else {
				for _, inner := range b.Content.Blocks {
					switch inner.Type {
					case streamjson.BlockText:
						tr.Result = append(tr.Result, chat.TextPart{Content: inner.Text})
					case streamjson.BlockImage:
						if inner.Source != nil {
							tr.Result = append(tr.Result, chat.BlobPart{
								MediaType: inner.Source.MediaType,
								Data:      inner.Source.Data,
							})
						}
					}
				}
			}
		}
		return tr
	case streamjson.BlockThinking:
		return chat.Thinking{Signature: b.Signature, Text: b.Thinking}
	case streamjson.BlockImage:
		if b.Source != nil {
			ref := chat.ImageRef{MediaType: b.Source.MediaType}
			switch b.Source.Type {
			case "base64":
				ref.Kind = chat.ImageBase64
				ref.Data = b.Source.Data
			case "url":
				ref.Kind = chat.ImageURL
				ref.URL = b.Source.URL
			default:
				ref.Kind = chat.ImageFileID
				ref.FileID = b.Source.FileID
			}
			return ref
		}
		return chat.UnknownJSON{Raw: json.RawMessage(`{"type":"image"}`)}
	default:
		raw := b.Raw()
		if raw == nil {
			raw, _ = json.Marshal(b)
		}
		return chat.UnknownJSON{Raw: raw}
	}
}
