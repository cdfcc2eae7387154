package streamjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func mustEncode(t *testing.T, rec Record) []byte {
	t.Helper()
	b, err := Encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cost := 0.0123
	records := []Record{
		&SystemRecord{
			Subtype:   SubtypeInit,
			SessionID: "sess-1",
			CWD:       "/tmp/project",
			Tools:     []string{"read_file", "shell"},
			Model:     "claude-sonnet-4-5",
		},
		NewUserText("hello", "sess-1"),
		&AssistantRecord{
			Message: MessageBody{
				Role: "assistant",
				Content: BlocksContent(
					TextBlock("hi"),
					ToolUseBlock("toolu_1", "read_file", json.RawMessage(`{"path":"a.txt"}`)),
				),
				StopReason: "tool_use",
				Usage:      &Usage{InputTokens: 10, OutputTokens: 4},
			},
			SessionID: "sess-1",
		},
		&ResultRecord{
			Subtype:       "success",
			DurationMS:    1234,
			DurationAPIMS: 800,
			NumTurns:      3,
			SessionID:     "sess-1",
			Usage:         &Usage{InputTokens: 22, OutputTokens: 9},
			TotalCostUSD:  &cost,
		},
		&UserRecord{
			Message: MessageBody{
				Role:    "user",
				Content: BlocksContent(ToolResultBlock("toolu_1", "file contents", false)),
			},
			SessionID: "sess-1",
		},
		NewInterrupt("req_1"),
		&ControlResponseRecord{
			Response: ControlResponseBody{RequestID: "req_1", Subtype: ControlSuccess},
		},
	}

	for _, rec := range records {
		encoded := mustEncode(t, rec)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", rec.RecordType(), err)
		}
		reencoded := mustEncode(t, decoded)
		if !bytes.Equal(encoded, reencoded) {
			t.Errorf("%s round trip mismatch:\n first=%s\nsecond=%s", rec.RecordType(), encoded, reencoded)
		}
	}
}

func TestEncodeIsByteStable(t *testing.T) {
	rec := &AssistantRecord{
		Message: MessageBody{
			Role:    "assistant",
			Content: BlocksContent(TextBlock("stable")),
		},
		SessionID: "s",
	}
	a := mustEncode(t, rec)
	b := mustEncode(t, rec)
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding not stable: %s vs %s", a, b)
	}
}

func TestContentUnionBothShapes(t *testing.T) {
	asString := []byte(`{"type":"user","message":{"role":"user","content":"plain"},"session_id":"s"}`)
	rec, err := Decode(asString)
	if err != nil {
		t.Fatalf("decode string shape: %v", err)
	}
	ur := rec.(*UserRecord)
	if !ur.Message.Content.IsString() || ur.Message.Content.Text != "plain" {
		t.Fatalf("string shape not preserved: %+v", ur.Message.Content)
	}

	asArray := []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]},"session_id":"s"}`)
	rec, err = Decode(asArray)
	if err != nil {
		t.Fatalf("decode array shape: %v", err)
	}
	ur = rec.(*UserRecord)
	if ur.Message.Content.IsString() || len(ur.Message.Content.Blocks) != 1 {
		t.Fatalf("array shape not preserved: %+v", ur.Message.Content)
	}
	block := ur.Message.Content.Blocks[0]
	if block.Type != BlockToolResult || block.ToolUseID != "t1" {
		t.Fatalf("unexpected block: %+v", block)
	}
	if block.Content == nil || !block.Content.IsString() || block.Content.Text != "ok" {
		t.Fatalf("nested string content lost: %+v", block.Content)
	}
}

func TestNestedToolResultBlockArray(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"part"}]}]},"session_id":"s"}`)
	rec, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	block := rec.(*UserRecord).Message.Content.Blocks[0]
	if block.Content.IsString() || len(block.Content.Blocks) != 1 || block.Content.Blocks[0].Text != "part" {
		t.Fatalf("nested block array lost: %+v", block.Content)
	}
}

func TestUnknownTopLevelTypePreserved(t *testing.T) {
	raw := []byte(`{"type":"telemetry","payload":{"x":1}}`)
	rec, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	unk, ok := rec.(*UnknownRecord)
	if !ok {
		t.Fatalf("expected UnknownRecord, got %T", rec)
	}
	if unk.Tag != "telemetry" {
		t.Fatalf("tag = %q", unk.Tag)
	}
	out := mustEncode(t, unk)
	if !bytes.Equal(out, raw) {
		t.Fatalf("unknown record not preserved verbatim: %s", out)
	}
}

func TestUnknownBlockTypePreserved(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"hologram","frames":3}]},"session_id":"s"}`)
	rec, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	block := rec.(*AssistantRecord).Message.Content.Blocks[0]
	if block.Known() {
		t.Fatalf("hologram should be unknown")
	}
	b, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(`"frames":3`)) {
		t.Fatalf("unknown block payload lost: %s", b)
	}
}

func TestMalformedLineIsDecodeError(t *testing.T) {
	_, err := Decode([]byte("not-json"))
	if err == nil {
		t.Fatal("expected error")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %T", err)
	}
}
