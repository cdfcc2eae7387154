package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// fakeTool is a scriptable tool for executor tests.
type fakeTool struct {
	name    string
	delay   time.Duration
	direct  bool
	fail    bool
	panics  bool
	started atomic.Int32
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake" }
func (f *fakeTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage, _ Context) *Result {
	f.started.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ErrorResult(fmt.Sprintf("tool %s cancelled: %v", f.name, ctx.Err()))
		}
	}
	if f.panics {
		panic("boom")
	}
	if f.fail {
		return ErrorResult(f.name + " failed")
	}
	res := TextResult(f.name + " ok")
	res.ReturnDirect = f.direct
	return res
}

func batch(names ...string) []chat.ToolCall {
	calls := make([]chat.ToolCall, 0, len(names))
	for i, name := range names {
		calls = append(calls, chat.ToolCall{
			ID:    fmt.Sprintf("call_%d", i+1),
			Name:  name,
			Input: json.RawMessage(`{}`),
		})
	}
	return calls
}

func TestExecuteBatchPreservesInputOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "slow", delay: 50 * time.Millisecond})
	reg.Register(&fakeTool{name: "fast"})
	reg.Register(&fakeTool{name: "medium", delay: 10 * time.Millisecond})

	out := NewExecutor(reg).ExecuteBatch(context.Background(), batch("slow", "fast", "medium"), Context{})
	if len(out.Results) != 3 {
		t.Fatalf("results = %d", len(out.Results))
	}
	for i, want := range []string{"call_1", "call_2", "call_3"} {
		if out.Results[i].ToolUseID != want {
			t.Fatalf("result[%d].ToolUseID = %s, want %s", i, out.Results[i].ToolUseID, want)
		}
	}
	if out.Results[0].ToolName != "slow" || out.Results[1].ToolName != "fast" {
		t.Fatalf("tool names wrong: %+v", out.Results)
	}
}

func TestExecuteBatchReturnDirect(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "f1"})
	reg.Register(&fakeTool{name: "f2", direct: true})
	reg.Register(&fakeTool{name: "f3"})

	out := NewExecutor(reg).ExecuteBatch(context.Background(), batch("f1", "f2", "f3"), Context{})
	if !out.ReturnDirect {
		t.Fatal("ReturnDirect not propagated")
	}
	if len(out.Results) != 3 {
		t.Fatalf("all tools must still produce results, got %d", len(out.Results))
	}
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "good"})
	reg.Register(&fakeTool{name: "bad", fail: true})
	reg.Register(&fakeTool{name: "ugly", panics: true})

	out := NewExecutor(reg).ExecuteBatch(context.Background(), batch("good", "bad", "ugly"), Context{})
	if out.Results[0].IsError {
		t.Fatalf("good tool errored: %+v", out.Results[0])
	}
	if !out.Results[1].IsError || !out.Results[2].IsError {
		t.Fatalf("failures not captured: %+v", out.Results[1:])
	}
	if out.Results[2].Text() == "" {
		t.Fatal("panic message lost")
	}
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	out := NewExecutor(NewRegistry()).ExecuteBatch(context.Background(), batch("nope"), Context{})
	if len(out.Results) != 1 || !out.Results[0].IsError {
		t.Fatalf("unknown tool must produce an error result: %+v", out.Results)
	}
}

func TestExecuteBatchCancellationPreservesCompleted(t *testing.T) {
	reg := NewRegistry()
	fast := &fakeTool{name: "fast"}
	slow := &fakeTool{name: "slow", delay: 5 * time.Second}
	reg.Register(fast)
	reg.Register(slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := NewExecutor(reg).ExecuteBatch(ctx, batch("fast", "slow"), Context{})
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not interrupt the slow tool")
	}
	if out.Results[0].IsError {
		t.Fatalf("completed result not preserved: %+v", out.Results[0])
	}
	if !out.Results[1].IsError {
		t.Fatalf("cancelled tool must report an error result: %+v", out.Results[1])
	}
}
