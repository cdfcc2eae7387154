package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// BatchResult is the outcome of executing one batch of tool calls.
// Results are in input-call order; ReturnDirect is set when any tool in the
// batch asked the loop to terminate.
type BatchResult struct {
	Results      []chat.ToolResult
	ReturnDirect bool
}

// Executor dispatches tool-call batches against a registry.
type Executor struct {
	registry *Registry
}

func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// ExecuteBatch runs every call concurrently and collects results in input
// order. A tool failure (including a panic) becomes a ToolResult with
// is_error set; the other tools still run. If ctx is cancelled, in-flight
// calls observe the cancellation and their results record the error, while
// results already produced are preserved.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []chat.ToolCall, tc Context) *BatchResult {
	if len(calls) == 0 {
		return &BatchResult{}
	}

	type indexed struct {
		idx    int
		result chat.ToolResult
		direct bool
	}

	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call chat.ToolCall) {
			defer wg.Done()
			res := e.executeOne(ctx, call, tc)
			resultCh <- indexed{
				idx:    idx,
				direct: res.ReturnDirect,
				result: chat.ToolResult{
					ToolUseID: call.ID,
					ToolName:  call.Name,
					Result:    res.Parts,
					IsError:   res.IsError,
					State:     chat.BlockComplete,
				},
			}
		}(i, call)
	}

	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	out := &BatchResult{Results: make([]chat.ToolResult, 0, len(collected))}
	for _, r := range collected {
		out.Results = append(out.Results, r.result)
		if r.direct {
			out.ReturnDirect = true
		}
	}
	return out
}

func (e *Executor) executeOne(ctx context.Context, call chat.ToolCall, tc Context) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "panic", r)
			res = ErrorResult(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return ErrorResult(fmt.Sprintf("tool %s cancelled: %v", call.Name, err))
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	slog.Debug("tool call", "tool", call.Name, "id", call.ID, "input_len", len(call.Input))
	res = tool.Execute(ctx, call.Input, tc)
	if res == nil {
		return ErrorResult(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	if res.IsError {
		slog.Warn("tool error", "tool", call.Name, "id", call.ID)
	}
	return res
}
