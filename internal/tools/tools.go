// Package tools holds the tool registry and the parallel batch executor
// invoked from the conversation engine's LLM loop.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/providers"
)

// Context carries per-conversation execution context into tools.
type Context struct {
	ProjectPath    string
	ConversationID uuid.UUID
}

// Result is the unified return type from tool execution.
type Result struct {
	Parts   []chat.ResultPart
	IsError bool
	// ReturnDirect signals that the LLM loop must terminate after this
	// batch's results are dispatched, without another provider call.
	ReturnDirect bool
}

// TextResult wraps plain text output.
func TextResult(s string) *Result {
	return &Result{Parts: chat.TextResult(s)}
}

// ErrorResult wraps an error message.
func ErrorResult(msg string) *Result {
	return &Result{Parts: chat.TextResult(msg), IsError: true}
}

// Tool is one callable function exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, input json.RawMessage, tc Context) *Result
}

// Registry is the ordered set of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns provider tool definitions sorted by tool name,
// filtered by the allow-list. An empty allow-list means all tools.
func (r *Registry) Definitions(allowed []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allow := map[string]bool{}
	for _, name := range allowed {
		allow[name] = true
	}

	var defs []providers.ToolDefinition
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	for _, name := range names {
		if len(allow) > 0 && !allow[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
