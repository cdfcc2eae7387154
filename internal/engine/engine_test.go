package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/providers"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/store/memory"
	"github.com/nextlevelbuilder/goconvo/internal/tools"
)

// fakeProvider returns scripted responses in order, then plain text.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     int
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-1" }

func (f *fakeProvider) Chat(ctx context.Context, p providers.Prompt) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) > 0 {
		resp := f.responses[0]
		f.responses = f.responses[1:]
		return resp, nil
	}
	return &providers.ChatResponse{
		Items: []chat.ContentItem{chat.AssistantText{
			Structured: chat.StructuredText{FullText: "done"},
			State:      chat.BlockComplete,
		}},
		StopReason: "end_turn",
		Usage:      &chat.Usage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Items: []chat.ContentItem{chat.AssistantText{
			Structured: chat.StructuredText{FullText: text},
			State:      chat.BlockComplete,
		}},
		StopReason: "end_turn",
		Usage:      &chat.Usage{InputTokens: 2, OutputTokens: 2},
	}
}

func toolResponse(names ...string) *providers.ChatResponse {
	resp := &providers.ChatResponse{StopReason: "tool_use", Usage: &chat.Usage{InputTokens: 2, OutputTokens: 2}}
	for i, name := range names {
		resp.Items = append(resp.Items, chat.ToolCall{
			ID:    fmt.Sprintf("toolu_%d", i+1),
			Name:  name,
			Input: json.RawMessage(`{}`),
			State: chat.BlockComplete,
		})
	}
	return resp
}

// markerTool is a trivial registered tool; direct makes it return-direct.
type markerTool struct {
	name   string
	direct bool
}

func (m *markerTool) Name() string               { return m.name }
func (m *markerTool) Description() string        { return "marker" }
func (m *markerTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (m *markerTool) Execute(context.Context, json.RawMessage, tools.Context) *tools.Result {
	res := tools.TextResult(m.name + " ran")
	res.ReturnDirect = m.direct
	return res
}

type fixture struct {
	store    store.ConversationStore
	provider *fakeProvider
	registry *tools.Registry
	conv     *chat.Conversation
	thread   *chat.Thread
	engine   *Engine
	events   <-chan Event
}

func newFixture(t *testing.T, seed []*chat.Message) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	now := time.Now().UTC()

	project := &chat.Project{ID: chat.NewID(), Path: t.TempDir(), Name: "proj", CreatedAt: now}
	def := &chat.AgentDefinition{
		ID:            chat.NewID(),
		Name:          "assistant",
		SystemPrompts: []string{"you are helpful"},
		Provider:      chat.ProviderAnthropic,
	}
	conv := &chat.Conversation{
		ID:                chat.NewID(),
		ProjectID:         project.ID,
		AgentDefinitionID: def.ID,
		Initiator:         chat.Initiator{Kind: chat.InitiatorUser},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	thread := &chat.Thread{ID: chat.NewID(), ConversationID: conv.ID, CreatedAt: now, UpdatedAt: now}
	conv.CurrentThreadID = thread.ID

	for _, save := range []error{
		st.SaveProject(ctx, project),
		st.SaveAgentDefinition(ctx, def),
		st.SaveThread(ctx, thread),
		st.SaveConversation(ctx, conv),
	} {
		if save != nil {
			t.Fatalf("seed: %v", save)
		}
	}
	for i, m := range seed {
		m.ConversationID = conv.ID
		if err := st.SaveMessage(ctx, m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
		if err := st.AddThreadMessage(ctx, thread.ID, m.ID, i); err != nil {
			t.Fatalf("seed index: %v", err)
		}
	}

	provider := &fakeProvider{}
	registry := tools.NewRegistry()
	eng := New(conv.ID, Config{
		Store:    st,
		Resolver: func(chat.ProviderTag) (providers.Provider, error) { return provider, nil },
		Tools:    registry,
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	t.Cleanup(eng.Close)
	events := eng.Events(runCtx)
	eng.Start(runCtx)

	return &fixture{store: st, provider: provider, registry: registry, conv: conv, thread: thread, engine: eng, events: events}
}

func (f *fixture) waitFor(t *testing.T, kind EventKind) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-f.events:
			if !ok {
				t.Fatalf("stream closed waiting for %s; got %v", kind, eventKinds(events))
			}
			events = append(events, ev)
			if ev.Kind == kind {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; got %v", kind, eventKinds(events))
		}
	}
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func (f *fixture) currentThreadMessages(t *testing.T) []*chat.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := f.store.FindConversation(ctx, f.conv.ID)
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	msgs, err := f.store.MessagesInThread(ctx, conv.ID, conv.CurrentThreadID)
	if err != nil {
		t.Fatalf("messages in thread: %v", err)
	}
	return msgs
}

func TestOrphanRepairOnInitialize(t *testing.T) {
	assistant := chat.NewMessage(uuid.Nil, chat.RoleAssistant,
		chat.AssistantText{Structured: chat.StructuredText{FullText: "working"}},
		chat.ToolCall{ID: "A", Name: "f1", Input: json.RawMessage(`{}`)},
		chat.ToolCall{ID: "B", Name: "f2", Input: json.RawMessage(`{}`)},
	)
	f := newFixture(t, []*chat.Message{
		chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "go"}),
		assistant,
	})
	f.initialize(t)

	msgs := f.currentThreadMessages(t)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (user, assistant, 2 repairs)", len(msgs))
	}
	for i, wantID := range []string{"A", "B"} {
		repair := msgs[2+i]
		if repair.Role != chat.RoleUser {
			t.Fatalf("repair %d role = %s", i, repair.Role)
		}
		tr, ok := repair.Content[0].(chat.ToolResult)
		if !ok {
			t.Fatalf("repair %d content = %T", i, repair.Content[0])
		}
		if tr.ToolUseID != wantID || !tr.IsError {
			t.Fatalf("repair %d = %+v", i, tr)
		}
		if tr.Text() != "Tool execution was interrupted or cancelled" {
			t.Fatalf("repair text = %q", tr.Text())
		}
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t, []*chat.Message{
		chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "hello"}),
	})
	f.initialize(t)
	f.initialize(t)

	if msgs := f.currentThreadMessages(t); len(msgs) != 1 {
		t.Fatalf("history duplicated on re-initialize: %d messages", len(msgs))
	}
}

func TestSendUserMessageRunsLoopToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	f.initialize(t)
	f.provider.responses = []*providers.ChatResponse{textResponse("hi there")}

	f.engine.SendUserMessage(chat.UserText{Text: "hello"})
	events := f.waitFor(t, EventCompleted)

	msgs := f.currentThreadMessages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user+assistant", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("roles: %s %s", msgs[0].Role, msgs[1].Role)
	}

	// Every message event carries its message.
	for _, ev := range events {
		if ev.Kind == EventMessageEmitted && ev.Message == nil {
			t.Fatal("message event without message")
		}
	}
}

func TestParallelToolsWithReturnDirect(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&markerTool{name: "f1"})
	f.registry.Register(&markerTool{name: "f2", direct: true})
	f.registry.Register(&markerTool{name: "f3"})
	f.initialize(t)

	f.provider.responses = []*providers.ChatResponse{toolResponse("f1", "f2", "f3")}
	f.engine.SendUserMessage(chat.UserText{Text: "run them"})
	f.waitFor(t, EventCompleted)

	msgs := f.currentThreadMessages(t)
	// user, assistant(tool calls), single tool-result message
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	last := msgs[2]
	if len(last.Content) != 3 {
		t.Fatalf("tool results = %d, want 3 in one message", len(last.Content))
	}
	for i, want := range []string{"toolu_1", "toolu_2", "toolu_3"} {
		tr := last.Content[i].(chat.ToolResult)
		if tr.ToolUseID != want {
			t.Fatalf("result %d = %s, want %s", i, tr.ToolUseID, want)
		}
	}

	// Return-direct: no further provider call after the batch.
	if f.provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", f.provider.calls)
	}
}

func TestMaxIterationsWarns(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&markerTool{name: "spin"})
	f.initialize(t)

	// Every response asks for another tool call; the loop must bail out.
	f.engine.Close()
	eng := New(f.conv.ID, Config{
		Store: f.store,
		Resolver: func(chat.ProviderTag) (providers.Provider, error) {
			return spinProvider{}, nil
		},
		Tools:         f.registry,
		MaxIterations: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(eng.Close)
	events := eng.Events(ctx)
	eng.Start(ctx)
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	eng.SendUserMessage(chat.UserText{Text: "loop forever"})

	var sawWarning bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventWarning {
				sawWarning = true
			}
			if ev.Kind == EventCompleted {
				if !sawWarning {
					t.Fatal("exhausted loop completed without warning")
				}
				return
			}
		case <-deadline:
			t.Fatal("loop did not terminate")
		}
	}
}

// spinProvider always requests one more tool call.
type spinProvider struct{}

func (spinProvider) Name() string         { return "spin" }
func (spinProvider) DefaultModel() string { return "spin-1" }
func (spinProvider) Chat(ctx context.Context, p providers.Prompt) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &providers.ChatResponse{
		Items: []chat.ContentItem{chat.ToolCall{
			ID:    "toolu_" + chat.NewID().String()[:8],
			Name:  "spin",
			Input: json.RawMessage(`{}`),
			State: chat.BlockComplete,
		}},
		StopReason: "tool_use",
	}, nil
}

func TestEditForking(t *testing.T) {
	u1 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U1"})
	a1 := chat.NewMessage(uuid.Nil, chat.RoleAssistant, chat.AssistantText{Structured: chat.StructuredText{FullText: "A1"}})
	u2 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U2"})
	a2 := chat.NewMessage(uuid.Nil, chat.RoleAssistant, chat.AssistantText{Structured: chat.StructuredText{FullText: "A2"}})
	f := newFixture(t, []*chat.Message{u1, a1, u2, a2})
	f.initialize(t)

	f.engine.EditMessage(u2.ID, chat.UserText{Text: "U2 edited"})
	events := f.waitFor(t, EventThreadForked)

	var forked Event
	for _, ev := range events {
		if ev.Kind == EventThreadForked {
			forked = ev
		}
	}
	if forked.OriginThreadID != f.thread.ID {
		t.Fatalf("origin = %s, want %s", forked.OriginThreadID, f.thread.ID)
	}

	ctx := context.Background()
	newThread, err := f.store.FindThread(ctx, forked.NewThreadID)
	if err != nil {
		t.Fatalf("find forked thread: %v", err)
	}
	if newThread.OriginThreadID == nil || *newThread.OriginThreadID != f.thread.ID {
		t.Fatalf("forked origin = %v", newThread.OriginThreadID)
	}
	if newThread.ForkedAtTurn != 2 {
		t.Fatalf("forked_at_turn = %d, want 2", newThread.ForkedAtTurn)
	}

	// New thread: [U1, A1, U2'(new id)].
	msgs := f.currentThreadMessages(t)
	if len(msgs) != 3 {
		t.Fatalf("forked thread has %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != u1.ID || msgs[1].ID != a1.ID {
		t.Fatal("prefix not shared with origin thread")
	}
	if msgs[2].ID == u2.ID {
		t.Fatal("edited message must have a new id")
	}
	if msgs[2].Text() != "U2 edited" {
		t.Fatalf("edited text = %q", msgs[2].Text())
	}

	// Origin thread unchanged.
	origin, err := f.store.MessagesInThread(ctx, f.conv.ID, f.thread.ID)
	if err != nil {
		t.Fatalf("origin messages: %v", err)
	}
	if len(origin) != 4 || origin[2].ID != u2.ID || origin[3].ID != a2.ID {
		t.Fatalf("origin thread modified: %d messages", len(origin))
	}

	// current_thread repointed.
	conv, _ := f.store.FindConversation(ctx, f.conv.ID)
	if conv.CurrentThreadID != forked.NewThreadID {
		t.Fatalf("current thread = %s, want %s", conv.CurrentThreadID, forked.NewThreadID)
	}
}

func TestEditForkingRepairsTrailingOrphans(t *testing.T) {
	u1 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U1"})
	a1 := chat.NewMessage(uuid.Nil, chat.RoleAssistant,
		chat.ToolCall{ID: "X", Name: "f", Input: json.RawMessage(`{}`)})
	r1 := chat.NewMessage(uuid.Nil, chat.RoleUser,
		chat.ToolResult{ToolUseID: "X", Result: chat.TextResult("ok")})
	u2 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U2"})
	f := newFixture(t, []*chat.Message{u1, a1, r1, u2})
	f.initialize(t)

	// Editing r1 (position 2) leaves a1's call X orphaned in the prefix.
	f.engine.EditMessage(r1.ID, chat.UserText{Text: "replacement"})
	f.waitFor(t, EventThreadForked)

	msgs := f.currentThreadMessages(t)
	// [U1, A1, synthetic repair for X, replacement]
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	tr, ok := msgs[2].Content[0].(chat.ToolResult)
	if !ok || tr.ToolUseID != "X" || !tr.IsError {
		t.Fatalf("repair missing before edited message: %+v", msgs[2].Content[0])
	}
	if msgs[3].Text() != "replacement" {
		t.Fatalf("edited message last = %q", msgs[3].Text())
	}
}

func TestDeleteForking(t *testing.T) {
	u1 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U1"})
	a1 := chat.NewMessage(uuid.Nil, chat.RoleAssistant, chat.AssistantText{Structured: chat.StructuredText{FullText: "A1"}})
	u2 := chat.NewMessage(uuid.Nil, chat.RoleUser, chat.UserText{Text: "U2"})
	a2 := chat.NewMessage(uuid.Nil, chat.RoleAssistant, chat.AssistantText{Structured: chat.StructuredText{FullText: "A2"}})
	f := newFixture(t, []*chat.Message{u1, a1, u2, a2})
	f.initialize(t)

	f.engine.DeleteMessages(a1.ID, u2.ID)
	f.waitFor(t, EventThreadForked)

	msgs := f.currentThreadMessages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID != u1.ID || msgs[1].ID != a2.ID {
		t.Fatalf("wrong survivors: %s %s", msgs[0].Text(), msgs[1].Text())
	}

	// Positions renumbered gap-free from 0.
	ctx := context.Background()
	conv, _ := f.store.FindConversation(ctx, f.conv.ID)
	again, err := f.store.MessagesInThread(ctx, conv.ID, conv.CurrentThreadID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("reload = %d messages", len(again))
	}
}

func TestInterruptReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.initialize(t)

	block := make(chan struct{})
	f.engine.Close()
	eng := New(f.conv.ID, Config{
		Store: f.store,
		Resolver: func(chat.ProviderTag) (providers.Provider, error) {
			return blockingProvider{block: block}, nil
		},
		Tools: f.registry,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(eng.Close)
	t.Cleanup(func() { close(block) })
	events := eng.Events(ctx)
	eng.Start(ctx)
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	eng.SendUserMessage(chat.UserText{Text: "never finishes"})
	time.Sleep(50 * time.Millisecond)
	eng.Interrupt()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventInterrupted {
				return
			}
		case <-deadline:
			t.Fatal("interrupt never surfaced")
		}
	}
}

// blockingProvider blocks until cancelled or released.
type blockingProvider struct{ block chan struct{} }

func (blockingProvider) Name() string         { return "blocking" }
func (blockingProvider) DefaultModel() string { return "b" }
func (b blockingProvider) Chat(ctx context.Context, _ providers.Prompt) (*providers.ChatResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.block:
		return nil, context.Canceled
	}
}
