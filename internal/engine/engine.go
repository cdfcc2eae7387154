// Package engine implements the conversation engine for in-process chat
// providers: a per-conversation actor that owns message state, drives the
// provider/tool loop, forks threads on edit and delete, and persists every
// step before emitting it. The sibling supervisor guarantees at most one
// engine per conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/bus"
	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/providers"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/tools"
	"github.com/nextlevelbuilder/goconvo/internal/tracing"
)

// DefaultMaxIterations bounds the provider/tool loop of one user turn.
const DefaultMaxIterations = 200

// orphanRepairText is the body of synthetic tool results closing the gap
// left by tool calls that never received an answer.
const orphanRepairText = "Tool execution was interrupted or cancelled"

// ProviderResolver maps an agent definition's provider tag to a client.
type ProviderResolver func(tag chat.ProviderTag) (providers.Provider, error)

// Config wires an engine's collaborators.
type Config struct {
	Store         store.ConversationStore
	Resolver      ProviderResolver
	Tools         *tools.Registry
	MaxIterations int
}

type command interface{ cmdName() string }

type cmdInitialize struct{ done chan error }
type cmdSendUserMessage struct{ content []chat.ContentItem }
type cmdSwitchDefinition struct{ definitionID uuid.UUID }
type cmdEditMessage struct {
	messageID  uuid.UUID
	newContent []chat.ContentItem
}
type cmdDeleteMessages struct{ ids []uuid.UUID }

func (cmdInitialize) cmdName() string      { return "initialize" }
func (cmdSendUserMessage) cmdName() string { return "send_user_message" }
func (cmdSwitchDefinition) cmdName() string {
	return "switch_definition"
}
func (cmdEditMessage) cmdName() string    { return "edit_message" }
func (cmdDeleteMessages) cmdName() string { return "delete_messages" }

// Engine is the per-conversation actor. All fields below cmds are owned by
// the actor goroutine; runCancel is the one out-of-band touch point, used
// by Interrupt to cancel the in-flight loop.
type Engine struct {
	conversationID uuid.UUID
	cfg            Config
	events         *bus.Stream[Event]
	cmds           chan command
	closeOnce      sync.Once
	closed         chan struct{}

	cancelMu  sync.Mutex
	runCancel context.CancelFunc

	// actor-local state
	initialized bool
	conv        *chat.Conversation
	def         *chat.AgentDefinition
	project     *chat.Project
	thread      *chat.Thread
	messages    []*chat.Message
	nextPos     int
	executor    *tools.Executor
}

// New creates an engine for one conversation. Start launches the actor.
func New(conversationID uuid.UUID, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Engine{
		conversationID: conversationID,
		cfg:            cfg,
		events:         bus.NewStream[Event](bus.DefaultCapacity),
		cmds:           make(chan command, 64),
		closed:         make(chan struct{}),
		executor:       tools.NewExecutor(cfg.Tools),
	}
}

// Start launches the actor goroutine.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Events subscribes to the engine's outbound stream.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	return e.events.Subscribe(ctx)
}

// Initialize loads conversation state and repairs orphaned tool calls in
// the loaded history. Required before any other command; calling it again
// cancels any in-flight loop and reloads without duplicating history.
func (e *Engine) Initialize(ctx context.Context) error {
	e.interruptRun()
	done := make(chan error, 1)
	select {
	case e.cmds <- cmdInitialize{done: done}:
	case <-e.closed:
		return errors.New("engine: closed")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUserMessage appends a user message and launches the LLM loop.
func (e *Engine) SendUserMessage(content ...chat.ContentItem) {
	e.enqueue(cmdSendUserMessage{content: content})
}

// SwitchDefinition changes the conversation's agent definition.
func (e *Engine) SwitchDefinition(definitionID uuid.UUID) {
	e.enqueue(cmdSwitchDefinition{definitionID: definitionID})
}

// EditMessage forks a new thread with the target message replaced.
func (e *Engine) EditMessage(messageID uuid.UUID, newContent ...chat.ContentItem) {
	e.enqueue(cmdEditMessage{messageID: messageID, newContent: newContent})
}

// DeleteMessages forks a new thread omitting the given messages.
func (e *Engine) DeleteMessages(ids ...uuid.UUID) {
	e.enqueue(cmdDeleteMessages{ids: ids})
}

// Interrupt cancels the in-flight loop; the engine returns to idle with
// partial results persisted.
func (e *Engine) Interrupt() {
	e.interruptRun()
}

// Close stops the actor. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.interruptRun()
		close(e.closed)
	})
}

// Done reports actor termination.
func (e *Engine) Done() <-chan struct{} { return e.closed }

func (e *Engine) enqueue(cmd command) {
	select {
	case e.cmds <- cmd:
	case <-e.closed:
		slog.Warn("command dropped, engine closed", "command", cmd.cmdName(), "conversation", e.conversationID)
	}
}

func (e *Engine) interruptRun() {
	e.cancelMu.Lock()
	cancel := e.runCancel
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.events.Close()
	for {
		select {
		case cmd := <-e.cmds:
			e.handle(ctx, cmd)
		case <-e.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdInitialize:
		c.done <- e.initialize(ctx)
	case cmdSendUserMessage:
		e.sendUserMessage(ctx, c.content)
	case cmdSwitchDefinition:
		e.switchDefinition(ctx, c.definitionID)
	case cmdEditMessage:
		e.editMessage(ctx, c.messageID, c.newContent)
	case cmdDeleteMessages:
		e.deleteMessages(ctx, c.ids)
	}
}

func (e *Engine) initialize(ctx context.Context) error {
	conv, err := e.cfg.Store.FindConversation(ctx, e.conversationID)
	if err != nil {
		return fmt.Errorf("engine: load conversation: %w", err)
	}
	def, err := e.cfg.Store.FindAgentDefinition(ctx, conv.AgentDefinitionID)
	if err != nil {
		return fmt.Errorf("engine: load agent definition: %w", err)
	}
	project, err := e.cfg.Store.FindProject(ctx, conv.ProjectID)
	if err != nil {
		return fmt.Errorf("engine: load project: %w", err)
	}
	thread, err := e.cfg.Store.FindThread(ctx, conv.CurrentThreadID)
	if err != nil {
		return fmt.Errorf("engine: load thread: %w", err)
	}
	msgs, err := e.cfg.Store.MessagesInThread(ctx, conv.ID, conv.CurrentThreadID)
	if err != nil {
		return fmt.Errorf("engine: load messages: %w", err)
	}
	for _, m := range msgs {
		m.Historical = true
	}

	e.conv, e.def, e.project, e.thread = conv, def, project, thread
	e.messages = msgs
	e.nextPos = len(msgs)
	e.initialized = true

	if err := e.repairOrphans(ctx); err != nil {
		return err
	}

	e.emit(Event{Kind: EventInitialized})
	e.emit(Event{Kind: EventDefinitionSwitched, Definition: def})
	e.emitState()
	return nil
}

// repairOrphans closes unanswered tool calls at the tail of the current
// history with synthetic error results, one message per orphaned call.
func (e *Engine) repairOrphans(ctx context.Context) error {
	for _, orphan := range chat.UnresolvedToolCalls(e.messages) {
		repair := chat.NewMessage(e.conv.ID, chat.RoleUser, chat.ToolResult{
			ToolUseID: orphan.ID,
			ToolName:  orphan.Name,
			Result:    chat.TextResult(orphanRepairText),
			IsError:   true,
			State:     chat.BlockComplete,
		})
		if err := e.appendMessage(ctx, repair); err != nil {
			return err
		}
	}
	return nil
}

// appendMessage persists a message at the next thread position and emits
// it. Persistence always precedes the event.
func (e *Engine) appendMessage(ctx context.Context, m *chat.Message) error {
	if err := e.cfg.Store.SaveMessage(ctx, m); err != nil {
		return fmt.Errorf("engine: save message: %w", err)
	}
	if err := e.cfg.Store.AddThreadMessage(ctx, e.thread.ID, m.ID, e.nextPos); err != nil {
		return fmt.Errorf("engine: index message: %w", err)
	}
	e.nextPos++
	e.messages = append(e.messages, m)
	e.emit(Event{Kind: EventMessageEmitted, Message: m})
	return nil
}

func (e *Engine) sendUserMessage(ctx context.Context, content []chat.ContentItem) {
	if !e.initialized {
		e.emit(Event{Kind: EventWarning, Text: "send before initialize dropped"})
		return
	}

	if err := e.repairOrphans(ctx); err != nil {
		e.fail(err)
		return
	}

	userMsg := chat.NewMessage(e.conv.ID, chat.RoleUser, content...)
	if err := e.appendMessage(ctx, userMsg); err != nil {
		e.fail(err)
		return
	}
	e.emitState()

	e.runLoop(ctx)
}

// runLoop is the provider/tool iteration loop for one user turn. It runs on
// the actor goroutine with a cancellable context; Interrupt cancels it from
// outside without going through the command channel.
func (e *Engine) runLoop(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.runCancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		e.runCancel = nil
		e.cancelMu.Unlock()
	}()

	provider, err := e.cfg.Resolver(e.def.Provider)
	if err != nil {
		e.fail(fmt.Errorf("engine: resolve provider %s: %w", e.def.Provider, err))
		return
	}

	runCtx, span := tracing.Start(runCtx, "engine.run")
	defer span.End()

	var totalUsage chat.Usage
	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		slog.Debug("engine iteration",
			"conversation", e.conversationID, "iteration", iteration, "messages", len(e.messages))

		prompt := providers.Prompt{
			System:   e.assembleSystem(),
			Messages: e.messages,
			Tools:    e.cfg.Tools.Definitions(e.def.AllowedTools),
			Model:    e.def.ModelOverride,
		}

		resp, err := e.callProvider(runCtx, provider, prompt)
		if err != nil {
			if runCtx.Err() != nil {
				e.emit(Event{Kind: EventInterrupted})
				return
			}
			e.fail(fmt.Errorf("engine: provider call (iteration %d): %w", iteration, err))
			return
		}
		totalUsage.Add(resp.Usage)

		assistantMsg := chat.NewMessage(e.conv.ID, chat.RoleAssistant, resp.Items...)
		assistantMsg.Meta = &chat.ProviderMeta{
			Model:      resp.Model,
			StopReason: resp.StopReason,
			Usage:      resp.Usage,
		}
		if err := e.appendMessage(runCtx, assistantMsg); err != nil {
			e.fail(err)
			return
		}
		e.emitState()

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			e.emit(Event{Kind: EventCompleted, Usage: &totalUsage})
			return
		}

		batch := e.executor.ExecuteBatch(runCtx, calls, tools.Context{
			ProjectPath:    e.project.Path,
			ConversationID: e.conv.ID,
		})
		items := make([]chat.ContentItem, 0, len(batch.Results))
		for _, r := range batch.Results {
			items = append(items, r)
		}
		toolMsg := chat.NewMessage(e.conv.ID, chat.RoleUser, items...)
		// Partial results produced before a cancellation are still persisted.
		if err := e.appendMessage(ctx, toolMsg); err != nil {
			e.fail(err)
			return
		}
		e.emitState()

		if runCtx.Err() != nil {
			e.emit(Event{Kind: EventInterrupted})
			return
		}
		if batch.ReturnDirect {
			e.emit(Event{Kind: EventCompleted, Usage: &totalUsage})
			return
		}
	}

	e.emit(Event{Kind: EventWarning, Text: fmt.Sprintf("loop reached max iterations (%d)", e.cfg.MaxIterations)})
	e.emit(Event{Kind: EventCompleted, Usage: &totalUsage})
}

func (e *Engine) callProvider(ctx context.Context, provider providers.Provider, prompt providers.Prompt) (*providers.ChatResponse, error) {
	ctx, span := tracing.Start(ctx, "provider.chat")
	defer span.End()
	return provider.Chat(ctx, prompt)
}

// assembleSystem joins the definition's prompt fragments.
func (e *Engine) assembleSystem() []string {
	return append([]string(nil), e.def.SystemPrompts...)
}

func (e *Engine) switchDefinition(ctx context.Context, definitionID uuid.UUID) {
	if !e.initialized {
		e.emit(Event{Kind: EventWarning, Text: "switch before initialize dropped"})
		return
	}
	def, err := e.cfg.Store.FindAgentDefinition(ctx, definitionID)
	if err != nil {
		e.fail(fmt.Errorf("engine: load agent definition: %w", err))
		return
	}
	if err := e.cfg.Store.UpdateAgentDefinition(ctx, e.conv.ID, definitionID); err != nil {
		e.fail(fmt.Errorf("engine: update agent definition: %w", err))
		return
	}
	e.def = def
	e.conv.AgentDefinitionID = definitionID
	e.emit(Event{Kind: EventDefinitionSwitched, Definition: def})
}

func (e *Engine) fail(err error) {
	slog.Error("engine error", "conversation", e.conversationID, "error", err)
	e.emit(Event{Kind: EventError, Text: err.Error()})
}

func (e *Engine) emitState() {
	snapshot := make([]*chat.Message, len(e.messages))
	copy(snapshot, e.messages)
	e.emit(Event{Kind: EventStateChanged, Messages: snapshot})
}

func (e *Engine) emit(ev Event) {
	e.events.Publish(ev)
}

// now returns the current time in UTC.
var now = func() time.Time { return time.Now().UTC() }
