// Package session drives one subprocess-backed conversation. The session is
// a single-consumer actor multiplexing three prioritised inbound channels:
// the priority channel (interrupt, force-send, stop), the subprocess stream,
// and the user command channel. Selection order is strict — priority first,
// then stream, then user — and the user channel is only consulted while the
// session is not waiting for a response, so user commands queue naturally.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/bus"
	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/transport"
	"github.com/nextlevelbuilder/goconvo/pkg/streamjson"
)

// Transport is the subprocess surface the session drives. Satisfied by
// *transport.Subprocess; tests substitute a scripted fake.
type Transport interface {
	Start(ctx context.Context, opts transport.StartOptions) error
	SendMessage(text, sessionID string) error
	SendControl(req *streamjson.ControlRequestRecord) error
	Output() <-chan transport.Line
	Stop(ctx context.Context) error
}

// Options configures one session.
type Options struct {
	ConversationID uuid.UUID
	Start          transport.StartOptions
	// ResponseFormat enables structured {full_text, tts_text, voice_tone}
	// parsing of assistant text.
	ResponseFormat bool
	// Store enables historical replay on resume; may be nil.
	Store store.ConversationStore
}

type priorityKind int

const (
	priorityInterrupt priorityKind = iota
	priorityForceSend
	priorityStop
)

type priorityCmd struct {
	kind priorityKind
}

type userCmd struct {
	text string
}

// Session is the actor. All state below the channels is owned by the actor
// goroutine; public methods only enqueue.
type Session struct {
	transport Transport
	opts      Options
	events    *bus.Stream[Event]

	priorityCh chan priorityCmd
	userCh     chan userCmd

	// actor-local state
	state            State
	waiting          bool
	sessionID        string
	pendingInterrupt string
}

func New(t Transport, opts Options) *Session {
	return &Session{
		transport:  t,
		opts:       opts,
		events:     bus.NewStream[Event](bus.DefaultCapacity),
		priorityCh: make(chan priorityCmd, 16),
		userCh:     make(chan userCmd, 1024),
		state:      StateInactive,
	}
}

// Events subscribes to the session's outbound stream. Late subscribers are
// replayed the retained ring first.
func (s *Session) Events(ctx context.Context) <-chan Event {
	return s.events.Subscribe(ctx)
}

// SendMessage enqueues a user message. Messages sent while the session is
// waiting for a response stay queued until it returns to ready.
func (s *Session) SendMessage(text string) {
	s.userCh <- userCmd{text: text}
}

// Interrupt requests the child abort the current response.
func (s *Session) Interrupt() {
	s.priorityCh <- priorityCmd{kind: priorityInterrupt}
}

// ForceSend dequeues one pending message bypassing state gating. The
// operator's escape hatch when the state machine is stuck.
func (s *Session) ForceSend() {
	s.priorityCh <- priorityCmd{kind: priorityForceSend}
}

// Stop asks the session to shut the child down and go inactive.
func (s *Session) Stop() {
	s.priorityCh <- priorityCmd{kind: priorityStop}
}

// Start spawns the subprocess, replays history when resuming, and launches
// the actor. Legal only from the inactive state.
func (s *Session) Start(ctx context.Context) error {
	if s.state != StateInactive {
		return fmt.Errorf("session: start from state %s", s.state)
	}
	s.setState(StateStarting)

	if err := s.transport.Start(ctx, s.opts.Start); err != nil {
		s.setState(StateError)
		s.emit(Event{Kind: EventError, Text: err.Error()})
		s.setState(StateInactive)
		return err
	}
	s.sessionID = s.opts.Start.ResumeSessionID
	s.emit(Event{Kind: EventStarted, SessionID: s.sessionID})

	if s.opts.Start.ResumeSessionID != "" && s.opts.Store != nil {
		if err := s.replayHistory(ctx); err != nil {
			slog.Warn("historical replay failed", "conversation", s.opts.ConversationID, "error", err)
			s.emit(Event{Kind: EventWarning, Text: "historical replay failed: " + err.Error()})
		}
	}

	s.setState(StateWaitingForInit)
	go s.run(ctx)
	return nil
}

// replayHistory loads the conversation's current thread and re-emits its
// messages with the historical flag set, so subscribers suppress side
// effects (sound, TTS, tool execution).
func (s *Session) replayHistory(ctx context.Context) error {
	conv, err := s.opts.Store.FindConversation(ctx, s.opts.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	msgs, err := s.opts.Store.MessagesInThread(ctx, conv.ID, conv.CurrentThreadID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		m.Historical = true
		s.emit(Event{Kind: EventMessage, Message: m})
	}
	s.emit(Event{Kind: EventHistoricalLoaded, Count: len(msgs)})
	return nil
}

// run is the actor loop. Selection is staged to enforce strict channel
// priority without polling: a non-blocking pass over the priority channel,
// a non-blocking pass adding the stream, then one blocking select over
// every channel enabled in the current state.
func (s *Session) run(ctx context.Context) {
	for {
		select {
		case cmd := <-s.priorityCh:
			if s.handlePriority(ctx, cmd) {
				return
			}
			continue
		default:
		}

		streamCh := s.streamChannel()

		select {
		case cmd := <-s.priorityCh:
			if s.handlePriority(ctx, cmd) {
				return
			}
			continue
		case line, ok := <-streamCh:
			// A priority command that raced in wins over the record we
			// already pulled: it runs first, then the record.
			if exit, _ := s.drainPriority(ctx); exit {
				return
			}
			if s.handleStream(ctx, line, ok) {
				return
			}
			continue
		default:
		}

		userCh := s.userChannel()

		select {
		case cmd := <-s.priorityCh:
			if s.handlePriority(ctx, cmd) {
				return
			}
		case line, ok := <-streamCh:
			if exit, _ := s.drainPriority(ctx); exit {
				return
			}
			if s.handleStream(ctx, line, ok) {
				return
			}
		case cmd := <-userCh:
			if exit, _ := s.drainPriority(ctx); exit {
				return
			}
			s.handleUser(ctx, cmd)
		case <-ctx.Done():
			s.shutdown(ctx, "context cancelled")
			return
		}
	}
}

// drainPriority handles every priority command already queued. Returns
// (exit, drained): exit when the actor must stop, drained when at least one
// command ran (state may have changed, so pulled input must be revisited).
func (s *Session) drainPriority(ctx context.Context) (bool, bool) {
	drained := false
	for {
		select {
		case cmd := <-s.priorityCh:
			drained = true
			if s.handlePriority(ctx, cmd) {
				return true, drained
			}
		default:
			return false, drained
		}
	}
}

// streamChannel returns the subprocess stream when the state consumes it,
// nil otherwise (a nil channel never selects).
func (s *Session) streamChannel() <-chan transport.Line {
	switch s.state {
	case StateWaitingForInit, StateReady, StateWaitingForResponse, StateStopping:
		return s.transport.Output()
	}
	return nil
}

// userChannel returns the user command channel unless the session is
// waiting for a response, or has already sent its one message before
// system{init}; in either case commands stay queued.
func (s *Session) userChannel() chan userCmd {
	if s.state == StateWaitingForResponse || (s.state == StateWaitingForInit && s.waiting) {
		return nil
	}
	return s.userCh
}

// handlePriority processes one priority command. Returns true when the
// actor must exit.
func (s *Session) handlePriority(ctx context.Context, cmd priorityCmd) bool {
	switch cmd.kind {
	case priorityInterrupt:
		if !s.state.active() {
			s.emit(Event{Kind: EventWarning, Text: fmt.Sprintf("interrupt ignored in state %s", s.state)})
			return false
		}
		if s.pendingInterrupt != "" {
			// Previous interrupt not yet acknowledged; repeating is a no-op.
			return false
		}
		reqID := "req_" + chat.NewID().String()
		if err := s.transport.SendControl(streamjson.NewInterrupt(reqID)); err != nil {
			s.fail(ctx, fmt.Errorf("send interrupt: %w", err))
			return true
		}
		s.pendingInterrupt = reqID
		s.emit(Event{Kind: EventInterruptSent, Text: reqID})

	case priorityForceSend:
		if s.state == StateWaitingForResponse {
			s.emit(Event{Kind: EventWarning, Text: "force send rejected while waiting for response"})
			return false
		}
		select {
		case cmd := <-s.userCh:
			s.handleUser(ctx, cmd)
		default:
			s.emit(Event{Kind: EventWarning, Text: "force send: no queued message"})
		}

	case priorityStop:
		if s.state == StateStopping || s.state == StateInactive {
			return false
		}
		s.setState(StateStopping)
		if err := s.transport.Stop(ctx); err != nil {
			slog.Warn("transport stop failed", "error", err)
		}
		// Stay in the loop to drain remaining output; EOF completes the stop.
	}
	return false
}

// handleStream processes one subprocess line. Returns true when the actor
// must exit.
func (s *Session) handleStream(ctx context.Context, line transport.Line, ok bool) bool {
	if !ok {
		// Stream EOF is terminal.
		if s.state == StateStopping {
			s.setState(StateInactive)
			s.emit(Event{Kind: EventStopped})
			s.events.Close()
			return true
		}
		s.fail(ctx, errors.New("subprocess stream ended unexpectedly"))
		return true
	}

	if line.Err != nil {
		var de *streamjson.DecodeError
		if errors.As(line.Err, &de) {
			// Codec errors do not terminate the session.
			s.emit(Event{Kind: EventError, Text: line.Err.Error()})
			return false
		}
		s.fail(ctx, line.Err)
		return true
	}

	switch rec := line.Record.(type) {
	case *streamjson.SystemRecord:
		if rec.Subtype == streamjson.SubtypeInit {
			if rec.SessionID != "" && rec.SessionID != s.sessionID {
				s.sessionID = rec.SessionID
				s.emit(Event{Kind: EventSessionIDChanged, SessionID: rec.SessionID})
			}
			if s.state == StateWaitingForInit {
				s.setState(StateReady)
			}
		}
		s.emitMessage(line.Record, line.Raw)

	case *streamjson.ResultRecord:
		s.waiting = false
		if s.state == StateWaitingForResponse {
			s.setState(StateReady)
		}
		s.emit(Event{Kind: EventResponseCompleted, SessionID: rec.SessionID})

	case *streamjson.ControlResponseRecord:
		s.pendingInterrupt = ""
		switch rec.Response.Subtype {
		case streamjson.ControlSuccess:
			s.waiting = false
			if s.state == StateWaitingForResponse {
				s.setState(StateReady)
			}
			s.emit(Event{Kind: EventInterruptAcknowledged})
		default:
			s.emit(Event{Kind: EventError, Text: "interrupt failed: " + rec.Response.Error})
		}

	case *streamjson.ControlRequestRecord:
		// Only the driver is supposed to originate control requests.
		slog.Warn("child emitted control_request", "request_id", rec.RequestID, "subtype", rec.Request.Subtype)
		s.emit(Event{Kind: EventWarning, Text: "unexpected control_request from child"})

	case *streamjson.UserRecord:
		// Tool-result envelopes come back on the user channel; echo them on
		// the message stream. Plain user echoes are unexpected but harmless.
		s.emitMessage(line.Record, line.Raw)

	default:
		s.emitMessage(line.Record, line.Raw)
	}
	return false
}

func (s *Session) handleUser(ctx context.Context, cmd userCmd) {
	switch s.state {
	case StateReady, StateWaitingForInit:
		// Tolerated during waiting_for_init as the very first message; the
		// state promotion still waits on system{init}.
	default:
		s.emit(Event{Kind: EventWarning, Text: fmt.Sprintf("send message dropped in state %s", s.state)})
		return
	}

	msg := chat.NewMessage(s.opts.ConversationID, chat.RoleUser, chat.UserText{Text: cmd.text})
	s.emit(Event{Kind: EventMessage, Message: msg})

	if err := s.transport.SendMessage(cmd.text, s.sessionID); err != nil {
		s.fail(ctx, fmt.Errorf("send message: %w", err))
		return
	}
	s.waiting = true
	if s.state == StateReady {
		s.setState(StateWaitingForResponse)
	}
}

// emitMessage converts a record and publishes it on the message stream.
func (s *Session) emitMessage(rec streamjson.Record, raw string) {
	msg := messageFromRecord(s.opts.ConversationID, rec, raw, s.opts.ResponseFormat)
	if msg == nil {
		return
	}
	s.emit(Event{Kind: EventMessage, Message: msg, SessionID: s.sessionID})
}

// fail transitions through the error state, cleans up, and leaves the
// session inactive and restartable.
func (s *Session) fail(ctx context.Context, err error) {
	slog.Error("session failed", "conversation", s.opts.ConversationID, "error", err)
	s.setState(StateError)
	s.emit(Event{Kind: EventError, Text: err.Error()})
	if stopErr := s.transport.Stop(ctx); stopErr != nil {
		slog.Warn("cleanup stop failed", "error", stopErr)
	}
	// The stream stays open so the session can be restarted after cleanup.
	s.setState(StateInactive)
}

func (s *Session) shutdown(ctx context.Context, reason string) {
	slog.Info("session shutting down", "conversation", s.opts.ConversationID, "reason", reason)
	if err := s.transport.Stop(ctx); err != nil {
		slog.Warn("shutdown stop failed", "error", err)
	}
	s.setState(StateInactive)
	s.emit(Event{Kind: EventStopped})
	s.events.Close()
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.emit(Event{Kind: EventStateChanged, State: next})
}

func (s *Session) emit(ev Event) {
	if ev.State == "" {
		ev.State = s.state
	}
	s.events.Publish(ev)
}
