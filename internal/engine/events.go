package engine

import (
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// EventKind tags engine events.
type EventKind string

const (
	EventInitialized        EventKind = "initialized"
	EventStateChanged       EventKind = "state_changed"
	EventMessageEmitted     EventKind = "message_emitted"
	EventDefinitionSwitched EventKind = "definition_switched"
	EventThreadForked       EventKind = "thread_forked"
	EventError              EventKind = "error"
	EventWarning            EventKind = "warning"
	EventInterrupted        EventKind = "interrupted"
	EventCompleted          EventKind = "completed"
)

// Event is one entry on the engine's outbound stream. StateChanged carries
// a snapshot of the current thread's messages; Completed carries the
// accumulated usage of the finished loop.
type Event struct {
	Kind           EventKind
	Messages       []*chat.Message
	Message        *chat.Message
	Definition     *chat.AgentDefinition
	NewThreadID    uuid.UUID
	OriginThreadID uuid.UUID
	Text           string
	Usage          *chat.Usage
}
