// Package chat defines the conversation data model: projects, agent
// definitions, conversations, append-only messages, and threads as ordered
// views over messages. Edits and deletes never mutate history; they fork a
// new thread.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered unique id. Message and thread ids must sort
// by creation time, so v7 is used; the v4 fallback only fires if reading
// random bytes for the v7 id fails.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Project is a logical workspace rooted at a filesystem path.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderTag selects the provider family an agent definition targets.
type ProviderTag string

const (
	ProviderAnthropic  ProviderTag = "anthropic"
	ProviderOpenAI     ProviderTag = "openai"
	ProviderSubprocess ProviderTag = "subprocess"
)

// AgentDefinition is an immutable role template referenced by conversations.
// An empty AllowedTools list means all registered tools are available.
type AgentDefinition struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	SystemPrompts []string    `json:"system_prompts"`
	Provider      ProviderTag `json:"provider"`
	ModelOverride string      `json:"model_override,omitempty"`
	AllowedTools  []string    `json:"allowed_tools,omitempty"`
}

// InitiatorKind names who opened a conversation.
type InitiatorKind string

const (
	InitiatorUser     InitiatorKind = "user"
	InitiatorAgentTab InitiatorKind = "agent_tab"
	InitiatorSystem   InitiatorKind = "system"
)

// Initiator is the conversation-opening party. TabID is set only for
// agent_tab initiators.
type Initiator struct {
	Kind  InitiatorKind `json:"kind"`
	TabID string        `json:"tab_id,omitempty"`
}

// Conversation is the long-lived chat unit. It always points at exactly one
// current thread.
type Conversation struct {
	ID                uuid.UUID `json:"id"`
	ProjectID         uuid.UUID `json:"project_id"`
	AgentDefinitionID uuid.UUID `json:"agent_definition_id"`
	Initiator         Initiator `json:"initiator"`
	CurrentThreadID   uuid.UUID `json:"current_thread_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Thread is an ordered view over a conversation's messages. A forked thread
// records its origin and the turn index it forked at.
type Thread struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	OriginThreadID *uuid.UUID `json:"originated_from_thread,omitempty"`
	ForkedAtTurn   int        `json:"forked_at_turn"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ThreadMessage is the membership of a message in a thread at a position.
// A message may belong to many threads; position is thread-local.
type ThreadMessage struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	MessageID uuid.UUID `json:"message_id"`
	Position  int       `json:"position"`
}
