// Package store defines the persistence contract consumed by conversation
// engines. Implementations live in subpackages (memory, sqlite, pg); engines
// assume single-writer semantics per conversation and require writes to be
// durable before the corresponding event is emitted downstream.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// ErrNotFound is returned by Find* methods when the entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ConversationStore is the read/write surface used by the engines.
// Messages are append-only; threads are ordered views built from the
// thread-message index.
type ConversationStore interface {
	FindProject(ctx context.Context, id uuid.UUID) (*chat.Project, error)
	SaveProject(ctx context.Context, p *chat.Project) error

	FindAgentDefinition(ctx context.Context, id uuid.UUID) (*chat.AgentDefinition, error)
	SaveAgentDefinition(ctx context.Context, def *chat.AgentDefinition) error

	FindConversation(ctx context.Context, id uuid.UUID) (*chat.Conversation, error)
	SaveConversation(ctx context.Context, c *chat.Conversation) error
	UpdateCurrentThread(ctx context.Context, conversationID, threadID uuid.UUID) error
	UpdateAgentDefinition(ctx context.Context, conversationID, definitionID uuid.UUID) error

	FindThread(ctx context.Context, id uuid.UUID) (*chat.Thread, error)
	SaveThread(ctx context.Context, t *chat.Thread) error

	// MessagesInThread returns the thread's messages ordered by position.
	MessagesInThread(ctx context.Context, conversationID, threadID uuid.UUID) ([]*chat.Message, error)

	// SaveMessage appends a message. Saving an existing id is an error.
	SaveMessage(ctx context.Context, m *chat.Message) error

	// AddThreadMessage records membership of a message in a thread at the
	// given position. Positions within a thread are unique and gap-free.
	AddThreadMessage(ctx context.Context, threadID, messageID uuid.UUID, position int) error
}
