// Package memory is the in-process ConversationStore used by tests and
// ephemeral (non-persistent) runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
)

type membership struct {
	messageID uuid.UUID
	position  int
}

// Store keeps everything in maps guarded by one RWMutex. Copies go in and
// out so callers never alias stored state.
type Store struct {
	mu            sync.RWMutex
	projects      map[uuid.UUID]chat.Project
	definitions   map[uuid.UUID]chat.AgentDefinition
	conversations map[uuid.UUID]chat.Conversation
	threads       map[uuid.UUID]chat.Thread
	messages      map[uuid.UUID]chat.Message
	threadMsgs    map[uuid.UUID][]membership
}

func New() *Store {
	return &Store{
		projects:      make(map[uuid.UUID]chat.Project),
		definitions:   make(map[uuid.UUID]chat.AgentDefinition),
		conversations: make(map[uuid.UUID]chat.Conversation),
		threads:       make(map[uuid.UUID]chat.Thread),
		messages:      make(map[uuid.UUID]chat.Message),
		threadMsgs:    make(map[uuid.UUID][]membership),
	}
}

var _ store.ConversationStore = (*Store)(nil)

func (s *Store) FindProject(_ context.Context, id uuid.UUID) (*chat.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveProject(_ context.Context, p *chat.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = *p
	return nil
}

func (s *Store) FindAgentDefinition(_ context.Context, id uuid.UUID) (*chat.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *Store) SaveAgentDefinition(_ context.Context, def *chat.AgentDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = *def
	return nil
}

func (s *Store) FindConversation(_ context.Context, id uuid.UUID) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) SaveConversation(_ context.Context, c *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = *c
	return nil
}

func (s *Store) UpdateCurrentThread(_ context.Context, conversationID, threadID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := s.threads[threadID]; !ok {
		return fmt.Errorf("memory: thread %s: %w", threadID, store.ErrNotFound)
	}
	c.CurrentThreadID = threadID
	s.conversations[conversationID] = c
	return nil
}

func (s *Store) UpdateAgentDefinition(_ context.Context, conversationID, definitionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	c.AgentDefinitionID = definitionID
	s.conversations[conversationID] = c
	return nil
}

func (s *Store) FindThread(_ context.Context, id uuid.UUID) (*chat.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) SaveThread(_ context.Context, t *chat.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = *t
	return nil
}

func (s *Store) MessagesInThread(_ context.Context, conversationID, threadID uuid.UUID) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.threadMsgs[threadID]
	ordered := make([]membership, len(members))
	copy(ordered, members)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].position < ordered[j].position })

	out := make([]*chat.Message, 0, len(ordered))
	for _, m := range ordered {
		msg, ok := s.messages[m.messageID]
		if !ok {
			return nil, fmt.Errorf("memory: message %s: %w", m.messageID, store.ErrNotFound)
		}
		if msg.ConversationID != conversationID {
			continue
		}
		copied := msg
		out = append(out, &copied)
	}
	return out, nil
}

func (s *Store) SaveMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return fmt.Errorf("memory: message %s already saved", m.ID)
	}
	s.messages[m.ID] = *m
	return nil
}

func (s *Store) AddThreadMessage(_ context.Context, threadID, messageID uuid.UUID, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.threadMsgs[threadID] {
		if m.position == position {
			return fmt.Errorf("memory: thread %s position %d already occupied", threadID, position)
		}
	}
	s.threadMsgs[threadID] = append(s.threadMsgs[threadID], membership{messageID: messageID, position: position})
	return nil
}
