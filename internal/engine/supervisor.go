package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Supervisor is the factory and registry of engines, at most one per live
// conversation. Entries are disposed when their engine reports Completed.
type Supervisor struct {
	cfg     Config
	mu      sync.Mutex
	engines map[uuid.UUID]*Engine
}

func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, engines: make(map[uuid.UUID]*Engine)}
}

// GetOrCreate returns the live engine for the conversation, creating,
// starting, and initialising one if needed.
func (s *Supervisor) GetOrCreate(ctx context.Context, conversationID uuid.UUID) (*Engine, error) {
	s.mu.Lock()
	if eng, ok := s.engines[conversationID]; ok {
		s.mu.Unlock()
		return eng, nil
	}
	eng := New(conversationID, s.cfg)
	s.engines[conversationID] = eng
	s.mu.Unlock()

	eng.Start(ctx)
	if err := eng.Initialize(ctx); err != nil {
		s.remove(conversationID, eng)
		eng.Close()
		return nil, err
	}

	go s.watch(ctx, conversationID, eng)
	return eng, nil
}

// watch disposes the registry entry when the engine completes or dies.
func (s *Supervisor) watch(ctx context.Context, conversationID uuid.UUID, eng *Engine) {
	events := eng.Events(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.remove(conversationID, eng)
				return
			}
			if ev.Kind == EventCompleted {
				s.remove(conversationID, eng)
				eng.Close()
				return
			}
		case <-eng.Done():
			s.remove(conversationID, eng)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) remove(conversationID uuid.UUID, eng *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.engines[conversationID]; ok && current == eng {
		delete(s.engines, conversationID)
	}
}

// Live reports whether a conversation currently has a registered engine.
func (s *Supervisor) Live(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.engines[conversationID]
	return ok
}
