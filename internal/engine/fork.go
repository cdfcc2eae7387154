package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
)

// editMessage implements edit forking: the original thread is untouched; a
// new thread carries the prefix before the edited message, any orphan
// repairs, and the replacement message, and becomes current.
func (e *Engine) editMessage(ctx context.Context, messageID uuid.UUID, newContent []chat.ContentItem) {
	if !e.initialized {
		e.emit(Event{Kind: EventWarning, Text: "edit before initialize dropped"})
		return
	}

	pos := e.findPosition(messageID)
	if pos < 0 {
		e.emit(Event{Kind: EventWarning, Text: fmt.Sprintf("edit target %s not in current thread", messageID)})
		return
	}
	original := e.messages[pos]

	edited := &chat.Message{
		ID:             chat.NewID(),
		ConversationID: original.ConversationID,
		Role:           original.Role,
		Content:        newContent,
		CreatedAt:      now(),
		Meta:           original.Meta,
	}

	prefix := e.messages[:pos]
	e.fork(ctx, prefix, pos, func() error {
		return e.appendMessage(ctx, edited)
	})
}

// deleteMessages forks a new thread omitting the given ids, preserving
// relative order, with the trailing-orphan repair applied.
func (e *Engine) deleteMessages(ctx context.Context, ids []uuid.UUID) {
	if !e.initialized {
		e.emit(Event{Kind: EventWarning, Text: "delete before initialize dropped"})
		return
	}

	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	forkedAt := -1
	kept := make([]*chat.Message, 0, len(e.messages))
	for i, m := range e.messages {
		if drop[m.ID] {
			if forkedAt < 0 {
				forkedAt = i
			}
			continue
		}
		kept = append(kept, m)
	}
	if forkedAt < 0 {
		e.emit(Event{Kind: EventWarning, Text: "delete targets not in current thread"})
		return
	}

	e.fork(ctx, kept, forkedAt, nil)
}

// fork creates the new thread, copies the kept messages into it, repairs
// trailing orphans, runs the optional tail append, and repoints the
// conversation's current thread. The origin thread is never modified.
func (e *Engine) fork(ctx context.Context, kept []*chat.Message, forkedAt int, tail func() error) {
	origin := e.thread
	newThread := &chat.Thread{
		ID:             chat.NewID(),
		ConversationID: e.conv.ID,
		OriginThreadID: &origin.ID,
		ForkedAtTurn:   forkedAt,
		CreatedAt:      now(),
		UpdatedAt:      now(),
	}
	if err := e.cfg.Store.SaveThread(ctx, newThread); err != nil {
		e.fail(fmt.Errorf("engine: save forked thread: %w", err))
		return
	}

	for i, m := range kept {
		if err := e.cfg.Store.AddThreadMessage(ctx, newThread.ID, m.ID, i); err != nil {
			e.fail(fmt.Errorf("engine: copy message into fork: %w", err))
			return
		}
	}

	// From here on appendMessage targets the new thread.
	e.thread = newThread
	e.messages = append([]*chat.Message(nil), kept...)
	e.nextPos = len(kept)

	if err := e.repairOrphans(ctx); err != nil {
		e.fail(err)
		return
	}
	if tail != nil {
		if err := tail(); err != nil {
			e.fail(err)
			return
		}
	}

	if err := e.cfg.Store.UpdateCurrentThread(ctx, e.conv.ID, newThread.ID); err != nil {
		e.fail(fmt.Errorf("engine: update current thread: %w", err))
		return
	}
	e.conv.CurrentThreadID = newThread.ID

	e.emit(Event{Kind: EventThreadForked, NewThreadID: newThread.ID, OriginThreadID: origin.ID})
	e.emitState()
}

func (e *Engine) findPosition(messageID uuid.UUID) int {
	for i, m := range e.messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}
