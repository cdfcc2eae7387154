package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
)

func seed(t *testing.T, s *Store) (*chat.Conversation, *chat.Thread) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &chat.Project{ID: chat.NewID(), Path: "/tmp/p", Name: "p", CreatedAt: now}
	def := &chat.AgentDefinition{ID: chat.NewID(), Name: "a", Provider: chat.ProviderAnthropic}
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

	if err := s.SaveProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAgentDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveThread(ctx, thread); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	return conv, thread
}

func TestMessagesComeBackInPositionOrder(t *testing.T) {
	s := New()
	conv, thread := seed(t, s)
	ctx := context.Background()

	// Insert out of order; read must sort by position.
	for _, pos := range []int{2, 0, 1} {
		m := chat.NewMessage(conv.ID, chat.RoleUser, chat.UserText{Text: fmt.Sprintf("m%d", pos)})
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := s.AddThreadMessage(ctx, thread.ID, m.ID, pos); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.MessagesInThread(ctx, conv.ID, thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i); m.Text() != want {
			t.Fatalf("msgs[%d] = %q, want %q", i, m.Text(), want)
		}
	}
}

func TestDuplicatePositionRejected(t *testing.T) {
	s := New()
	conv, thread := seed(t, s)
	ctx := context.Background()

	m1 := chat.NewMessage(conv.ID, chat.RoleUser, chat.UserText{Text: "a"})
	m2 := chat.NewMessage(conv.ID, chat.RoleUser, chat.UserText{Text: "b"})
	if err := s.SaveMessage(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, m2); err != nil {
		t.Fatal(err)
	}
	if err := s.AddThreadMessage(ctx, thread.ID, m1.ID, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.AddThreadMessage(ctx, thread.ID, m2.ID, 0); err == nil {
		t.Fatal("duplicate position accepted")
	}
}

func TestSaveMessageIsAppendOnly(t *testing.T) {
	s := New()
	conv, _ := seed(t, s)
	ctx := context.Background()

	m := chat.NewMessage(conv.ID, chat.RoleUser, chat.UserText{Text: "once"})
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, m); err == nil {
		t.Fatal("re-saving an existing message must fail")
	}
}

func TestUpdateCurrentThreadRequiresExistingThread(t *testing.T) {
	s := New()
	conv, _ := seed(t, s)
	ctx := context.Background()

	if err := s.UpdateCurrentThread(ctx, conv.ID, chat.NewID()); err == nil {
		t.Fatal("dangling thread pointer accepted")
	}
}

func TestFindMissingReturnsNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.FindConversation(ctx, chat.NewID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.FindProject(ctx, chat.NewID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMessageSharedAcrossThreads(t *testing.T) {
	s := New()
	conv, thread := seed(t, s)
	ctx := context.Background()

	m := chat.NewMessage(conv.ID, chat.RoleUser, chat.UserText{Text: "shared"})
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.AddThreadMessage(ctx, thread.ID, m.ID, 0); err != nil {
		t.Fatal(err)
	}

	fork := &chat.Thread{ID: chat.NewID(), ConversationID: conv.ID, OriginThreadID: &thread.ID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.SaveThread(ctx, fork); err != nil {
		t.Fatal(err)
	}
	if err := s.AddThreadMessage(ctx, fork.ID, m.ID, 0); err != nil {
		t.Fatal(err)
	}

	a, _ := s.MessagesInThread(ctx, conv.ID, thread.ID)
	b, _ := s.MessagesInThread(ctx, conv.ID, fork.ID)
	if len(a) != 1 || len(b) != 1 || a[0].ID != b[0].ID {
		t.Fatal("message not shared between threads")
	}
}
