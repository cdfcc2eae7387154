package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/store/memory"
)

func newTestStore(t *testing.T) store.ConversationStore {
	t.Helper()
	return memory.New()
}

// seedConversation writes a conversation with one thread of n alternating
// messages and returns the conversation id.
func seedConversation(t *testing.T, st store.ConversationStore, n int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &chat.Project{ID: chat.NewID(), Path: t.TempDir(), Name: "test", CreatedAt: now}
	if err := st.SaveProject(ctx, project); err != nil {
		t.Fatalf("save project: %v", err)
	}
	def := &chat.AgentDefinition{ID: chat.NewID(), Name: "assistant", Provider: chat.ProviderSubprocess}
	if err := st.SaveAgentDefinition(ctx, def); err != nil {
		t.Fatalf("save definition: %v", err)
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
	if err := st.SaveThread(ctx, thread); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	if err := st.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	for i := 0; i < n; i++ {
		role := chat.RoleUser
		var item chat.ContentItem = chat.UserText{Text: fmt.Sprintf("message %d", i)}
		if i%2 == 1 {
			role = chat.RoleAssistant
			item = chat.AssistantText{Structured: chat.StructuredText{FullText: fmt.Sprintf("reply %d", i)}}
		}
		msg := chat.NewMessage(conv.ID, role, item)
		if err := st.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save message: %v", err)
		}
		if err := st.AddThreadMessage(ctx, thread.ID, msg.ID, i); err != nil {
			t.Fatalf("add thread message: %v", err)
		}
	}
	return conv.ID
}
