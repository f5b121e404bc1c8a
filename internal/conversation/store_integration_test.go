package conversation_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/log"
	"github.com/calliope-ai/groundskeeper/internal/testutil"
)

// TestStoreIntegration exercises the full conversation lifecycle against a
// real PostgreSQL instance. Requires Docker; skipped with -short.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store, err := conversation.NewStore(tdb.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	conv, err := store.Create(ctx, "u1", "travel-agent", "Trip planning")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.ID == uuid.Nil {
		t.Fatal("Create() returned nil ID")
	}

	t.Run("get and ownership", func(t *testing.T) {
		got, err := store.Get(ctx, conv.ID, "u1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.AgentID != "travel-agent" {
			t.Errorf("AgentID = %q, want %q", got.AgentID, "travel-agent")
		}

		if _, err := store.Get(ctx, conv.ID, "other-user"); err != conversation.ErrNotFound {
			t.Errorf("Get() with wrong user error = %v, want ErrNotFound", err)
		}
	})

	t.Run("messages and turns", func(t *testing.T) {
		if _, err := store.AddMessage(ctx, conv.ID, conversation.RoleUser, "hello"); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
		asst, err := store.AddMessage(ctx, conv.ID, conversation.RoleAssistant, "hi there")
		if err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}

		turns, err := store.Turns(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Turns() error = %v", err)
		}
		if len(turns) != 2 {
			t.Fatalf("len(turns) = %d, want 2", len(turns))
		}
		if turns[0].Role != conversation.RoleUser || turns[1].Role != conversation.RoleAssistant {
			t.Errorf("turn roles = %q,%q, want user,assistant", turns[0].Role, turns[1].Role)
		}

		citations := []map[string]string{{"documentName": "Doc A", "chunkText": "hello"}}
		if err := store.UpdateMessageCitations(ctx, asst.ID, citations); err != nil {
			t.Fatalf("UpdateMessageCitations() error = %v", err)
		}

		msgs, err := store.Messages(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len(msgs) = %d, want 2", len(msgs))
		}
		var stored []map[string]string
		if err := json.Unmarshal(msgs[1].Citations, &stored); err != nil {
			t.Fatalf("decoding stored citations: %v", err)
		}
		if len(stored) != 1 || stored[0]["documentName"] != "Doc A" {
			t.Errorf("stored citations = %v, want Doc A entry", stored)
		}
	})

	t.Run("list", func(t *testing.T) {
		convs, err := store.List(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(convs) != 1 {
			t.Errorf("len(convs) = %d, want 1", len(convs))
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		if err := store.Delete(ctx, conv.ID, "u1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Get(ctx, conv.ID, "u1"); err != conversation.ErrNotFound {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}

		var count int
		if err := tdb.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conv.ID).Scan(&count); err != nil {
			t.Fatalf("counting messages: %v", err)
		}
		if count != 0 {
			t.Errorf("messages after cascade = %d, want 0", count)
		}
	})
}
