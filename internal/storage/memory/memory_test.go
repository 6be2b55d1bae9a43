package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
	"pkt.systems/intentd/internal/storage/memory"
)

func TestIntentRoundTrip(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()

	if _, err := store.GetIntent(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	intent := &api.Intent{ID: "i-1", Goal: "ship", Status: api.IntentStatusDeclared, CreatedAt: time.Now().UTC()}
	if err := store.PutIntent(ctx, intent); err != nil {
		t.Fatalf("put intent: %v", err)
	}

	got, err := store.GetIntent(ctx, "i-1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Goal != "ship" {
		t.Fatalf("unexpected intent %+v", got)
	}

	// The store must hand back copies, not shared pointers.
	got.Goal = "mutated"
	again, err := store.GetIntent(ctx, "i-1")
	if err != nil {
		t.Fatalf("get intent again: %v", err)
	}
	if again.Goal != "ship" {
		t.Fatalf("caller mutation leaked into store: %+v", again)
	}
}

func TestListIntentsPreservesInsertionOrder(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"i-c", "i-a", "i-b"} {
		if err := store.PutIntent(ctx, &api.Intent{ID: id, Goal: id, Status: api.IntentStatusDeclared, CreatedAt: now}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	list, err := store.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}
	want := []string{"i-c", "i-a", "i-b"}
	if len(list) != len(want) {
		t.Fatalf("expected %d intents, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
}

func TestVerificationsGroupedByIntent(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	for _, v := range []*api.Verification{
		{ID: "v-1", IntentID: "i-1", AgentID: "a-1", Evidence: json.RawMessage(`{"ok":true}`), Timestamp: time.Now().UTC()},
		{ID: "v-2", IntentID: "i-1", AgentID: "a-2", Timestamp: time.Now().UTC()},
		{ID: "v-3", IntentID: "i-2", AgentID: "a-1", Timestamp: time.Now().UTC()},
	} {
		if err := store.PutVerification(ctx, v); err != nil {
			t.Fatalf("put %s: %v", v.ID, err)
		}
	}
	proofs, err := store.ListVerifications(ctx, "i-1")
	if err != nil {
		t.Fatalf("list verifications: %v", err)
	}
	if len(proofs) != 2 || proofs[0].ID != "v-1" || proofs[1].ID != "v-2" {
		t.Fatalf("unexpected proofs %+v", proofs)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.PutIntent(ctx, &api.Intent{ID: "i-1"}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := store.ListAgents(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
