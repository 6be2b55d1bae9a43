package disk_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
	"pkt.systems/intentd/internal/storage/disk"
)

func newStore(t *testing.T) *disk.Store {
	t.Helper()
	store, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIntentRoundTrip(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.GetIntent(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	intent := &api.Intent{
		ID:        "i-1",
		Goal:      "migrate database",
		Status:    api.IntentStatusDeclared,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := store.PutIntent(ctx, intent); err != nil {
		t.Fatalf("put intent: %v", err)
	}
	got, err := store.GetIntent(ctx, "i-1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Goal != intent.Goal || !got.CreatedAt.Equal(intent.CreatedAt) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestListIntentsSortedByCreation(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	// Insert out of order; listing must come back in creation order.
	for _, in := range []*api.Intent{
		{ID: "i-b", Goal: "second", Status: api.IntentStatusDeclared, CreatedAt: base.Add(time.Minute)},
		{ID: "i-a", Goal: "first", Status: api.IntentStatusDeclared, CreatedAt: base},
		{ID: "i-c", Goal: "third", Status: api.IntentStatusDeclared, CreatedAt: base.Add(2 * time.Minute)},
	} {
		if err := store.PutIntent(ctx, in); err != nil {
			t.Fatalf("put %s: %v", in.ID, err)
		}
	}
	list, err := store.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}
	want := []string{"i-a", "i-b", "i-c"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
}

func TestSurvivesReopen(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx := context.Background()

	store, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	agent := &api.Agent{ID: "a-1", Name: "verifier", TrustScore: 0.5, CreatedAt: time.Now().UTC()}
	if err := store.PutAgent(ctx, agent); err != nil {
		t.Fatalf("put agent: %v", err)
	}
	v := &api.Verification{ID: "v-1", IntentID: "i-1", AgentID: "a-1", Evidence: json.RawMessage(`{"ok":true}`), Timestamp: time.Now().UTC()}
	if err := store.PutVerification(ctx, v); err != nil {
		t.Fatalf("put verification: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	agents, err := reopened.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "a-1" {
		t.Fatalf("expected persisted agent, got %+v", agents)
	}
	proofs, err := reopened.ListVerifications(ctx, "i-1")
	if err != nil {
		t.Fatalf("list verifications: %v", err)
	}
	if len(proofs) != 1 || proofs[0].ID != "v-1" {
		t.Fatalf("expected persisted verification, got %+v", proofs)
	}
}

func TestIgnoresTempFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	ctx := context.Background()
	store, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.PutIntent(ctx, &api.Intent{ID: "i-1", Goal: "g", Status: api.IntentStatusDeclared, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("put intent: %v", err)
	}
	// A crashed write leaves a temp file behind; listing must skip it.
	stray := filepath.Join(root, "intents", ".tmp-12345")
	if err := os.WriteFile(stray, []byte("partial"), 0o600); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	list, err := store.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list intents: %v", err)
	}
	if len(list) != 1 || list[0].ID != "i-1" {
		t.Fatalf("expected one intent, got %+v", list)
	}
}
