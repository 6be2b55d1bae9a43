package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/core"
	"pkt.systems/intentd/internal/events"
	"pkt.systems/intentd/internal/storage"
	"pkt.systems/intentd/internal/storage/memory"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEmitter) byType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newService(t *testing.T, emitter events.Emitter, quorum int) *core.Service {
	t.Helper()
	svc, err := core.NewService(core.Config{
		Store:        memory.New(),
		Emitter:      emitter,
		VerifyQuorum: quorum,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestDeclareIntent(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	svc := newService(t, emitter, 3)
	ctx := context.Background()

	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "deploy v2", Description: "rollout"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if intent.ID == "" || intent.Status != api.IntentStatusDeclared || intent.Verified {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	declared := emitter.byType(events.TypeIntentDeclared)
	if len(declared) != 1 || declared[0].Subject != intent.ID {
		t.Fatalf("expected one intent.declared event for %s, got %+v", intent.ID, declared)
	}
}

func TestDeclareRequiresGoal(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	if _, err := svc.DeclareIntent(context.Background(), api.DeclareParams{}); !core.IsInvalidParams(err) {
		t.Fatalf("expected invalid_params, got %v", err)
	}
}

func TestSpawnAgents(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	svc := newService(t, emitter, 3)
	ctx := context.Background()

	agents, err := svc.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{
		{Name: "checker", Capabilities: []string{"attest"}},
		{Name: "auditor"},
	}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	for _, agent := range agents {
		if agent.TrustScore != 0.5 {
			t.Fatalf("expected default trust score 0.5, got %v", agent.TrustScore)
		}
	}
	if spawned := emitter.byType(events.TypeAgentSpawned); len(spawned) != 2 {
		t.Fatalf("expected 2 agent.spawned events, got %d", len(spawned))
	}

	if _, err := svc.SpawnAgents(ctx, api.SpawnParams{}); !core.IsInvalidParams(err) {
		t.Fatalf("expected invalid_params for empty spawn, got %v", err)
	}
}

// failingAgentStore rejects PutAgent from the nth call on.
type failingAgentStore struct {
	storage.Backend
	mu     sync.Mutex
	puts   int
	failAt int
}

func (f *failingAgentStore) PutAgent(ctx context.Context, agent *api.Agent) error {
	f.mu.Lock()
	f.puts++
	n := f.puts
	f.mu.Unlock()
	if n >= f.failAt {
		return errors.New("disk full")
	}
	return f.Backend.PutAgent(ctx, agent)
}

func TestSpawnPartialFailureNamesCommittedAgents(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	store := &failingAgentStore{Backend: memory.New(), failAt: 2}
	svc, err := core.NewService(core.Config{
		Store:        store,
		Emitter:      emitter,
		VerifyQuorum: 3,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	_, err = svc.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{
		{Name: "first"}, {Name: "second"}, {Name: "third"},
	}})
	if err == nil {
		t.Fatal("expected spawn to fail on the second agent")
	}
	if core.FailureCode(err) != core.CodeInternal {
		t.Fatalf("expected internal failure, got %v", err)
	}

	agents, listErr := svc.ListAgents(ctx)
	if listErr != nil {
		t.Fatalf("list agents: %v", listErr)
	}
	if len(agents) != 1 || agents[0].Name != "first" {
		t.Fatalf("expected exactly the first agent committed, got %+v", agents)
	}
	if !strings.Contains(err.Error(), agents[0].ID) {
		t.Fatalf("failure detail %q does not name committed agent %s", err, agents[0].ID)
	}
	spawned := emitter.byType(events.TypeAgentSpawned)
	if len(spawned) != 1 || spawned[0].Subject != agents[0].ID {
		t.Fatalf("expected one agent.spawned event for the committed agent, got %+v", spawned)
	}
}

func TestVerifyQuorumTransition(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	svc := newService(t, emitter, 3)
	ctx := context.Background()

	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "ship"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	for i := 1; i <= 2; i++ {
		res, err := svc.VerifyIntent(ctx, api.VerifyParams{
			IntentID: intent.ID,
			Evidence: json.RawMessage(`{"check": "ok"}`),
		})
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if res.Verified || res.Status != api.IntentStatusDeclared || res.TotalProofs != i {
			t.Fatalf("verify %d: unexpected result %+v", i, res)
		}
	}

	res, err := svc.VerifyIntent(ctx, api.VerifyParams{IntentID: intent.ID})
	if err != nil {
		t.Fatalf("verify 3: %v", err)
	}
	if !res.Verified || res.Status != api.IntentStatusVerified || res.TotalProofs != 3 {
		t.Fatalf("expected quorum reached at 3 proofs, got %+v", res)
	}

	// Proofs past the quorum are still recorded, but verified fires once.
	res, err = svc.VerifyIntent(ctx, api.VerifyParams{IntentID: intent.ID})
	if err != nil {
		t.Fatalf("verify 4: %v", err)
	}
	if !res.Verified || res.TotalProofs != 4 {
		t.Fatalf("unexpected post-quorum result %+v", res)
	}
	if verified := emitter.byType(events.TypeIntentVerified); len(verified) != 4 {
		t.Fatalf("expected one intent.verified event per proof, got %d", len(verified))
	}

	got, err := svc.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if !got.Verified || got.VerificationCount != 4 || len(got.VerificationProofs) != 4 {
		t.Fatalf("unexpected stored intent %+v", got)
	}
}

func TestVerifyEmitsEventPerProof(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	svc := newService(t, emitter, 3)
	ctx := context.Background()

	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "audit"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	agents, err := svc.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{{Name: "auditor"}}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := svc.VerifyIntent(ctx, api.VerifyParams{
		IntentID: intent.ID,
		AgentID:  agents[0].ID,
		Evidence: json.RawMessage(`{"checks_passed": true}`),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified {
		t.Fatalf("single proof below quorum should not verify: %+v", res)
	}

	verified := emitter.byType(events.TypeIntentVerified)
	if len(verified) != 1 {
		t.Fatalf("expected one intent.verified event for one proof, got %d", len(verified))
	}
	ev := verified[0]
	if ev.Subject != intent.ID {
		t.Fatalf("expected subject %s, got %s", intent.ID, ev.Subject)
	}
	var data struct {
		AgentID        string          `json:"agent_id"`
		VerificationID string          `json:"verification_id"`
		Evidence       json.RawMessage `json:"evidence"`
		TotalProofs    int             `json:"total_proofs"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.AgentID != agents[0].ID {
		t.Fatalf("expected agent_id %s, got %s", agents[0].ID, data.AgentID)
	}
	if data.VerificationID != res.VerificationID {
		t.Fatalf("expected verification_id %s, got %s", res.VerificationID, data.VerificationID)
	}
	if data.TotalProofs != 1 {
		t.Fatalf("expected total_proofs 1, got %d", data.TotalProofs)
	}
	var evidence map[string]any
	if err := json.Unmarshal(data.Evidence, &evidence); err != nil {
		t.Fatalf("decode evidence: %v", err)
	}
	if passed, ok := evidence["checks_passed"].(bool); !ok || !passed {
		t.Fatalf("expected evidence carried through, got %s", data.Evidence)
	}
}

func TestVerifyConcurrentSubmissions(t *testing.T) {
	t.Parallel()
	emitter := &captureEmitter{}
	svc := newService(t, emitter, 3)
	ctx := context.Background()

	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "parallel"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	const submissions = 8
	var wg sync.WaitGroup
	errs := make(chan error, submissions)
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.VerifyIntent(ctx, api.VerifyParams{IntentID: intent.ID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent verify: %v", err)
		}
	}

	got, err := svc.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.VerificationCount != submissions {
		t.Fatalf("expected %d proofs, got %d", submissions, got.VerificationCount)
	}
	if !got.Verified {
		t.Fatal("expected intent verified")
	}
	if verified := emitter.byType(events.TypeIntentVerified); len(verified) != submissions {
		t.Fatalf("expected %d intent.verified events under contention, got %d", submissions, len(verified))
	}
}

func TestVerifyUnknownIntent(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	if _, err := svc.VerifyIntent(context.Background(), api.VerifyParams{IntentID: "nope"}); !core.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestVerifyUnknownAgent(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	ctx := context.Background()
	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "g"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := svc.VerifyIntent(ctx, api.VerifyParams{IntentID: intent.ID, AgentID: "ghost"}); !core.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestVerifyRejectsInvalidEvidence(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	ctx := context.Background()
	intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: "g"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := svc.VerifyIntent(ctx, api.VerifyParams{
		IntentID: intent.ID,
		Evidence: json.RawMessage(`{"broken":`),
	}); !core.IsInvalidParams(err) {
		t.Fatalf("expected invalid_params, got %v", err)
	}
}

func TestSetTrustScore(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	ctx := context.Background()

	agents, err := svc.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{{Name: "a"}}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	id := agents[0].ID

	updated, err := svc.SetTrustScore(ctx, id, 0.9)
	if err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if updated.TrustScore != 0.9 {
		t.Fatalf("expected 0.9, got %v", updated.TrustScore)
	}
	if _, err := svc.SetTrustScore(ctx, id, 1.5); !core.IsInvalidParams(err) {
		t.Fatalf("expected invalid_params for out-of-range score, got %v", err)
	}
	if _, err := svc.SetTrustScore(ctx, "ghost", 0.5); !core.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestListIntentsDeclarationOrder(t *testing.T) {
	t.Parallel()
	svc := newService(t, events.Noop{}, 3)
	ctx := context.Background()
	var ids []string
	for _, goal := range []string{"one", "two", "three"} {
		intent, err := svc.DeclareIntent(ctx, api.DeclareParams{Goal: goal})
		if err != nil {
			t.Fatalf("declare %s: %v", goal, err)
		}
		ids = append(ids, intent.ID)
	}
	list, err := svc.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(ids) {
		t.Fatalf("expected %d intents, got %d", len(ids), len(list))
	}
	for i, id := range ids {
		if list[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
	intents, agents, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if intents != 3 || agents != 0 {
		t.Fatalf("expected counts 3/0, got %d/%d", intents, agents)
	}
}
