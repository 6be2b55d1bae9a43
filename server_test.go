package intentd_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd"
	"pkt.systems/intentd/api"
	"pkt.systems/intentd/client"
)

func TestServerEndToEnd(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	info, err := cli.SystemInfo(ctx)
	if err != nil {
		t.Fatalf("system/info: %v", err)
	}
	if info.Server != "intentd" {
		t.Fatalf("server name %q, want intentd", info.Server)
	}
	if info.IntentsCount != 0 || info.AgentsCount != 0 {
		t.Fatalf("fresh server reports %d intents %d agents", info.IntentsCount, info.AgentsCount)
	}
	if len(info.Capabilities) == 0 {
		t.Fatalf("capabilities missing")
	}

	declared, err := cli.DeclareIntent(ctx, api.DeclareParams{
		Goal:        "deploy staging",
		Description: "roll out build 42 to the staging cluster",
	})
	if err != nil {
		t.Fatalf("intent/declare: %v", err)
	}
	if declared.IntentID == "" || declared.Status != api.IntentStatusDeclared {
		t.Fatalf("unexpected declare result %+v", declared)
	}

	spawned, err := cli.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{
		{Name: "linter", Capabilities: []string{"static-analysis"}},
		{Name: "tester", Capabilities: []string{"integration-tests"}},
		{Name: "auditor", Capabilities: []string{"compliance"}},
	}})
	if err != nil {
		t.Fatalf("agent/spawn: %v", err)
	}
	if spawned.Count != 3 || len(spawned.Agents) != 3 {
		t.Fatalf("spawned %d agents, want 3", spawned.Count)
	}

	for i, agent := range spawned.Agents {
		evidence := json.RawMessage(fmt.Sprintf(`{"check":%d,"pass":true}`, i))
		res, err := cli.VerifyIntent(ctx, api.VerifyParams{
			IntentID: declared.IntentID,
			AgentID:  agent.AgentID,
			Evidence: evidence,
		})
		if err != nil {
			t.Fatalf("intent/verify #%d: %v", i+1, err)
		}
		if res.TotalProofs != i+1 {
			t.Fatalf("verify #%d reported %d proofs", i+1, res.TotalProofs)
		}
		wantVerified := i+1 >= intentd.DefaultVerifyQuorum
		if res.Verified != wantVerified {
			t.Fatalf("verify #%d verified=%v, want %v", i+1, res.Verified, wantVerified)
		}
	}

	status, err := cli.IntentStatus(ctx, declared.IntentID)
	if err != nil {
		t.Fatalf("intent/status: %v", err)
	}
	if !status.Verified || status.Status != api.IntentStatusVerified {
		t.Fatalf("intent not verified after quorum: %+v", status)
	}
	if len(status.VerificationProofs) != 3 || status.VerificationCount != 3 {
		t.Fatalf("want 3 proofs, got %+v", status)
	}

	list, err := cli.ListIntents(ctx)
	if err != nil {
		t.Fatalf("intent/list: %v", err)
	}
	if list.Count != 1 || len(list.Intents) != 1 || list.Intents[0].ID != declared.IntentID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestServerErrorMapping(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()

	_, err := ts.Client.IntentStatus(ctx, "intent-that-does-not-exist")
	if !client.IsRPCError(err, api.CodeNotFound) {
		t.Fatalf("want not-found rpc error, got %v", err)
	}
	_, err = ts.Client.DeclareIntent(ctx, api.DeclareParams{})
	if !client.IsRPCError(err, api.CodeInvalidParams) {
		t.Fatalf("want invalid-params rpc error, got %v", err)
	}
	_, err = ts.Client.VerifyIntent(ctx, api.VerifyParams{
		IntentID: "missing",
		Evidence: json.RawMessage(`{"ok":true}`),
	})
	if !client.IsRPCError(err, api.CodeNotFound) {
		t.Fatalf("want not-found for verify of unknown intent, got %v", err)
	}
}

func TestServerTrustUpdate(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()

	spawned, err := ts.Client.SpawnAgents(ctx, api.SpawnParams{Agents: []api.AgentSpec{
		{Name: "reviewer", Capabilities: []string{"code-review"}},
	}})
	if err != nil {
		t.Fatalf("agent/spawn: %v", err)
	}
	agentID := spawned.Agents[0].AgentID
	res, err := ts.Client.SetTrust(ctx, agentID, 0.9)
	if err != nil {
		t.Fatalf("agent/trust: %v", err)
	}
	if res.TrustScore != 0.9 {
		t.Fatalf("trust score %v, want 0.9", res.TrustScore)
	}
	_, err = ts.Client.SetTrust(ctx, agentID, 1.5)
	if !client.IsRPCError(err, api.CodeInvalidParams) {
		t.Fatalf("want invalid-params for out-of-range score, got %v", err)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()

	declared, err := ts.Client.DeclareIntent(ctx, api.DeclareParams{Goal: "parallel verify"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	const clients = 6
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cli, err := ts.NewClient()
			if err != nil {
				errs <- err
				return
			}
			defer cli.Close()
			_, err = cli.VerifyIntent(ctx, api.VerifyParams{
				IntentID: declared.IntentID,
				Evidence: json.RawMessage(fmt.Sprintf(`{"worker":%d}`, n)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent verify: %v", err)
		}
	}

	status, err := ts.Client.IntentStatus(ctx, declared.IntentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.VerificationCount != clients {
		t.Fatalf("verification count %d, want %d", status.VerificationCount, clients)
	}
	if !status.Verified {
		t.Fatalf("intent should be verified after %d proofs", clients)
	}
}

func TestServerEventLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.ndjson")
	ts := intentd.StartTestServer(t, intentd.WithTestConfigFunc(func(cfg *intentd.Config) {
		cfg.EventLog = logPath
	}))
	ctx := context.Background()

	declared, err := ts.Client.DeclareIntent(ctx, api.DeclareParams{Goal: "audited work"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	for i := 0; i < intentd.DefaultVerifyQuorum; i++ {
		if _, err := ts.Client.VerifyIntent(ctx, api.VerifyParams{IntentID: declared.IntentID}); err != nil {
			t.Fatalf("verify #%d: %v", i+1, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()
	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev struct {
			Type    string `json:"event_type"`
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode event line: %v", err)
		}
		if ev.Subject != declared.IntentID {
			t.Fatalf("event subject %q, want %q", ev.Subject, declared.IntentID)
		}
		types = append(types, ev.Type)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan event log: %v", err)
	}
	want := []string{"intent.declared"}
	for i := 0; i < intentd.DefaultVerifyQuorum; i++ {
		want = append(want, "intent.verified")
	}
	if len(types) != len(want) {
		t.Fatalf("event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d is %q, want %q", i, types[i], want[i])
		}
	}
}

func TestStartServerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	srv, stop, err := intentd.StartServer(ctx, intentd.Config{Listen: "127.0.0.1:0"},
		intentd.WithLogger(intentd.NewTestingLogger(t, pslog.InfoLevel)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(context.Background())
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatalf("no listener address after ready")
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for {
		cli, err := client.New(addr.String(), client.WithDialTimeout(200*time.Millisecond))
		if err != nil {
			break
		}
		_ = cli.Close()
		if time.Now().After(deadline) {
			t.Fatalf("server still accepting connections after context cancel")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop after cancel: %v", err)
	}
}
