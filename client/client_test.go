package client_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/intentd"
	"pkt.systems/intentd/api"
	"pkt.systems/intentd/client"
)

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t, intentd.WithoutTestClient())
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()
	ctx := context.Background()

	info, err := cli.SystemInfo(ctx)
	if err != nil {
		t.Fatalf("system/info: %v", err)
	}
	if info.Server != "intentd" || info.Version == "" {
		t.Fatalf("unexpected system info %+v", info)
	}

	declared, err := cli.DeclareIntent(ctx, api.DeclareParams{Goal: "ship release"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	got, err := cli.IntentStatus(ctx, declared.IntentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Goal != "ship release" || got.Status != api.IntentStatusDeclared {
		t.Fatalf("unexpected intent %+v", got)
	}
}

func TestClientErrorMapping(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()

	_, err := ts.Client.IntentStatus(ctx, "nope")
	if err == nil {
		t.Fatalf("expected not-found error")
	}
	rpcErr, ok := err.(*api.RPCError)
	if !ok {
		t.Fatalf("error type %T, want *api.RPCError", err)
	}
	if rpcErr.Code != api.CodeNotFound {
		t.Fatalf("code %d, want %d", rpcErr.Code, api.CodeNotFound)
	}
	if !client.IsRPCError(err, api.CodeNotFound) {
		t.Fatalf("IsRPCError mismatch for %v", err)
	}
	if client.IsRPCError(err, api.CodeInvalidParams) {
		t.Fatalf("IsRPCError matched the wrong code")
	}
}

func TestClientSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ts.Client.DeclareIntent(ctx, api.DeclareParams{
				Goal: fmt.Sprintf("task-%d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent declare: %v", err)
		}
	}

	list, err := ts.Client.ListIntents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Count != callers {
		t.Fatalf("count %d, want %d", list.Count, callers)
	}
}

func TestClientVerifyFlow(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t, intentd.WithTestConfigFunc(func(cfg *intentd.Config) {
		cfg.VerifyQuorum = 2
	}))
	ctx := context.Background()

	declared, err := ts.Client.DeclareIntent(ctx, api.DeclareParams{Goal: "two proofs suffice"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	first, err := ts.Client.VerifyIntent(ctx, api.VerifyParams{
		IntentID: declared.IntentID,
		Evidence: json.RawMessage(`{"pass":true}`),
	})
	if err != nil {
		t.Fatalf("verify #1: %v", err)
	}
	if first.Verified {
		t.Fatalf("verified after one proof with quorum 2")
	}
	second, err := ts.Client.VerifyIntent(ctx, api.VerifyParams{IntentID: declared.IntentID})
	if err != nil {
		t.Fatalf("verify #2: %v", err)
	}
	if !second.Verified || second.TotalProofs != 2 || second.Status != api.IntentStatusVerified {
		t.Fatalf("unexpected verify result %+v", second)
	}
}

func TestClientCallTimeout(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t, intentd.WithoutTestClient())
	cli, err := ts.NewClient(client.WithCallTimeout(2 * time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cli.SystemInfo(ctx); err != nil {
		t.Fatalf("system/info with deadline: %v", err)
	}
}

// A response that arrives after the call's deadline must not be mistaken for
// the answer to a later call; the client closes the connection instead of
// leaving the stream desynchronized.
func TestClientBrokenAfterTimeout(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		line, err := br.ReadBytes('\n')
		if err != nil {
			return
		}
		// Answer well past the caller's deadline, then hold the conn open.
		time.Sleep(500 * time.Millisecond)
		var req api.Request
		if json.Unmarshal(line, &req) == nil {
			resp, _ := json.Marshal(api.Response{
				JSONRPC: api.RPCVersion,
				ID:      req.ID,
				Result:  json.RawMessage(`{}`),
			})
			_, _ = conn.Write(append(resp, '\n'))
		}
		_, _ = br.ReadBytes('\n')
	}()

	cli, err := client.New(ln.Addr().String(), client.WithCallTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()

	if _, err := cli.SystemInfo(context.Background()); err == nil {
		t.Fatal("expected first call to time out")
	}
	_, err = cli.SystemInfo(context.Background())
	if err == nil {
		t.Fatal("expected client to be unusable after a timed-out call")
	}
	if !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected a closed-client error, got %v", err)
	}
}

func TestClientClosedConnection(t *testing.T) {
	t.Parallel()
	ts := intentd.StartTestServer(t, intentd.WithoutTestClient())
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := cli.SystemInfo(context.Background()); err == nil {
		t.Fatalf("expected error calling through a closed client")
	}
}
