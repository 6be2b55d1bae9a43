// Package intentd exposes the Go APIs behind the single-binary intent
// verification coordination service. Callers declare intents, spawn
// verification agents, and submit proofs over newline-delimited JSON-RPC 2.0
// on TCP; once a configurable quorum of proofs lands, the intent flips to
// verified exactly once. The server is designed to run cleanly as PID 1, but
// the package also makes it easy to embed the server or talk to intentd from
// Go clients.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on `Config.Listen` (default 127.0.0.1:3000) and persists
// intents, agents, and verification proofs in the backend selected by
// `Config.Store` (mem://, disk:///path, or s3://bucket[/prefix]).
//
//	cfg := intentd.Config{
//	    Listen:       ":3000",
//	    Store:        "disk:///var/lib/intentd",
//	    VerifyQuorum: 3,
//	    EventLog:     "/var/log/intentd/events.ndjson",
//	}
//	srv, stop, err := intentd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// `StartServer` blocks until the listener is accepting connections and stops
// the server automatically when ctx is cancelled. For manual lifecycle
// control use `NewServer` plus `Server.Start` and `Server.Shutdown`.
//
// # Client SDK
//
// The Go client (`pkt.systems/intentd/client`) wraps the JSON-RPC protocol.
// One Client multiplexes calls over a single TCP connection; concurrent
// callers are serialized and responses matched by request id.
//
//	cli, err := client.New("127.0.0.1:3000")
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//	declared, err := cli.DeclareIntent(ctx, api.DeclareParams{Goal: "deploy v2"})
//	if err != nil { log.Fatal(err) }
//	res, err := cli.VerifyIntent(ctx, api.VerifyParams{
//	    IntentID: declared.IntentID,
//	    Evidence: json.RawMessage(`{"tests":"green"}`),
//	})
//	if err != nil { log.Fatal(err) }
//	if res.Verified {
//	    log.Printf("%s verified with %d proofs", res.IntentID, res.TotalProofs)
//	}
//
// Server-side failures surface as `*api.RPCError`; match codes with
// `client.IsRPCError(err, api.CodeNotFound)` and friends.
//
// # Event stream
//
// Every committed mutation (intent.declared, agent.spawned, and one
// intent.verified per recorded proof, carrying the agent, verification id,
// and evidence) is appended to the configured emitters after the mutation
// commits. `Config.EventLog` writes NDJSON to disk, and `WithEmitter` plugs
// in custom sinks. Append order for a given intent equals commit order.
//
// # Testing
//
// `StartTestServer` boots a server on an ephemeral loopback port with an
// in-memory store and a connected client, and tears everything down via
// t.Cleanup. `NewTestingLogger` routes structured logs through testing.TB so
// failures carry the server's log context.
package intentd
