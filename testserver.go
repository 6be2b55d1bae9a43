package intentd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd/client"
	"pkt.systems/intentd/internal/storage"
)

// TestServer wraps a running intentd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).LogLevel(level).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Backend exposes the storage backend used by the server.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	addr := ts.Addr()
	if addr == nil {
		return nil, fmt.Errorf("test server has no listener")
	}
	return client.New(addr.String(), opts...)
}

type testServerOptions struct {
	cfg           Config
	cfgSet        bool
	mutators      []func(*Config)
	backend       storage.Backend
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
}

// TestServerOption customises StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before
// start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestStore sets the storage URL while still defaulting other values.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestBackend injects a pre-built backend (shared between servers if
// desired).
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClientOptions appends client options used when auto-constructing
// the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// StartTestServer boots a server on an ephemeral loopback port and returns a
// handle wired with a connected client. The server stops automatically via
// t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := startTestServer(t, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func startTestServer(t testing.TB, opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{startTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if !o.cfgSet {
		cfg = Config{Store: "mem://"}
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	for _, fn := range o.mutators {
		fn(&cfg)
	}

	logger := o.logger
	if logger == nil {
		logger = NewTestingLogger(t, pslog.DebugLevel)
	}
	serverOpts := []Option{WithLogger(logger)}
	if o.backend != nil {
		serverOpts = append(serverOpts, WithBackend(o.backend))
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.startTimeout)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("server reported ready without listener address")
	}
	ts := &TestServer{
		Server:   srv,
		Listener: addr,
		Config:   cfg,
		stop:     stop,
		backend:  o.backend,
	}
	if !o.disableClient {
		cli, err := client.New(addr.String(), o.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("connect test client: %w", err)
		}
		ts.Client = cli
	}
	return ts, nil
}
