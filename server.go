package intentd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd/internal/clock"
	"pkt.systems/intentd/internal/core"
	"pkt.systems/intentd/internal/events"
	"pkt.systems/intentd/internal/rpcapi"
	"pkt.systems/intentd/internal/storage"
	loggingbackend "pkt.systems/intentd/internal/storage/logging"
	"pkt.systems/intentd/internal/storage/retry"
)

// Server wraps the TCP JSON-RPC listener, storage backend, and supporting
// components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	service      *core.Service
	rpcSrv       *rpcapi.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	eventLog     *events.Log
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	cancel    context.CancelFunc
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	Emitter      events.Emitter
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithEmitter adds an extra event emitter alongside the configured ones.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) {
		o.Emitter = e
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs an intentd server according to cfg.
// Example:
//
//	cfg := intentd.Config{Store: "mem://", Listen: "127.0.0.1:3000"}
//	srv, err := intentd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	var telemetry *telemetryBundle
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	var err error
	telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:    otlpEndpoint,
		MetricsListen:   cfg.MetricsListen,
		PprofListen:     cfg.PprofListen,
		RuntimeProfiles: cfg.EnableProfilingMetrics,
	}, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}

	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		backend, err = openBackend(cfg)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
		ownedBackend = true
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	storageLogger := logger.With("svc", "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), cfg.Store)
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	cleanup := func() {
		if ownedBackend {
			_ = backend.Close()
		}
		shutdownTelemetry()
	}

	var emitters events.Fanout
	var eventLog *events.Log
	if cfg.EventLog != "" {
		eventLog, err = events.NewLog(events.LogConfig{Path: cfg.EventLog, Sync: cfg.EventLogSync})
		if err != nil {
			cleanup()
			return nil, err
		}
		emitters = append(emitters, eventLog)
	}
	emitters = append(emitters, events.NewLogger(logger))
	if o.Emitter != nil {
		emitters = append(emitters, o.Emitter)
	}

	service, err := core.NewService(core.Config{
		Store:            backend,
		Emitter:          emitters,
		Clock:            serverClock,
		Logger:           logger.With("svc", "core"),
		VerifyQuorum:     cfg.VerifyQuorum,
		EvidenceMaxBytes: cfg.EvidenceMaxBytes,
	})
	if err != nil {
		if eventLog != nil {
			_ = eventLog.Close()
		}
		cleanup()
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		logger:    logger.With("svc", "server"),
		backend:   backend,
		service:   service,
		clock:     serverClock,
		telemetry: telemetry,
		eventLog:  eventLog,
		readyCh:   make(chan struct{}),
	}, nil
}

// Service exposes the core service, primarily for embedding and tests.
func (s *Server) Service() *core.Service { return s.service }

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	handler := rpcapi.NewHandler(s.service, s.logger.With("svc", "rpc"))
	rpcSrv, err := rpcapi.NewServer(ln, rpcapi.ServerConfig{
		Handler:        handler,
		Logger:         s.logger.With("svc", "rpc"),
		MaxLineBytes:   s.cfg.MaxLineBytes,
		RequestTimeout: s.cfg.RequestTimeout,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		cancel()
		_ = rpcSrv.Close()
		return nil
	}
	s.listener = ln
	s.rpcSrv = rpcSrv
	s.cancel = cancel
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", s.cfg.Store, "verify_quorum", s.service.VerifyQuorum())

	serveErr := rpcSrv.Serve(serveCtx)
	s.recordServeErr(serveErr)
	if serveErr != nil {
		return fmt.Errorf("rpc serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	rpcSrv := s.rpcSrv
	cancel := s.cancel
	s.rpcSrv = nil
	s.cancel = nil
	s.listener = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rpcSrv != nil {
		if err := rpcSrv.Close(); err != nil {
			return fmt.Errorf("rpc shutdown: %w", err)
		}
	}
	if s.eventLog != nil {
		if err := s.eventLog.Close(); err != nil {
			s.logger.Warn("event log close failed", "error", err)
		}
		s.eventLog = nil
	}
	if err := s.backend.Close(); err != nil {
		return err
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx == nil || telemetryCtx.Err() != nil {
			var cancelTelemetry context.CancelFunc
			telemetryCtx, cancelTelemetry = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTelemetry()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	return s.LastServeError()
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the listener. It is
// primarily useful for diagnostics; Shutdown already reports any fatal
// serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an intentd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := intentd.Config{Store: "mem://", Listen: "127.0.0.1:0"}
//	srv, stop, err := intentd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
