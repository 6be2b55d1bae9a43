package rpcapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
)

// ServerConfig controls the TCP listener.
type ServerConfig struct {
	Handler *Handler
	Logger  pslog.Logger
	// MaxLineBytes caps one request line; longer lines close the connection.
	MaxLineBytes int64
	// RequestTimeout bounds handling of a single request.
	RequestTimeout time.Duration
}

// Server accepts TCP connections and serves one JSON-RPC request per line.
// Requests on a connection are handled sequentially; responses go back in
// request order.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	logger   pslog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer wraps an already-bound listener.
func NewServer(listener net.Listener, cfg ServerConfig) (*Server, error) {
	if listener == nil {
		return nil, errors.New("rpcapi: listener is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("rpcapi: handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		listener: listener,
		logger:   cfg.Logger,
		conns:    map[net.Conn]struct{}{},
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpcapi: accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes every open connection, and waits for their
// handlers to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")
	defer logger.Debug("connection closed")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), int(s.cfg.MaxLineBytes))
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		resp := s.handleLine(ctx, logger, line)
		if resp == nil {
			continue
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			logger.Error("encode response", "error", err)
			return
		}
		payload = append(payload, '\n')
		if _, err := writer.Write(payload); err != nil {
			logger.Debug("write response", "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			logger.Debug("flush response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			logger.Warn("request line exceeds limit, dropping connection", "max_bytes", s.cfg.MaxLineBytes)
			return
		}
		logger.Debug("connection read", "error", err)
	}
}

// handleLine decodes one request line. A line that is not valid JSON yields a
// parse error response and leaves the connection open.
func (s *Server) handleLine(ctx context.Context, logger pslog.Logger, line []byte) *api.Response {
	var req api.Request
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Debug("parse error", "error", err)
		return &api.Response{
			JSONRPC: api.RPCVersion,
			ID:      json.RawMessage("null"),
			Error:   &api.RPCError{Code: api.CodeParse, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	ctx, cancel := requestTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx = pslog.ContextWithLogger(ctx, logger)

	begin := time.Now()
	resp := s.cfg.Handler.Handle(ctx, &req)
	elapsed := time.Since(begin)
	if resp.Error != nil {
		logger.Debug("rpc request failed", "method", req.Method, "code", resp.Error.Code, "message", resp.Error.Message, "elapsed", elapsed)
	} else {
		logger.Debug("rpc request served", "method", req.Method, "elapsed", elapsed)
	}
	return resp
}
