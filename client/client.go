// Package client provides a Go client for the intentd JSON-RPC TCP protocol.
// One Client multiplexes calls over a single connection; requests are
// serialized and matched to responses by id.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
)

// Default client settings.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultCallTimeout  = 30 * time.Second
	DefaultMaxLineBytes = int64(1 << 20)
)

// Option configures a Client.
type Option func(*options)

type options struct {
	dialTimeout  time.Duration
	callTimeout  time.Duration
	maxLineBytes int64
	logger       pslog.Logger
}

// WithDialTimeout bounds the initial TCP dial.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithCallTimeout sets the default per-call deadline applied when the caller's
// context carries none.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithMaxResponseBytes caps one response line.
func WithMaxResponseBytes(n int64) Option {
	return func(o *options) {
		o.maxLineBytes = n
	}
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Client talks to one intentd server.
type Client struct {
	addr   string
	opts   options
	logger pslog.Logger

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  uint64
	closed  bool
}

// New dials addr (host:port) and returns a connected Client.
func New(addr string, opts ...Option) (*Client, error) {
	o := options{
		dialTimeout:  DefaultDialTimeout,
		callTimeout:  DefaultCallTimeout,
		maxLineBytes: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	conn, err := net.DialTimeout("tcp", addr, o.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), int(o.maxLineBytes))
	return &Client{
		addr:    addr,
		opts:    o,
		logger:  o.logger,
		conn:    conn,
		scanner: scanner,
	}, nil
}

// Close closes the underlying connection. Further calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// abort closes the connection and marks the client unusable. Called under
// c.mu after a transport failure: a timed-out or half-read call leaves the
// stream desynchronized, so the next call would read a stale response line.
func (c *Client) abort(err error) error {
	c.closed = true
	_ = c.conn.Close()
	return err
}

// call performs one JSON-RPC round trip. The connection carries one request
// at a time; concurrent callers queue on the client mutex. Transport
// failures (timeouts included) close the connection; dial a new client to
// retry.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client: closed")
	}

	c.nextID++
	id := c.nextID
	req := api.Request{
		JSONRPC: api.RPCVersion,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("client: marshal params: %w", err)
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	payload = append(payload, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return c.abort(fmt.Errorf("client: set deadline: %w", err))
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	begin := time.Now()
	if _, err := c.conn.Write(payload); err != nil {
		return c.abort(fmt.Errorf("client: write %s: %w", method, err))
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return c.abort(fmt.Errorf("client: read %s: %w", method, err))
		}
		return c.abort(fmt.Errorf("client: connection closed during %s", method))
	}
	var resp api.Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return c.abort(fmt.Errorf("client: decode response: %w", err))
	}
	if string(resp.ID) != strconv.FormatUint(id, 10) {
		return c.abort(fmt.Errorf("client: response id %s does not match request id %d", resp.ID, id))
	}
	c.logger.Debug("rpc call", "method", method, "elapsed", time.Since(begin))
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("client: decode %s result: %w", method, err)
		}
	}
	return nil
}

// SystemInfo returns server identity, entity counts, and capabilities.
func (c *Client) SystemInfo(ctx context.Context) (*api.SystemInfoResult, error) {
	var info api.SystemInfoResult
	if err := c.call(ctx, api.MethodSystemInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeclareIntent declares a new intent.
func (c *Client) DeclareIntent(ctx context.Context, params api.DeclareParams) (*api.DeclareResult, error) {
	var res api.DeclareResult
	if err := c.call(ctx, api.MethodIntentDeclare, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SpawnAgents registers verification agents.
func (c *Client) SpawnAgents(ctx context.Context, params api.SpawnParams) (*api.SpawnResult, error) {
	var res api.SpawnResult
	if err := c.call(ctx, api.MethodAgentSpawn, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyIntent submits a verification proof.
func (c *Client) VerifyIntent(ctx context.Context, params api.VerifyParams) (*api.VerifyResult, error) {
	var res api.VerifyResult
	if err := c.call(ctx, api.MethodIntentVerify, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListIntents lists every intent in declaration order.
func (c *Client) ListIntents(ctx context.Context) (*api.ListResult, error) {
	var res api.ListResult
	if err := c.call(ctx, api.MethodIntentList, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IntentStatus fetches one intent by id.
func (c *Client) IntentStatus(ctx context.Context, intentID string) (*api.Intent, error) {
	var res api.Intent
	if err := c.call(ctx, api.MethodIntentStatus, api.StatusParams{IntentID: intentID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetTrust updates an agent's trust score.
func (c *Client) SetTrust(ctx context.Context, agentID string, score float64) (*api.TrustResult, error) {
	var res api.TrustResult
	if err := c.call(ctx, api.MethodAgentTrust, api.TrustParams{AgentID: agentID, TrustScore: &score}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IsRPCError reports whether err is a server-side RPC error with the given
// code.
func IsRPCError(err error, code int) bool {
	rpcErr, ok := err.(*api.RPCError)
	return ok && rpcErr.Code == code
}
