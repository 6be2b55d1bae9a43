// Package rpcapi serves the newline-delimited JSON-RPC 2.0 surface over TCP.
package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/core"
	"pkt.systems/intentd/internal/version"
)

// ServerName identifies the service in system/info responses.
const ServerName = "intentd"

// Handler dispatches decoded JSON-RPC requests to the core service.
type Handler struct {
	service *core.Service
	logger  pslog.Logger
	tracer  trace.Tracer
	proc    *process.Process
}

// NewHandler builds a Handler around svc.
func NewHandler(svc *core.Service, logger pslog.Logger) *Handler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug("process stats unavailable", "error", err)
		proc = nil
	}
	return &Handler{
		service: svc,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/intentd/rpcapi"),
		proc:    proc,
	}
}

// Handle produces the response for one request envelope. It never returns
// nil; protocol errors become error responses so the connection stays usable.
func (h *Handler) Handle(ctx context.Context, req *api.Request) (resp *api.Response) {
	ctx, span := h.tracer.Start(ctx, "intentd.rpc", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("intentd.rpc.method", req.Method))

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("rpc handler panic", "method", req.Method, "panic", r)
			span.SetStatus(codes.Error, "panic")
			resp = errorResponse(req.ID, api.CodeInternal, "internal error")
		}
	}()

	if req.JSONRPC != api.RPCVersion {
		span.SetStatus(codes.Error, "invalid_request")
		return errorResponse(req.ID, api.CodeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		span.SetStatus(codes.Error, "invalid_request")
		return errorResponse(req.ID, api.CodeInvalidRequest, "method is required")
	}

	result, err := h.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, core.FailureCode(err))
		return failureResponse(req.ID, err)
	}
	span.SetStatus(codes.Ok, "")
	return resultResponse(req.ID, result)
}

func (h *Handler) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case api.MethodSystemInfo:
		return h.systemInfo(ctx)
	case api.MethodIntentDeclare:
		var p api.DeclareParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		intent, err := h.service.DeclareIntent(ctx, p)
		if err != nil {
			return nil, err
		}
		return api.DeclareResult{
			IntentID:  intent.ID,
			Status:    intent.Status,
			Goal:      intent.Goal,
			Timestamp: intent.CreatedAt,
		}, nil
	case api.MethodAgentSpawn:
		var p api.SpawnParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		agents, err := h.service.SpawnAgents(ctx, p)
		if err != nil {
			return nil, err
		}
		spawned := make([]api.SpawnedAgent, 0, len(agents))
		for _, agent := range agents {
			spawned = append(spawned, api.SpawnedAgent{AgentID: agent.ID, Status: "active"})
		}
		return api.SpawnResult{Agents: spawned, Count: len(spawned)}, nil
	case api.MethodIntentVerify:
		var p api.VerifyParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.service.VerifyIntent(ctx, p)
	case api.MethodIntentList:
		intents, err := h.service.ListIntents(ctx)
		if err != nil {
			return nil, err
		}
		list := make([]api.Intent, 0, len(intents))
		for _, intent := range intents {
			list = append(list, *intent)
		}
		return api.ListResult{Count: len(list), Intents: list}, nil
	case api.MethodIntentStatus:
		var p api.StatusParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.service.GetIntent(ctx, p.IntentID)
	case api.MethodAgentTrust:
		var p api.TrustParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.TrustScore == nil {
			return nil, core.InvalidParams("trust_score is required")
		}
		agent, err := h.service.SetTrustScore(ctx, p.AgentID, *p.TrustScore)
		if err != nil {
			return nil, err
		}
		return api.TrustResult{AgentID: agent.ID, TrustScore: agent.TrustScore}, nil
	default:
		return nil, &api.RPCError{Code: api.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func (h *Handler) systemInfo(ctx context.Context) (any, error) {
	intents, agents, err := h.service.Counts(ctx)
	if err != nil {
		return nil, err
	}
	info := api.SystemInfoResult{
		Server:       ServerName,
		Version:      version.Current(),
		IntentsCount: intents,
		AgentsCount:  agents,
		Capabilities: api.Methods(),
	}
	stats := api.ProcessStats{
		PID:           int32(os.Getpid()),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
	}
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			stats.RSSBytes = mem.RSS
		}
		if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = cpu
		}
	}
	info.Process = &stats
	return info, nil
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return core.InvalidParams("decode params: %v", err)
	}
	return nil
}

func resultResponse(id json.RawMessage, result any) *api.Response {
	payload, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, api.CodeInternal, fmt.Sprintf("encode result: %v", err))
	}
	return &api.Response{JSONRPC: api.RPCVersion, ID: normalizeID(id), Result: payload}
}

func errorResponse(id json.RawMessage, code int, message string) *api.Response {
	return &api.Response{
		JSONRPC: api.RPCVersion,
		ID:      normalizeID(id),
		Error:   &api.RPCError{Code: code, Message: message},
	}
}

// failureResponse maps service failures onto the JSON-RPC error taxonomy.
func failureResponse(id json.RawMessage, err error) *api.Response {
	if rpcErr, ok := err.(*api.RPCError); ok {
		return &api.Response{JSONRPC: api.RPCVersion, ID: normalizeID(id), Error: rpcErr}
	}
	code := api.CodeInternal
	switch core.FailureCode(err) {
	case core.CodeInvalidParams:
		code = api.CodeInvalidParams
	case core.CodeNotFound:
		code = api.CodeNotFound
	}
	return errorResponse(id, code, err.Error())
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// requestTimeout guards the ctx used for one request.
func requestTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
