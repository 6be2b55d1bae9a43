package api

import "encoding/json"

// RPCVersion is the protocol version stamped on every envelope.
const RPCVersion = "2.0"

// Recognized method names.
const (
	MethodSystemInfo    = "system/info"
	MethodIntentDeclare = "intent/declare"
	MethodIntentVerify  = "intent/verify"
	MethodIntentList    = "intent/list"
	MethodIntentStatus  = "intent/status"
	MethodAgentSpawn    = "agent/spawn"
	MethodAgentTrust    = "agent/trust"
)

// JSON-RPC 2.0 error codes. CodeNotFound uses the server-defined range for
// unknown intent/agent references.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotFound       = -32004
)

// Request is one newline-delimited JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the single reply produced for each request line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the structured error envelope.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// Methods lists every method the server dispatches, in a stable order
// suitable for the system/info capabilities field.
func Methods() []string {
	return []string{
		MethodIntentDeclare,
		MethodIntentVerify,
		MethodIntentList,
		MethodIntentStatus,
		MethodAgentSpawn,
		MethodAgentTrust,
		MethodSystemInfo,
	}
}
