// Package api defines the wire and persistence types shared by the intentd
// server, storage backends, and the Go client.
package api

import (
	"encoding/json"
	"time"
)

// Intent lifecycle states.
const (
	IntentStatusDeclared = "declared"
	IntentStatusVerified = "verified"
)

// Intent is a declared goal awaiting (or having reached) verification quorum.
// The proofs slice preserves submission order.
type Intent struct {
	ID                 string    `json:"id"`
	Goal               string    `json:"goal"`
	Description        string    `json:"description,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	Verified           bool      `json:"verified"`
	VerificationCount  int       `json:"verification_count"`
	VerificationProofs []string  `json:"verification_proofs"`
}

// Agent is a spawned verification agent. TrustScore stays within [0,1] and
// defaults to 0.5; intentd stores it but applies no scoring policy.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Capabilities []string  `json:"capabilities"`
	TrustScore   float64   `json:"trust_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// Verification is an immutable proof submitted against an intent. Evidence is
// stored verbatim (compacted) and never interpreted.
type Verification struct {
	ID        string          `json:"id"`
	IntentID  string          `json:"intent_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Evidence  json.RawMessage `json:"evidence"`
	Timestamp time.Time       `json:"timestamp"`
}

// AgentSpec describes one agent to spawn.
type AgentSpec struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// DeclareParams carries intent/declare parameters.
type DeclareParams struct {
	Goal        string `json:"goal"`
	Description string `json:"description,omitempty"`
}

// DeclareResult is the intent/declare response payload.
type DeclareResult struct {
	IntentID  string    `json:"intent_id"`
	Status    string    `json:"status"`
	Goal      string    `json:"goal"`
	Timestamp time.Time `json:"timestamp"`
}

// SpawnParams carries agent/spawn parameters.
type SpawnParams struct {
	Agents []AgentSpec `json:"agents"`
}

// SpawnedAgent is one element of the agent/spawn response.
type SpawnedAgent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// SpawnResult is the agent/spawn response payload.
type SpawnResult struct {
	Agents []SpawnedAgent `json:"agents"`
	Count  int            `json:"count"`
}

// VerifyParams carries intent/verify parameters. AgentID is optional on the
// wire; when present it must reference a known agent.
type VerifyParams struct {
	IntentID string          `json:"intent_id"`
	AgentID  string          `json:"agent_id,omitempty"`
	Evidence json.RawMessage `json:"evidence"`
}

// VerifyResult is the intent/verify response payload.
type VerifyResult struct {
	IntentID       string `json:"intent_id"`
	VerificationID string `json:"verification_id"`
	Verified       bool   `json:"verified"`
	TotalProofs    int    `json:"total_proofs"`
	Status         string `json:"status"`
}

// ListResult is the intent/list response payload; intents appear in
// declaration order.
type ListResult struct {
	Count   int      `json:"count"`
	Intents []Intent `json:"intents"`
}

// StatusParams carries intent/status parameters.
type StatusParams struct {
	IntentID string `json:"intent_id"`
}

// TrustParams carries agent/trust parameters.
type TrustParams struct {
	AgentID    string   `json:"agent_id"`
	TrustScore *float64 `json:"trust_score"`
}

// TrustResult is the agent/trust response payload.
type TrustResult struct {
	AgentID    string  `json:"agent_id"`
	TrustScore float64 `json:"trust_score"`
}

// ProcessStats is a point-in-time snapshot of the serving process reported by
// system/info.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	NumGoroutines int     `json:"num_goroutines"`
	NumCPU        int     `json:"num_cpu"`
}

// SystemInfoResult is the system/info response payload.
type SystemInfoResult struct {
	Server       string        `json:"server"`
	Version      string        `json:"version"`
	IntentsCount int           `json:"intents_count"`
	AgentsCount  int           `json:"agents_count"`
	Capabilities []string      `json:"capabilities"`
	Process      *ProcessStats `json:"process,omitempty"`
}
