// Package events provides the append-only observability stream for intent
// lifecycle transitions. Emitters observe committed mutations; they never own
// or modify domain state.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types appended to the stream.
const (
	TypeIntentDeclared = "intent.declared"
	TypeAgentSpawned   = "agent.spawned"
	TypeIntentVerified = "intent.verified"
)

// Event is a write-once record of a committed state transition.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"event_type"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Emitter appends events to an observability stream. Emit is called
// synchronously after the corresponding mutation commits; append order for a
// given subject equals commit order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Noop discards all events.
type Noop struct{}

// Emit implements Emitter.
func (Noop) Emit(context.Context, Event) error { return nil }
