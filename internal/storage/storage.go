// Package storage defines the write-through persistence contract for intent,
// agent, and verification records. The in-memory registries remain the
// authoritative state; backends only mirror committed records.
package storage

import (
	"context"
	"errors"

	"pkt.systems/intentd/api"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Backend persists committed registry records. List operations return records
// in creation order. Implementations must be safe for concurrent use.
type Backend interface {
	PutIntent(ctx context.Context, intent *api.Intent) error
	GetIntent(ctx context.Context, id string) (*api.Intent, error)
	ListIntents(ctx context.Context) ([]*api.Intent, error)

	PutAgent(ctx context.Context, agent *api.Agent) error
	GetAgent(ctx context.Context, id string) (*api.Agent, error)
	ListAgents(ctx context.Context) ([]*api.Agent, error)

	PutVerification(ctx context.Context, v *api.Verification) error
	ListVerifications(ctx context.Context, intentID string) ([]*api.Verification, error)

	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// CloneIntent returns a deep copy of intent.
func CloneIntent(intent *api.Intent) *api.Intent {
	if intent == nil {
		return nil
	}
	out := *intent
	out.VerificationProofs = append([]string(nil), intent.VerificationProofs...)
	return &out
}

// CloneAgent returns a deep copy of agent.
func CloneAgent(agent *api.Agent) *api.Agent {
	if agent == nil {
		return nil
	}
	out := *agent
	out.Capabilities = append([]string(nil), agent.Capabilities...)
	return &out
}

// CloneVerification returns a deep copy of v.
func CloneVerification(v *api.Verification) *api.Verification {
	if v == nil {
		return nil
	}
	out := *v
	out.Evidence = append([]byte(nil), v.Evidence...)
	return &out
}
