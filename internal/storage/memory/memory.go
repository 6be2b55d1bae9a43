// Package memory implements storage.Backend in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"sync"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
)

// Store keeps all records in maps plus insertion-order indexes.
type Store struct {
	mu            sync.RWMutex
	closed        bool
	intents       map[string]*api.Intent
	intentOrder   []string
	agents        map[string]*api.Agent
	agentOrder    []string
	verifications map[string][]*api.Verification // keyed by intent id, submission order
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		intents:       make(map[string]*api.Intent),
		agents:        make(map[string]*api.Agent),
		verifications: make(map[string][]*api.Verification),
	}
}

// PutIntent stores a copy of intent, replacing any prior record with the same id.
func (s *Store) PutIntent(_ context.Context, intent *api.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.intents[intent.ID]; !ok {
		s.intentOrder = append(s.intentOrder, intent.ID)
	}
	s.intents[intent.ID] = storage.CloneIntent(intent)
	return nil
}

// GetIntent returns a copy of the stored intent or storage.ErrNotFound.
func (s *Store) GetIntent(_ context.Context, id string) (*api.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	intent, ok := s.intents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneIntent(intent), nil
}

// ListIntents returns copies of all intents in creation order.
func (s *Store) ListIntents(_ context.Context) ([]*api.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*api.Intent, 0, len(s.intentOrder))
	for _, id := range s.intentOrder {
		out = append(out, storage.CloneIntent(s.intents[id]))
	}
	return out, nil
}

// PutAgent stores a copy of agent.
func (s *Store) PutAgent(_ context.Context, agent *api.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.agents[agent.ID]; !ok {
		s.agentOrder = append(s.agentOrder, agent.ID)
	}
	s.agents[agent.ID] = storage.CloneAgent(agent)
	return nil
}

// GetAgent returns a copy of the stored agent or storage.ErrNotFound.
func (s *Store) GetAgent(_ context.Context, id string) (*api.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	agent, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneAgent(agent), nil
}

// ListAgents returns copies of all agents in creation order.
func (s *Store) ListAgents(_ context.Context) ([]*api.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*api.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		out = append(out, storage.CloneAgent(s.agents[id]))
	}
	return out, nil
}

// PutVerification appends a copy of v to its intent's proof history.
func (s *Store) PutVerification(_ context.Context, v *api.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.verifications[v.IntentID] = append(s.verifications[v.IntentID], storage.CloneVerification(v))
	return nil
}

// ListVerifications returns copies of the proofs recorded for intentID in
// submission order.
func (s *Store) ListVerifications(_ context.Context, intentID string) ([]*api.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	stored := s.verifications[intentID]
	out := make([]*api.Verification, 0, len(stored))
	for _, v := range stored {
		out = append(out, storage.CloneVerification(v))
	}
	return out, nil
}

// Close marks the store closed; subsequent operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
