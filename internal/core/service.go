// Package core implements the intent verification service: declaring intents,
// spawning agents, recording verification proofs, and flipping an intent to
// verified once enough independent proofs arrive.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/clock"
	"pkt.systems/intentd/internal/events"
	"pkt.systems/intentd/internal/jsonutil"
	"pkt.systems/intentd/internal/storage"
	"pkt.systems/intentd/internal/uuidv7"
)

// Defaults applied by NewService when Config leaves a field zero.
const (
	DefaultVerifyQuorum     = 3
	DefaultEvidenceMaxBytes = 1 << 20
)

// Config wires a Service together.
type Config struct {
	Store   storage.Backend
	Emitter events.Emitter
	Clock   clock.Clock
	Logger  pslog.Logger
	// VerifyQuorum is the number of proofs required before an intent flips to
	// verified.
	VerifyQuorum int
	// EvidenceMaxBytes caps the size of a single evidence document.
	EvidenceMaxBytes int64
}

// Service coordinates intents, agents, and verification proofs on top of a
// storage backend. All methods are safe for concurrent use.
type Service struct {
	store   storage.Backend
	emitter events.Emitter
	clock   clock.Clock
	logger  pslog.Logger
	quorum  int
	maxEv   int64
	metrics *serviceMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService validates cfg and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("core: storage backend is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.VerifyQuorum <= 0 {
		cfg.VerifyQuorum = DefaultVerifyQuorum
	}
	if cfg.EvidenceMaxBytes <= 0 {
		cfg.EvidenceMaxBytes = DefaultEvidenceMaxBytes
	}
	return &Service{
		store:   cfg.Store,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		quorum:  cfg.VerifyQuorum,
		maxEv:   cfg.EvidenceMaxBytes,
		metrics: newServiceMetrics(cfg.Logger),
		locks:   map[string]*sync.Mutex{},
	}, nil
}

// VerifyQuorum returns the configured proof quorum.
func (s *Service) VerifyQuorum() int { return s.quorum }

// DeclareIntent registers a new intent in declared state and emits an
// intent.declared event.
func (s *Service) DeclareIntent(ctx context.Context, params api.DeclareParams) (*api.Intent, error) {
	var err error
	defer func() { s.metrics.recordDeclare(ctx, err) }()

	if params.Goal == "" {
		err = InvalidParams("goal is required")
		return nil, err
	}
	intent := &api.Intent{
		ID:                 uuidv7.NewString(),
		Goal:               params.Goal,
		Description:        params.Description,
		Status:             api.IntentStatusDeclared,
		CreatedAt:          s.clock.Now(),
		VerificationProofs: []string{},
	}
	if err = s.store.PutIntent(ctx, intent); err != nil {
		err = Internal(fmt.Errorf("store intent: %w", err))
		return nil, err
	}
	s.emit(ctx, events.Event{
		Timestamp: intent.CreatedAt,
		Type:      events.TypeIntentDeclared,
		Subject:   intent.ID,
		Data:      mustEventData(map[string]any{"goal": intent.Goal}),
	})
	s.logger.Info("intent declared", "intent", intent.ID, "goal", intent.Goal)
	return storage.CloneIntent(intent), nil
}

// SpawnAgents registers the requested agents with a default trust score and
// emits one agent.spawned event per agent.
func (s *Service) SpawnAgents(ctx context.Context, params api.SpawnParams) ([]*api.Agent, error) {
	var err error
	defer func(n int) { s.metrics.recordSpawn(ctx, n, err) }(len(params.Agents))

	if len(params.Agents) == 0 {
		err = InvalidParams("agents must contain at least one entry")
		return nil, err
	}
	agents := make([]*api.Agent, 0, len(params.Agents))
	for _, spec := range params.Agents {
		agents = append(agents, &api.Agent{
			ID:           uuidv7.NewString(),
			Name:         spec.Name,
			Capabilities: append([]string{}, spec.Capabilities...),
			TrustScore:   0.5,
			CreatedAt:    s.clock.Now(),
		})
	}
	for i, agent := range agents {
		if err = s.store.PutAgent(ctx, agent); err != nil {
			// Earlier agents in the batch are already committed; name them
			// so the caller knows which registrations survived.
			committed := make([]string, i)
			for j := 0; j < i; j++ {
				committed[j] = agents[j].ID
			}
			err = Internal(fmt.Errorf("store agent %q (committed before failure: %s): %w",
				agent.Name, strings.Join(committed, ","), err))
			return nil, err
		}
		s.emit(ctx, events.Event{
			Timestamp: agent.CreatedAt,
			Type:      events.TypeAgentSpawned,
			Subject:   agent.ID,
			Data:      mustEventData(map[string]any{"name": agent.Name, "capabilities": agent.Capabilities}),
		})
	}
	s.logger.Info("agents spawned", "count", len(agents))
	return agents, nil
}

// VerifyIntent records a proof against an intent and emits one
// intent.verified event per committed proof, carrying the agent, the
// verification id, and the evidence. The intent flips to verified exactly
// once, on the submission that reaches the quorum. Proofs past the quorum
// are still recorded.
func (s *Service) VerifyIntent(ctx context.Context, params api.VerifyParams) (*api.VerifyResult, error) {
	begin := time.Now()
	var err error
	crossed := false
	defer func() { s.metrics.recordVerify(ctx, crossed, time.Since(begin), err) }()

	if params.IntentID == "" {
		err = InvalidParams("intent_id is required")
		return nil, err
	}
	evidence := params.Evidence
	if len(evidence) > 0 {
		evidence, err = jsonutil.Compact(evidence, s.maxEv)
		if err != nil {
			err = InvalidParams("evidence: %v", err)
			return nil, err
		}
	}
	if params.AgentID != "" {
		if _, err = s.store.GetAgent(ctx, params.AgentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = NotFound("agent %s not found", params.AgentID)
				return nil, err
			}
			err = Internal(fmt.Errorf("load agent: %w", err))
			return nil, err
		}
	}

	unlock := s.lockIntent(params.IntentID)
	defer unlock()

	intent, err := s.store.GetIntent(ctx, params.IntentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = NotFound("intent %s not found", params.IntentID)
			return nil, err
		}
		err = Internal(fmt.Errorf("load intent: %w", err))
		return nil, err
	}

	proof := &api.Verification{
		ID:        uuidv7.NewString(),
		IntentID:  intent.ID,
		AgentID:   params.AgentID,
		Evidence:  evidence,
		Timestamp: s.clock.Now(),
	}
	if err = s.store.PutVerification(ctx, proof); err != nil {
		err = Internal(fmt.Errorf("store verification: %w", err))
		return nil, err
	}

	intent.VerificationCount++
	intent.VerificationProofs = append(intent.VerificationProofs, proof.ID)
	if !intent.Verified && intent.VerificationCount >= s.quorum {
		crossed = true
		intent.Verified = true
		intent.Status = api.IntentStatusVerified
	}
	if err = s.store.PutIntent(ctx, intent); err != nil {
		err = Internal(fmt.Errorf("store intent: %w", err))
		return nil, err
	}
	data := map[string]any{
		"agent_id":        proof.AgentID,
		"verification_id": proof.ID,
		"total_proofs":    intent.VerificationCount,
	}
	if len(proof.Evidence) > 0 {
		data["evidence"] = proof.Evidence
	}
	s.emit(ctx, events.Event{
		Timestamp: proof.Timestamp,
		Type:      events.TypeIntentVerified,
		Subject:   intent.ID,
		Data:      mustEventData(data),
	})
	if crossed {
		s.logger.Info("intent verified", "intent", intent.ID, "proofs", intent.VerificationCount)
	} else {
		s.logger.Debug("verification recorded",
			"intent", intent.ID,
			"proofs", intent.VerificationCount,
			"quorum", s.quorum,
		)
	}
	return &api.VerifyResult{
		IntentID:       intent.ID,
		VerificationID: proof.ID,
		Verified:       intent.Verified,
		TotalProofs:    intent.VerificationCount,
		Status:         intent.Status,
	}, nil
}

// GetIntent returns one intent by id.
func (s *Service) GetIntent(ctx context.Context, id string) (*api.Intent, error) {
	if id == "" {
		return nil, InvalidParams("intent_id is required")
	}
	intent, err := s.store.GetIntent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("intent %s not found", id)
		}
		return nil, Internal(fmt.Errorf("load intent: %w", err))
	}
	return intent, nil
}

// ListIntents returns every intent in declaration order.
func (s *Service) ListIntents(ctx context.Context) ([]*api.Intent, error) {
	intents, err := s.store.ListIntents(ctx)
	if err != nil {
		return nil, Internal(fmt.Errorf("list intents: %w", err))
	}
	return intents, nil
}

// GetAgent returns one agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	if id == "" {
		return nil, InvalidParams("agent_id is required")
	}
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("agent %s not found", id)
		}
		return nil, Internal(fmt.Errorf("load agent: %w", err))
	}
	return agent, nil
}

// ListAgents returns every agent in creation order.
func (s *Service) ListAgents(ctx context.Context) ([]*api.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, Internal(fmt.Errorf("list agents: %w", err))
	}
	return agents, nil
}

// SetTrustScore updates an agent's trust score. Scores outside [0,1] are
// rejected rather than clamped.
func (s *Service) SetTrustScore(ctx context.Context, id string, score float64) (*api.Agent, error) {
	if id == "" {
		return nil, InvalidParams("agent_id is required")
	}
	if score < 0 || score > 1 {
		return nil, InvalidParams("trust_score must be within [0,1], got %v", score)
	}
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("agent %s not found", id)
		}
		return nil, Internal(fmt.Errorf("load agent: %w", err))
	}
	agent.TrustScore = score
	if err := s.store.PutAgent(ctx, agent); err != nil {
		return nil, Internal(fmt.Errorf("store agent: %w", err))
	}
	s.logger.Info("trust score updated", "agent", id, "trust_score", score)
	return agent, nil
}

// Counts returns the number of known intents and agents.
func (s *Service) Counts(ctx context.Context) (intents, agents int, err error) {
	list, err := s.store.ListIntents(ctx)
	if err != nil {
		return 0, 0, Internal(fmt.Errorf("list intents: %w", err))
	}
	agentList, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, 0, Internal(fmt.Errorf("list agents: %w", err))
	}
	return len(list), len(agentList), nil
}

// lockIntent serializes verification submissions per intent so the quorum
// transition fires exactly once and event order matches commit order.
func (s *Service) lockIntent(id string) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// emit forwards an event and logs failures instead of failing the operation;
// the registries remain the source of truth.
func (s *Service) emit(ctx context.Context, ev events.Event) {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Warn("event emit failed", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}

func mustEventData(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
