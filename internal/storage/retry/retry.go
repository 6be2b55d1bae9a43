// Package retry decorates a storage backend with retries for transient
// failures, using exponential backoff between attempts.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/clock"
	"pkt.systems/intentd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) PutIntent(ctx context.Context, intent *api.Intent) error {
	return b.withRetry(ctx, "put_intent", intent.ID, func(ctx context.Context) error {
		return b.inner.PutIntent(ctx, intent)
	})
}

func (b *backend) GetIntent(ctx context.Context, id string) (*api.Intent, error) {
	var intent *api.Intent
	err := b.withRetry(ctx, "get_intent", id, func(ctx context.Context) error {
		var err error
		intent, err = b.inner.GetIntent(ctx, id)
		return err
	})
	return intent, err
}

func (b *backend) ListIntents(ctx context.Context) ([]*api.Intent, error) {
	var intents []*api.Intent
	err := b.withRetry(ctx, "list_intents", "", func(ctx context.Context) error {
		var err error
		intents, err = b.inner.ListIntents(ctx)
		return err
	})
	return intents, err
}

func (b *backend) PutAgent(ctx context.Context, agent *api.Agent) error {
	return b.withRetry(ctx, "put_agent", agent.ID, func(ctx context.Context) error {
		return b.inner.PutAgent(ctx, agent)
	})
}

func (b *backend) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	var agent *api.Agent
	err := b.withRetry(ctx, "get_agent", id, func(ctx context.Context) error {
		var err error
		agent, err = b.inner.GetAgent(ctx, id)
		return err
	})
	return agent, err
}

func (b *backend) ListAgents(ctx context.Context) ([]*api.Agent, error) {
	var agents []*api.Agent
	err := b.withRetry(ctx, "list_agents", "", func(ctx context.Context) error {
		var err error
		agents, err = b.inner.ListAgents(ctx)
		return err
	})
	return agents, err
}

func (b *backend) PutVerification(ctx context.Context, v *api.Verification) error {
	return b.withRetry(ctx, "put_verification", v.ID, func(ctx context.Context) error {
		return b.inner.PutVerification(ctx, v)
	})
}

func (b *backend) ListVerifications(ctx context.Context, intentID string) ([]*api.Verification, error) {
	var proofs []*api.Verification
	err := b.withRetry(ctx, "list_verifications", intentID, func(ctx context.Context) error {
		var err error
		proofs, err = b.inner.ListVerifications(ctx, intentID)
		return err
	})
	return proofs, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, id string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"id", id,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
