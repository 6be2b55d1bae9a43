// Package logging decorates a storage backend with trace spans and debug
// logging around every operation.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/intentd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "intentd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("intentd.storage.operation", op),
		attribute.String("intentd.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int64("intentd.storage.duration_ms", time.Since(begin).Milliseconds()))
	}
}

func (b *backend) PutIntent(ctx context.Context, intent *api.Intent) error {
	ctx, span, logger, begin, finish := b.start(ctx, "put_intent")
	defer span.End()
	span.SetAttributes(attribute.String("intentd.intent_id", intent.ID))

	err := b.inner.PutIntent(ctx, intent)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_intent.error", "intent", intent.ID, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.put_intent.success", "intent", intent.ID, "status", intent.Status, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) GetIntent(ctx context.Context, id string) (*api.Intent, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "get_intent")
	defer span.End()
	span.SetAttributes(attribute.String("intentd.intent_id", id))

	intent, err := b.inner.GetIntent(ctx, id)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_intent.error", "intent", id, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.get_intent.success", "intent", id, "status", intent.Status, "elapsed", time.Since(begin))
	return intent, nil
}

func (b *backend) ListIntents(ctx context.Context) ([]*api.Intent, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list_intents")
	defer span.End()

	intents, err := b.inner.ListIntents(ctx)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_intents.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("intentd.storage.count", len(intents)))
	logger.Debug("storage.list_intents.success", "count", len(intents), "elapsed", time.Since(begin))
	return intents, nil
}

func (b *backend) PutAgent(ctx context.Context, agent *api.Agent) error {
	ctx, span, logger, begin, finish := b.start(ctx, "put_agent")
	defer span.End()
	span.SetAttributes(attribute.String("intentd.agent_id", agent.ID))

	err := b.inner.PutAgent(ctx, agent)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_agent.error", "agent", agent.ID, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.put_agent.success", "agent", agent.ID, "name", agent.Name, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "get_agent")
	defer span.End()
	span.SetAttributes(attribute.String("intentd.agent_id", id))

	agent, err := b.inner.GetAgent(ctx, id)
	finish(err)
	if err != nil {
		logger.Debug("storage.get_agent.error", "agent", id, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.get_agent.success", "agent", id, "elapsed", time.Since(begin))
	return agent, nil
}

func (b *backend) ListAgents(ctx context.Context) ([]*api.Agent, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list_agents")
	defer span.End()

	agents, err := b.inner.ListAgents(ctx)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_agents.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("intentd.storage.count", len(agents)))
	logger.Debug("storage.list_agents.success", "count", len(agents), "elapsed", time.Since(begin))
	return agents, nil
}

func (b *backend) PutVerification(ctx context.Context, v *api.Verification) error {
	ctx, span, logger, begin, finish := b.start(ctx, "put_verification")
	defer span.End()
	span.SetAttributes(
		attribute.String("intentd.intent_id", v.IntentID),
		attribute.String("intentd.verification_id", v.ID),
	)

	err := b.inner.PutVerification(ctx, v)
	finish(err)
	if err != nil {
		logger.Debug("storage.put_verification.error", "intent", v.IntentID, "verification", v.ID, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.put_verification.success", "intent", v.IntentID, "verification", v.ID, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListVerifications(ctx context.Context, intentID string) ([]*api.Verification, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list_verifications")
	defer span.End()
	span.SetAttributes(attribute.String("intentd.intent_id", intentID))

	proofs, err := b.inner.ListVerifications(ctx, intentID)
	finish(err)
	if err != nil {
		logger.Debug("storage.list_verifications.error", "intent", intentID, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("intentd.storage.count", len(proofs)))
	logger.Debug("storage.list_verifications.success", "intent", intentID, "count", len(proofs), "elapsed", time.Since(begin))
	return proofs, nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}
