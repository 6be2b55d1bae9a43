package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	declareCount  metric.Int64Counter
	spawnCount    metric.Int64Counter
	verifyCount   metric.Int64Counter
	verifyDur     metric.Int64Histogram
	intentsGauge  metric.Int64ObservableGauge
	declaredTotal atomic.Int64
	verifiedTotal atomic.Int64
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/intentd/core")
	m := &serviceMetrics{}
	var err error

	m.declareCount, err = meter.Int64Counter(
		"intentd.intent.declared",
		metric.WithDescription("Intents declared"),
	)
	logMetricInitError(logger, "intentd.intent.declared", err)

	m.spawnCount, err = meter.Int64Counter(
		"intentd.agent.spawned",
		metric.WithDescription("Agents spawned"),
	)
	logMetricInitError(logger, "intentd.agent.spawned", err)

	m.verifyCount, err = meter.Int64Counter(
		"intentd.intent.verify",
		metric.WithDescription("Verification submissions"),
	)
	logMetricInitError(logger, "intentd.intent.verify", err)

	m.verifyDur, err = meter.Int64Histogram(
		"intentd.intent.verify.duration_ms",
		metric.WithDescription("Verification submission duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "intentd.intent.verify.duration_ms", err)

	m.intentsGauge, err = meter.Int64ObservableGauge(
		"intentd.intent.active",
		metric.WithDescription("Known intents by status (best-effort)"),
	)
	logMetricInitError(logger, "intentd.intent.active", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observeIntents(ctx, o)
		return nil
	}, m.intentsGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "intentd.intent.active", "error", err)
	}

	return m
}

func (m *serviceMetrics) observeIntents(_ context.Context, o metric.Observer) {
	if m == nil || m.intentsGauge == nil {
		return
	}
	verified := m.verifiedTotal.Load()
	declared := m.declaredTotal.Load() - verified
	if declared < 0 {
		declared = 0
	}
	o.ObserveInt64(m.intentsGauge, declared, metric.WithAttributes(attribute.String("intentd.intent.status", "declared")))
	o.ObserveInt64(m.intentsGauge, verified, metric.WithAttributes(attribute.String("intentd.intent.status", "verified")))
}

func (m *serviceMetrics) recordDeclare(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.declaredTotal.Add(boolToDelta(err == nil))
	if m.declareCount != nil {
		m.declareCount.Add(metricContext(ctx), 1, metric.WithAttributes(
			attribute.String("intentd.result", metricResultLabel(err)),
		))
	}
}

func (m *serviceMetrics) recordSpawn(ctx context.Context, count int, err error) {
	if m == nil || m.spawnCount == nil {
		return
	}
	m.spawnCount.Add(metricContext(ctx), int64(count), metric.WithAttributes(
		attribute.String("intentd.result", metricResultLabel(err)),
	))
}

func (m *serviceMetrics) recordVerify(ctx context.Context, crossed bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err == nil && crossed {
		m.verifiedTotal.Add(1)
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("intentd.result", metricResultLabel(err)),
		attribute.Bool("intentd.quorum_reached", crossed),
	}
	if m.verifyCount != nil {
		m.verifyCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.verifyDur != nil {
		m.verifyDur.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func boolToDelta(ok bool) int64 {
	if ok {
		return 1
	}
	return 0
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
