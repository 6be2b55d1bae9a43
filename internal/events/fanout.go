package events

import (
	"context"
	"errors"

	"pkt.systems/intentd/internal/svcfields"
	"pkt.systems/pslog"
)

// Fanout forwards each event to every wrapped emitter in order.
type Fanout []Emitter

// Emit implements Emitter. All emitters are attempted; errors are joined.
func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range f {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger mirrors the event stream into a structured log at debug level.
type Logger struct {
	log pslog.Logger
}

// NewLogger wraps logger as an Emitter.
func NewLogger(logger pslog.Logger) *Logger {
	return &Logger{log: svcfields.WithSubsystem(logger, "events")}
}

// Emit implements Emitter.
func (l *Logger) Emit(_ context.Context, ev Event) error {
	l.log.Debug("event.emitted",
		"event_type", ev.Type,
		"subject", ev.Subject,
		"at", ev.Timestamp,
	)
	return nil
}
