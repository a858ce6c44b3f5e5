package emitter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
)

// Emitter defines the interface for broadcasting lifecycle events
type Emitter interface {
	// Emit sends a single event
	Emit(ctx context.Context, event *domain.Event) error

	// EmitBatch sends multiple events
	EmitBatch(ctx context.Context, events []*domain.Event) error

	// Close closes the emitter connection
	Close() error
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter() *LogEmitter {
	return &LogEmitter{log: slog.Default().With("component", "emitter")}
}

func (e *LogEmitter) Emit(ctx context.Context, event *domain.Event) error {
	e.log.Info("operation event",
		"type", event.Type,
		"external_id", event.ExternalID,
		"operation_id", event.OperationID,
		"root_id", event.RootID,
		"status", event.Status,
	)
	metrics.EventsEmitted.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

func (e *LogEmitter) EmitBatch(ctx context.Context, events []*domain.Event) error {
	for _, ev := range events {
		_ = e.Emit(ctx, ev)
	}
	return nil
}

func (e *LogEmitter) Close() error { return nil }

// Fanout sends every event to all of its emitters.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, event *domain.Event) error {
	var errs []error
	for _, e := range f {
		errs = append(errs, e.Emit(ctx, event))
	}
	return errors.Join(errs...)
}

func (f Fanout) EmitBatch(ctx context.Context, events []*domain.Event) error {
	var errs []error
	for _, e := range f {
		errs = append(errs, e.EmitBatch(ctx, events))
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, e := range f {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, *domain.Event) error        { return nil }
func (Discard) EmitBatch(context.Context, []*domain.Event) error { return nil }
func (Discard) Close() error                                     { return nil }
