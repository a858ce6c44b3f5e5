package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vietddude/opindexer/internal/core/domain"
	"github.com/vietddude/opindexer/internal/indexing/metrics"
)

// Publisher broadcasts lifecycle events on a Redis pub/sub channel.
type Publisher struct {
	client  *Client
	channel string
	log     *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{
		client:  client,
		channel: client.Key("events"),
		log:     slog.Default().With("component", "publisher"),
	}
}

// Channel returns the channel events are published on.
func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Emit(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		metrics.EventsEmitted.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsEmitted.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

func (p *Publisher) EmitBatch(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := p.client.rdb.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		pipe.Publish(ctx, p.channel, data)
	}

	status := "ok"
	_, err := pipe.Exec(ctx)
	if err != nil {
		status = "error"
	}
	for _, ev := range events {
		metrics.EventsEmitted.WithLabelValues(string(ev.Type), status).Inc()
	}
	if err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(events), err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (p *Publisher) Close() error { return nil }
