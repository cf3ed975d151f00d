// Package outbox turns durable event rows into Redis notifications. Producers
// append events in the same transaction as the state change they describe;
// the relay is the only publisher, so a crashed process never loses an event,
// only delays it.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// Channel is the Redis pub/sub channel events are published on. Consumers
// subscribing here shorten their poll latency; polling the store stays the
// durable fallback.
const Channel = "vaultstream:events"

// EventStore is the slice of the store the relay needs.
type EventStore interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []int64) error
}

// Relay polls unpublished events in id order and publishes them.
type Relay struct {
	store     EventStore
	client    *redis.Client
	batchSize int
	interval  time.Duration
	log       zerolog.Logger
}

// NewRelay builds a relay polling every interval.
func NewRelay(st EventStore, client *redis.Client, batchSize int, interval time.Duration, log zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     st,
		client:    client,
		batchSize: batchSize,
		interval:  interval,
		log:       log.With().Str("component", "outbox").Logger(),
	}
}

// Run publishes until context cancellation.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := r.RunOnce(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("relay pass failed")
		}
		if n >= r.batchSize {
			continue // more backlog, keep draining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval):
		}
	}
}

// RunOnce publishes one batch and marks it published. Publishing is
// at-least-once: a crash between publish and mark re-publishes on restart,
// so consumers must tolerate duplicates.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.ListUnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return len(ids), fmt.Errorf("marshal event %d: %w", e.ID, err)
		}
		if err := r.client.Publish(ctx, Channel, body).Err(); err != nil {
			// Stop at the first failed publish to preserve id order.
			break
		}
		ids = append(ids, e.ID)
		telemetry.OutboxPublished.Inc()
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.store.MarkEventsPublished(ctx, ids); err != nil {
		return len(ids), fmt.Errorf("mark published: %w", err)
	}
	return len(ids), nil
}
