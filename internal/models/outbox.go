package models

import (
	"time"
)

// Outbox topics emitted by the pipeline.
const (
	TopicContentParsed     = "content.parsed"
	TopicContentFailed     = "content.parse_failed"
	TopicIntentCreated     = "intent.created"
	TopicIntentScheduled   = "intent.scheduled"
	TopicDeliverySucceeded = "delivery.succeeded"
	TopicDeliveryFailed    = "delivery.failed"
)

// OutboxEvent is one durable notification row. Producers append it in the
// same transaction as the state change it describes; the relay publishes it.
type OutboxEvent struct {
	ID          int64          `json:"id"`
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}
