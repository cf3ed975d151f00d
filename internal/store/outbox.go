package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// appendOutboxTx writes an event row inside the caller's transaction so the
// notification is durable iff the state change it describes committed.
func appendOutboxTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (topic, payload) VALUES ($1, $2)
	`, topic, body); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ListUnpublishedEvents returns unpublished outbox rows in id order.
func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, payload, created_at
		FROM outbox_events WHERE published_at IS NULL
		ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		var body []byte
		if err := rows.Scan(&e.ID, &e.Topic, &body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if err := json.Unmarshal(body, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsPublished stamps published_at on the given rows.
func (s *Store) MarkEventsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET published_at = NOW() WHERE id = ANY($1)
	`, ids)
	return err
}

// TrimPublishedEvents deletes published rows older than the retention cutoff.
func (s *Store) TrimPublishedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("trim outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
