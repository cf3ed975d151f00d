package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// FindSuccessReceipt looks up the ledger for a prior successful delivery of
// this content to this target.
func (s *Store) FindSuccessReceipt(ctx context.Context, contentID, platform, targetID string) (models.DeliveryReceipt, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT content_id, target_platform, target_id, delivery_ref, status, error_message, delivered_at
		FROM delivery_receipts
		WHERE content_id = $1 AND target_platform = $2 AND target_id = $3 AND status = $4
	`, contentID, platform, targetID, models.ReceiptSuccess)

	var r models.DeliveryReceipt
	var errMsg pgtype.Text
	err := row.Scan(&r.ContentID, &r.TargetPlatform, &r.TargetID, &r.DeliveryRef, &r.Status, &errMsg, &r.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryReceipt{}, false, nil
	}
	if err != nil {
		return models.DeliveryReceipt{}, false, fmt.Errorf("query receipt: %w", err)
	}
	r.ErrorMessage = textPtr(errMsg)
	return r, true, nil
}

// RecordDelivery writes the idempotency ledger row for a delivery outcome.
// The unique key is the sole source of truth for exactly-once: when two
// workers race, exactly one insert lands and the loser sees won=false, which
// it must treat as success rather than re-delivering. A failed row may be
// upgraded by a later success; a success row is never overwritten.
func (s *Store) RecordDelivery(ctx context.Context, r models.DeliveryReceipt) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_receipts (content_id, target_platform, target_id, delivery_ref, status, error_message, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (content_id, target_platform, target_id) DO UPDATE
		SET delivery_ref = EXCLUDED.delivery_ref, status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message, delivered_at = NOW()
		WHERE delivery_receipts.status = $7 AND EXCLUDED.status = $8
	`, r.ContentID, r.TargetPlatform, r.TargetID, r.DeliveryRef, r.Status, r.ErrorMessage,
		models.ReceiptFailed, models.ReceiptSuccess)
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
