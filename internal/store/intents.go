package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// CreateIntentParams identifies the (content, rule, target) triple plus the
// derived scheduling priority.
type CreateIntentParams struct {
	ContentID      string
	RuleID         int64
	TargetPlatform string
	TargetID       string
	Priority       int
	MaxAttempts    int
}

// CreateIntent inserts one delivery intent. Creation is idempotent on the
// (content, rule, target) unique key; re-matching the same content is a no-op.
// Returns true when a new row was created.
func (s *Store) CreateIntent(ctx context.Context, p CreateIntentParams) (bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO delivery_intents (content_id, rule_id, target_platform, target_id, status, priority, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_id, rule_id, target_platform, target_id) DO NOTHING
	`, p.ContentID, p.RuleID, p.TargetPlatform, p.TargetID, models.IntentPending, p.Priority, p.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("insert intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendOutboxTx(ctx, tx, models.TopicIntentCreated, map[string]any{
		"content_id": p.ContentID, "rule_id": p.RuleID, "target_id": p.TargetID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetIntent fetches one intent by id.
func (s *Store) GetIntent(ctx context.Context, id int64) (models.DeliveryIntent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT i.id, i.content_id, i.rule_id, i.target_platform, i.target_id, i.deliver_to, i.status,
		       i.priority, i.scheduled_at, i.attempts, i.max_attempts, i.last_error, i.rendered_payload,
		       i.sensitive_routing, i.lease_expires_at, c.created_at, i.created_at, i.updated_at
		FROM delivery_intents i JOIN contents c ON c.id = i.content_id
		WHERE i.id = $1
	`, id)
	it, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryIntent{}, fmt.Errorf("intent: %w", ErrNotFound)
	}
	return it, err
}

func scanIntent(row pgx.Row) (models.DeliveryIntent, error) {
	var it models.DeliveryIntent
	var scheduledAt, leaseExpires pgtype.Timestamptz
	var lastErr, rendered pgtype.Text
	err := row.Scan(&it.ID, &it.ContentID, &it.RuleID, &it.TargetPlatform, &it.TargetID, &it.DeliverTo,
		&it.Status, &it.Priority, &scheduledAt, &it.Attempts, &it.MaxAttempts, &lastErr, &rendered,
		&it.SensitiveRouting, &leaseExpires, &it.ContentCreatedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return models.DeliveryIntent{}, err
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		it.ScheduledAt = &t
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		it.LeaseExpiresAt = &t
	}
	it.LastError = textPtr(lastErr)
	it.RenderedPayload = textPtr(rendered)
	return it, nil
}

// ListSchedulable returns pending intents whose content has cleared approval
// gating, in fairness order: intent priority desc, then oldest content first.
// Approval gating is per rule: pending review only blocks rules that ask for
// approval, and rejected content never schedules.
func (s *Store) ListSchedulable(ctx context.Context, limit int) ([]models.DeliveryIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.content_id, i.rule_id, i.target_platform, i.target_id, i.deliver_to, i.status,
		       i.priority, i.scheduled_at, i.attempts, i.max_attempts, i.last_error, i.rendered_payload,
		       i.sensitive_routing, i.lease_expires_at, c.created_at, i.created_at, i.updated_at
		FROM delivery_intents i
		JOIN contents c ON c.id = i.content_id
		JOIN rules r ON r.id = i.rule_id
		WHERE i.status = $1
		  AND c.review_status <> $2
		  AND (NOT r.approval_required OR c.review_status IN ($3, $4))
		ORDER BY i.priority DESC, c.created_at ASC, i.id ASC
		LIMIT $5
	`, models.IntentPending, models.ReviewRejected, models.ReviewApproved, models.ReviewAutoApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedulable intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows pgx.Rows) ([]models.DeliveryIntent, error) {
	var out []models.DeliveryIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intents: %w", err)
	}
	return out, nil
}

// RecentScheduleTimes returns the scheduled_at timestamps for a (rule, target)
// pair since the given instant, newest first. Seeds the scheduler's slot
// tracker so rate limits hold across restarts.
func (s *Store) RecentScheduleTimes(ctx context.Context, ruleID int64, platform, targetID string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scheduled_at FROM delivery_intents
		WHERE rule_id = $1 AND target_platform = $2 AND target_id = $3
		  AND scheduled_at IS NOT NULL AND scheduled_at >= $4
		  AND status IN ($5, $6, $7)
		ORDER BY scheduled_at DESC
	`, ruleID, platform, targetID, since, models.IntentScheduled, models.IntentProcessing, models.IntentSuccess)
	if err != nil {
		return nil, fmt.Errorf("query schedule history: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan schedule time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkScheduled transitions a pending intent to scheduled at the given slot,
// recording the resolved sensitive routing and the rewritten destination.
// No-ops if the intent left pending in the meantime (e.g. canceled).
func (s *Store) MarkScheduled(ctx context.Context, id int64, at time.Time, routing, deliverTo string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, scheduled_at = $3, sensitive_routing = $4, deliver_to = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.IntentScheduled, at, routing, deliverTo, models.IntentPending)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}
	if err := appendOutboxTx(ctx, tx, models.TopicIntentScheduled, map[string]any{
		"intent_id": id, "scheduled_at": at.UTC(),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkSkipped moves an intent to the terminal skipped state, recording why.
func (s *Store) MarkSkipped(ctx context.Context, id int64, routing, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, sensitive_routing = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.IntentSkipped, routing, reason, models.IntentSuccess, models.IntentCanceled)
	return err
}

// ClaimDueIntents atomically claims up to limit scheduled intents that are
// due, moving them to processing with a claim deadline. SKIP LOCKED keeps
// concurrent dispatchers from claiming the same rows.
func (s *Store) ClaimDueIntents(ctx context.Context, limit int, claimFor time.Duration) ([]models.DeliveryIntent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE delivery_intents i
		SET status = $1, lease_expires_at = NOW() + $2, updated_at = NOW()
		FROM (
			SELECT d.id FROM delivery_intents d
			WHERE d.status = $3 AND d.scheduled_at <= NOW()
			ORDER BY d.priority DESC, d.scheduled_at ASC, d.id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) due, contents c
		WHERE i.id = due.id AND c.id = i.content_id
		RETURNING i.id, i.content_id, i.rule_id, i.target_platform, i.target_id, i.deliver_to, i.status,
		          i.priority, i.scheduled_at, i.attempts, i.max_attempts, i.last_error, i.rendered_payload,
		          i.sensitive_routing, i.lease_expires_at, c.created_at, i.created_at, i.updated_at
	`, models.IntentProcessing, claimFor, models.IntentScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("claim intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

// SaveRenderedPayload caches the rendered delivery payload on the intent.
func (s *Store) SaveRenderedPayload(ctx context.Context, id int64, payload string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents SET rendered_payload = $2, updated_at = NOW() WHERE id = $1
	`, id, payload)
	return err
}

// MarkIntentSuccess finishes an intent and appends the delivery.succeeded
// event in one transaction.
func (s *Store) MarkIntentSuccess(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, last_error = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.IntentSuccess)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if err := appendOutboxTx(ctx, tx, models.TopicDeliverySucceeded, map[string]any{"intent_id": id}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RetryIntent pushes a claimed intent back to scheduled after a transient
// delivery failure.
func (s *Store) RetryIntent(ctx context.Context, id int64, attempts int, nextAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.IntentScheduled, attempts, nextAt, errMsg)
	return err
}

// PushBackIntent returns a claimed intent to scheduled at a later slot
// without burning an attempt. Used when the cross-process send guard defers
// a delivery, which is pacing, not failure.
func (s *Store) PushBackIntent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, scheduled_at = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.IntentScheduled, at, models.IntentProcessing)
	return err
}

// MarkIntentFailed terminally fails an intent, keeping the last error for
// operator visibility.
func (s *Store) MarkIntentFailed(ctx context.Context, id int64, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $2, last_error = $3, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.IntentFailed, errMsg)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if err := appendOutboxTx(ctx, tx, models.TopicDeliveryFailed, map[string]any{"intent_id": id, "error": errMsg}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CancelIntent marks a not-yet-terminal intent canceled. Cancellation is
// cooperative: an in-flight delivery call is not interrupted.
func (s *Store) CancelIntent(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, models.IntentCanceled, models.IntentPending, models.IntentScheduled, models.IntentProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent not cancelable: %w", ErrNotFound)
	}
	return nil
}

// ReapExpiredClaims returns intents stuck in processing past their claim
// deadline to the scheduled state (crash recovery for dispatchers).
func (s *Store) ReapExpiredClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_intents
		SET status = $1, lease_expires_at = NULL, updated_at = NOW()
		WHERE status = $2 AND lease_expires_at < NOW()
	`, models.IntentScheduled, models.IntentProcessing)
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFailedIntents returns terminally failed intents for operator review.
func (s *Store) ListFailedIntents(ctx context.Context, limit int) ([]models.DeliveryIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.content_id, i.rule_id, i.target_platform, i.target_id, i.deliver_to, i.status,
		       i.priority, i.scheduled_at, i.attempts, i.max_attempts, i.last_error, i.rendered_payload,
		       i.sensitive_routing, i.lease_expires_at, c.created_at, i.created_at, i.updated_at
		FROM delivery_intents i JOIN contents c ON c.id = i.content_id
		WHERE i.status = $1
		ORDER BY i.updated_at DESC
		LIMIT $2
	`, models.IntentFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}
