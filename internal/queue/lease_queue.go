// Package queue implements the durable lease queue on Postgres. Jobs are rows;
// leasing is a single atomic claim so concurrent workers never double-process,
// and expired leases are re-leasable without a separate sweep.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// LeaseQueue hands out time-bounded exclusive claims on jobs. The owner string
// identifies this worker process; completions and failures against a lease
// that has since been reclaimed by another owner are silent no-ops.
type LeaseQueue struct {
	pool        *pgxpool.Pool
	owner       string
	backoffBase time.Duration
	backoffCap  time.Duration
}

// Options tunes retry backoff. Zero values get local defaults.
type Options struct {
	Owner       string
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// New builds a lease queue over the shared pool.
func New(pool *pgxpool.Pool, opts Options) *LeaseQueue {
	if opts.Owner == "" {
		opts.Owner = uuid.New().String()
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}
	return &LeaseQueue{
		pool:        pool,
		owner:       opts.Owner,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
	}
}

// Owner returns the lease owner identity used by this queue instance.
func (q *LeaseQueue) Owner() string { return q.owner }

// Enqueue inserts one pending job and returns its id.
func (q *LeaseQueue) Enqueue(ctx context.Context, kind string, payload map[string]any, availableAt time.Time, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.New().String()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, status, max_attempts, available_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, kind, body, models.JobPending, maxAttempts, availableAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// LeaseOne claims at most one ready job of the given kind: pending and due,
// or leased with an expired lease (crash recovery). Selection is FIFO within
// readiness (available_at asc, id asc). The claim is one conditional update
// over a SKIP LOCKED pick, so racing callers never lease the same row.
// Returns found=false when nothing qualifies; callers poll on empty.
func (q *LeaseQueue) LeaseOne(ctx context.Context, kind string, leaseFor time.Duration) (models.Job, bool, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs j
		SET status = $1, lease_owner = $2, lease_expires_at = NOW() + $3, updated_at = NOW()
		FROM (
			SELECT id FROM jobs
			WHERE kind = $4 AND (
				(status = $5 AND available_at <= NOW())
				OR (status = $1 AND lease_expires_at < NOW())
			)
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) pick
		WHERE j.id = pick.id
		RETURNING j.id, j.kind, j.payload, j.status, j.attempts, j.max_attempts, j.available_at,
		          j.lease_owner, j.lease_expires_at, j.last_error, j.created_at, j.updated_at
	`, models.JobLeased, q.owner, leaseFor, kind, models.JobPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var body []byte
	var owner, lastErr pgtype.Text
	var leaseExpires pgtype.Timestamptz
	err := row.Scan(&j.ID, &j.Kind, &body, &j.Status, &j.Attempts, &j.MaxAttempts, &j.AvailableAt,
		&owner, &leaseExpires, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(body, &j.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if owner.Valid {
		j.LeaseOwner = &owner.String
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		j.LeaseExpiresAt = &t
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	return j, nil
}

// Complete marks a job done. If the lease expired and another worker
// re-leased the job, the stale completion must not touch the newer lease, so
// the update is conditional on still owning it.
func (q *LeaseQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND lease_owner = $4
	`, models.JobDone, jobID, models.JobLeased, q.owner)
	return err
}

// Fail records a transient failure: either schedules a retry with exponential
// backoff or dead-letters the job once attempts are exhausted. Reports whether
// the job was dead-lettered so callers can run per-kind terminal handling.
// Stale leases no-op, same as Complete.
func (q *LeaseQueue) Fail(ctx context.Context, jobID string, cause error) (bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs
		WHERE id = $1 AND status = $2 AND lease_owner = $3
		FOR UPDATE
	`, jobID, models.JobLeased, q.owner).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load job for fail: %w", err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	deadLettered := attempts+1 >= maxAttempts
	if deadLettered {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $1, attempts = attempts + 1, last_error = $2,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
			WHERE id = $3
		`, models.JobDeadLetter, msg, jobID)
	} else {
		delay := Backoff(q.backoffBase, q.backoffCap, attempts)
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = $1, attempts = attempts + 1, available_at = NOW() + $2, last_error = $3,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
			WHERE id = $4
		`, models.JobPending, delay, msg, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("update failed job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return deadLettered, nil
}

// DeadLetter terminates a job immediately, bypassing remaining attempts.
// Used for permanent errors where retrying cannot help.
func (q *LeaseQueue) DeadLetter(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, last_error = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND lease_owner = $5
	`, models.JobDeadLetter, msg, jobID, models.JobLeased, q.owner)
	return err
}

// ListDeadLettered returns dead-lettered jobs for operator inspection.
func (q *LeaseQueue) ListDeadLettered(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, available_at,
		       lease_owner, lease_expires_at, last_error, created_at, updated_at
		FROM jobs WHERE status = $1
		ORDER BY updated_at DESC LIMIT $2
	`, models.JobDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingDepth counts jobs ready to lease right now, for telemetry.
func (q *LeaseQueue) PendingDepth(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE kind = $1 AND status = $2 AND available_at <= NOW()
	`, kind, models.JobPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}
