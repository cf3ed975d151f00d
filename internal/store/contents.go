package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateContentParams collects inputs required to ingest a content row.
type CreateContentParams struct {
	Platform    string
	SourceURL   string
	Priority    int
	IsSensitive bool
	Tags        []string
}

// CreateContent inserts a new content row in the unprocessed state.
func (s *Store) CreateContent(ctx context.Context, p CreateContentParams) (models.Content, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contents (id, platform, source_url, tags, is_sensitive, priority, parse_status, review_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.Platform, p.SourceURL, tags, p.IsSensitive, p.Priority, models.ParseUnprocessed, models.ReviewPending, now)
	if err != nil {
		return models.Content{}, fmt.Errorf("insert content: %w", err)
	}
	return models.Content{
		ID:           id,
		Platform:     p.Platform,
		SourceURL:    p.SourceURL,
		Tags:         tags,
		IsSensitive:  p.IsSensitive,
		Priority:     p.Priority,
		ParseStatus:  models.ParseUnprocessed,
		ReviewStatus: models.ReviewPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetContent fetches a content row by id.
func (s *Store) GetContent(ctx context.Context, id string) (models.Content, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, platform, source_url, title, author, body, media_urls, published_at, stats, tags,
		       is_sensitive, priority, parse_status, review_status, parse_error, created_at, updated_at
		FROM contents WHERE id = $1
	`, id)
	return scanContent(row)
}

func scanContent(row pgx.Row) (models.Content, error) {
	var c models.Content
	var mediaJSON, statsJSON []byte
	var publishedAt pgtype.Timestamptz
	var parseErr pgtype.Text

	err := row.Scan(&c.ID, &c.Platform, &c.SourceURL, &c.Title, &c.Author, &c.Body, &mediaJSON,
		&publishedAt, &statsJSON, &c.Tags, &c.IsSensitive, &c.Priority, &c.ParseStatus,
		&c.ReviewStatus, &parseErr, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Content{}, fmt.Errorf("content: %w", ErrNotFound)
	}
	if err != nil {
		return models.Content{}, fmt.Errorf("scan content: %w", err)
	}
	if err := json.Unmarshal(mediaJSON, &c.MediaURLs); err != nil {
		return models.Content{}, fmt.Errorf("unmarshal media urls: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &c.Stats); err != nil {
		return models.Content{}, fmt.Errorf("unmarshal stats: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		c.PublishedAt = &t
	}
	c.ParseError = textPtr(parseErr)
	return c, nil
}

// MarkParseProcessing moves a content row into the processing state.
func (s *Store) MarkParseProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contents SET parse_status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.ParseProcessing)
	return err
}

// ParsedFields carries the standardized record produced by the extractor.
type ParsedFields struct {
	Title       string
	Author      string
	Body        string
	MediaURLs   []string
	PublishedAt *time.Time
	Stats       map[string]any
	Tags        []string
	IsSensitive bool
}

// MarkParseSuccess persists extractor output, flips parse_status and appends
// the content.parsed outbox event in one transaction.
func (s *Store) MarkParseSuccess(ctx context.Context, id string, f ParsedFields) error {
	mediaJSON, err := json.Marshal(orEmpty(f.MediaURLs))
	if err != nil {
		return fmt.Errorf("marshal media urls: %w", err)
	}
	statsJSON, err := json.Marshal(f.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		UPDATE contents
		SET title = $2, author = $3, body = $4, media_urls = $5, published_at = $6, stats = $7,
		    tags = $8, is_sensitive = (is_sensitive OR $9), parse_status = $10, parse_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, f.Title, f.Author, f.Body, mediaJSON, f.PublishedAt, statsJSON,
		orEmpty(f.Tags), f.IsSensitive, models.ParseSuccess)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if err := appendOutboxTx(ctx, tx, models.TopicContentParsed, map[string]any{"content_id": id}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkParseFailed records a terminal parse failure with its error message.
func (s *Store) MarkParseFailed(ctx context.Context, id, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE contents SET parse_status = $2, parse_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.ParseFailed, errMsg)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if err := appendOutboxTx(ctx, tx, models.TopicContentFailed, map[string]any{"content_id": id, "error": errMsg}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetReviewStatus records an approval decision from the external reviewer.
func (s *Store) SetReviewStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contents SET review_status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content: %w", ErrNotFound)
	}
	return nil
}

// AutoApprove flips a still-pending content to auto_approved. A concurrent
// explicit review decision wins; the conditional update makes this safe to
// call from every matching pass.
func (s *Store) AutoApprove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contents SET review_status = $2, updated_at = NOW()
		WHERE id = $1 AND review_status = $3
	`, id, models.ReviewAutoApproved, models.ReviewPending)
	return err
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
