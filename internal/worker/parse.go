package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/capability"
	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/store"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// ContentStore is the slice of the store the parse handler needs.
type ContentStore interface {
	GetContent(ctx context.Context, id string) (models.Content, error)
	MarkParseProcessing(ctx context.Context, id string) error
	MarkParseSuccess(ctx context.Context, id string, f store.ParsedFields) error
	MarkParseFailed(ctx context.Context, id, errMsg string) error
}

// Matcher evaluates a parsed content against the rule set.
type Matcher interface {
	Match(ctx context.Context, contentID string) (created int, err error)
}

// ParseHandler drives one content through the extraction capability:
// unprocessed -> processing -> parse_success (then matching) or parse_failed.
type ParseHandler struct {
	store     ContentStore
	extractor capability.Extractor
	matcher   Matcher
	log       zerolog.Logger
}

// NewParseHandler wires the parse-stage dispatcher.
func NewParseHandler(st ContentStore, ex capability.Extractor, m Matcher, log zerolog.Logger) *ParseHandler {
	return &ParseHandler{
		store:     st,
		extractor: ex,
		matcher:   m,
		log:       log.With().Str("component", "parse").Logger(),
	}
}

// Handle processes one leased "parse" job.
func (h *ParseHandler) Handle(ctx context.Context, job models.Job) error {
	contentID := job.ContentID()
	if contentID == "" {
		return capability.Permanentf("parse job %s has no content_id", job.ID)
	}

	c, err := h.store.GetContent(ctx, contentID)
	if errors.Is(err, store.ErrNotFound) {
		return capability.WrapPermanent("content missing", err)
	}
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}

	// A retried job whose extraction already committed only needs matching.
	if c.ParseStatus != models.ParseSuccess {
		if err := h.store.MarkParseProcessing(ctx, contentID); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}

		rec, err := h.extractor.Extract(ctx, capability.ExtractRequest{URL: c.SourceURL, PlatformHint: c.Platform})
		if err != nil {
			if capability.IsRetryable(err) {
				return fmt.Errorf("extract %s: %w", c.SourceURL, err)
			}
			// Permanent extractor failures end the queue's involvement; a
			// human re-enters the pipeline via the reparse action.
			telemetry.ParseFailure.Inc()
			h.log.Warn().Str("content", contentID).Str("url", c.SourceURL).Err(err).Msg("parse failed permanently")
			if perr := h.store.MarkParseFailed(ctx, contentID, err.Error()); perr != nil {
				return fmt.Errorf("mark parse failed: %w", perr)
			}
			return nil
		}

		if err := h.store.MarkParseSuccess(ctx, contentID, store.ParsedFields{
			Title:       rec.Title,
			Author:      rec.Author,
			Body:        rec.Body,
			MediaURLs:   rec.MediaURLs,
			PublishedAt: rec.PublishedAt,
			Stats:       rec.Stats,
			Tags:        mergeTags(c.Tags, rec.Tags),
			IsSensitive: rec.Sensitive,
		}); err != nil {
			return fmt.Errorf("persist parse result: %w", err)
		}
		telemetry.ParseSuccess.Inc()
		h.log.Info().Str("content", contentID).Str("platform", c.Platform).Msg("content parsed")
	}

	// Every successful parse is evaluated exactly once per completion. The
	// matcher is idempotent, so a job retry that repeats this call is safe.
	created, err := h.matcher.Match(ctx, contentID)
	if err != nil {
		return fmt.Errorf("match content: %w", err)
	}
	if created > 0 {
		h.log.Info().Str("content", contentID).Int("intents", created).Msg("distribution intents created")
	}
	return nil
}

// HandleExhausted settles the content once the queue gives up on its parse
// job. Without it the row would sit in processing forever, and reparse only
// accepts parse_failed content.
func (h *ParseHandler) HandleExhausted(ctx context.Context, job models.Job, cause error) {
	contentID := job.ContentID()
	if contentID == "" {
		return
	}
	c, err := h.store.GetContent(ctx, contentID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("content", contentID).Msg("load content for terminal parse failure")
		return
	}
	// A stale dead-letter must not undo a parse another worker committed.
	if c.ParseStatus == models.ParseSuccess {
		return
	}
	msg := "parse retries exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	telemetry.ParseFailure.Inc()
	h.log.Error().Str("content", contentID).Str("cause", msg).Msg("parse retries exhausted")
	if err := h.store.MarkParseFailed(ctx, contentID, msg); err != nil {
		h.log.Error().Err(err).Str("content", contentID).Msg("mark parse failed")
	}
}

// mergeTags unions ingest-supplied and extractor tags, preserving order of
// first appearance.
func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, t := range set {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
