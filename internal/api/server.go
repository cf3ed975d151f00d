// Package api exposes the ingest and admin HTTP surface. The pipeline itself
// is background-only; this server is the seam through which URLs enter and
// through which the external reviewer and operators act.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/config"
	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/queue"
	"github.com/ienone/VaultStream-sub003/internal/ratelimit"
	"github.com/ienone/VaultStream-sub003/internal/store"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// Server wires HTTP handlers for ingest and administration.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.LeaseQueue
	limiter *ratelimit.SlidingWindow
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable ingest
// throttling.
func New(cfg config.Config, st *store.Store, q *queue.LeaseQueue, limiter *ratelimit.SlidingWindow, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/contents", s.handleIngest)
	r.Get("/contents/{id}", s.handleGetContent)
	r.Post("/contents/{id}/review", s.handleReview)
	r.Post("/contents/{id}/reparse", s.handleReparse)
	r.Post("/intents/{id}/cancel", s.handleCancelIntent)
	r.Get("/intents/failed", s.handleFailedIntents)
	r.Get("/deadletters", s.handleDeadLetters)
	return r
}

type ingestRequest struct {
	URL       string   `json:"url"`
	Platform  string   `json:"platform"`
	Tags      []string `json:"tags"`
	Priority  int      `json:"priority"`
	Sensitive bool     `json:"sensitive"`
}

type ingestResponse struct {
	Content models.Content `json:"content"`
	JobID   string         `json:"job_id"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.Platform == "" {
		req.Platform = "unknown"
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "ingest:"+sourceFromRequest(r), s.cfg.IngestRateLimit, s.cfg.IngestRateWindow)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	c, err := s.store.CreateContent(r.Context(), store.CreateContentParams{
		Platform:    req.Platform,
		SourceURL:   req.URL,
		Priority:    req.Priority,
		IsSensitive: req.Sensitive,
		Tags:        req.Tags,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), models.JobKindParse,
		map[string]any{"content_id": c.ID}, time.Now(), s.cfg.MaxAttempts)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.IngestCounter.Inc()
	s.log.Info().Str("content", c.ID).Str("url", req.URL).Str("platform", req.Platform).Msg("content ingested")

	writeJSON(w, http.StatusAccepted, ingestResponse{Content: c, JobID: jobID})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetContent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type reviewRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var status string
	switch req.Decision {
	case "approve":
		status = models.ReviewApproved
	case "reject":
		status = models.ReviewRejected
	default:
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}
	if err := s.store.SetReviewStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "content not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"review_status": status})
}

// handleReparse re-enters a parse-failed content into the pipeline.
func (s *Server) handleReparse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetContent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if c.ParseStatus != models.ParseFailed {
		http.Error(w, "content is not parse_failed", http.StatusConflict)
		return
	}
	jobID, err := s.queue.Enqueue(r.Context(), models.JobKindParse,
		map[string]any{"content_id": c.ID}, time.Now(), s.cfg.MaxAttempts)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid intent id", http.StatusBadRequest)
		return
	}
	if err := s.store.CancelIntent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "intent not found or already terminal", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.IntentCanceled})
}

func (s *Server) handleFailedIntents(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListFailedIntents(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.ListDeadLettered(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Source-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
