package models

import (
	"time"
)

// ParseStatus values for a content row.
const (
	ParseUnprocessed = "unprocessed"
	ParseProcessing  = "processing"
	ParseSuccess     = "parse_success"
	ParseFailed      = "parse_failed"
)

// ReviewStatus values for a content row.
const (
	ReviewPending      = "pending"
	ReviewApproved     = "approved"
	ReviewRejected     = "rejected"
	ReviewAutoApproved = "auto_approved"
)

// Content is one ingested item, the subject of distribution.
type Content struct {
	ID           string         `json:"id"`
	Platform     string         `json:"platform"`
	SourceURL    string         `json:"source_url"`
	Title        string         `json:"title"`
	Author       string         `json:"author"`
	Body         string         `json:"body"`
	MediaURLs    []string       `json:"media_urls"`
	PublishedAt  *time.Time     `json:"published_at,omitempty"`
	Stats        map[string]any `json:"stats,omitempty"`
	Tags         []string       `json:"tags"`
	IsSensitive  bool           `json:"is_sensitive"`
	Priority     int            `json:"priority"`
	ParseStatus  string         `json:"parse_status"`
	ReviewStatus string         `json:"review_status"`
	ParseError   *string        `json:"parse_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Approved reports whether the content may advance past approval gating.
func (c Content) Approved() bool {
	return c.ReviewStatus == ReviewApproved || c.ReviewStatus == ReviewAutoApproved
}
