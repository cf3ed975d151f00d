// Package capability defines the boundary to the external collaborators the
// pipeline consumes: content extraction and message delivery. Both classify
// their own failures as retryable or permanent; the pipeline routes retryable
// ones through backoff and terminates on permanent ones.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExtractRequest asks the extractor to turn a source URL into a standardized
// content record. PlatformHint may be empty.
type ExtractRequest struct {
	URL          string
	PlatformHint string
}

// Record is the standardized output of the content-parsing capability.
type Record struct {
	Title       string         `json:"title"`
	Author      string         `json:"author"`
	Body        string         `json:"body"`
	MediaURLs   []string       `json:"media_urls"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Stats       map[string]any `json:"stats,omitempty"`
	Tags        []string       `json:"tags"`
	Sensitive   bool           `json:"sensitive"`
}

// Extractor is the content-parsing capability.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (Record, error)
}

// Payload is a rendered message ready for delivery.
type Payload struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Target identifies one external delivery destination.
type Target struct {
	Platform string
	ID       string
}

// Deliverer is the message-delivery capability. It must be invoked at most
// once per logical delivery attempt; retries are new attempts with new calls.
type Deliverer interface {
	Deliver(ctx context.Context, p Payload, t Target) (ref string, err error)
}

// Error is a typed capability failure carrying its own retryability
// classification.
type Error struct {
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryablef builds a retryable capability error.
func Retryablef(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Permanentf builds a permanent capability error.
func Permanentf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: false}
}

// WrapRetryable annotates an underlying error as retryable.
func WrapRetryable(msg string, cause error) error {
	return &Error{Message: msg, Retryable: true, Cause: cause}
}

// WrapPermanent annotates an underlying error as permanent.
func WrapPermanent(msg string, cause error) error {
	return &Error{Message: msg, Retryable: false, Cause: cause}
}

// IsRetryable reports the classification of an error. Errors that carry no
// classification default to retryable, so unexpected failures back off and
// retry instead of being dropped.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}
