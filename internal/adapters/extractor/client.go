// Package extractor is the HTTP client for the external content-extraction
// service. The service owns all per-platform scraping; this client only moves
// a URL in and a standardized record out, mapping transport and status
// failures onto the pipeline's retryable/permanent taxonomy.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ienone/VaultStream-sub003/internal/capability"
)

// Client calls the extractor service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client against baseURL. timeout bounds each extraction call;
// the queue lease must outlive it.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	URL      string `json:"url"`
	Platform string `json:"platform,omitempty"`
}

type extractFailure struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Extract implements capability.Extractor.
func (c *Client) Extract(ctx context.Context, req capability.ExtractRequest) (capability.Record, error) {
	body, err := json.Marshal(extractRequest{URL: req.URL, Platform: req.PlatformHint})
	if err != nil {
		return capability.Record{}, capability.WrapPermanent("marshal extract request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return capability.Record{}, capability.WrapPermanent("build extract request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return capability.Record{}, capability.WrapRetryable("extractor unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var rec capability.Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return capability.Record{}, capability.WrapRetryable("decode extractor response", err)
		}
		return rec, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The service classified the failure itself.
		var f extractFailure
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return capability.Record{}, capability.Permanentf("extraction failed (unreadable detail)")
		}
		if f.Retryable {
			return capability.Record{}, capability.Retryablef("extraction failed: %s", f.Message)
		}
		return capability.Record{}, capability.Permanentf("extraction failed: %s", f.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drain(resp.Body)
		return capability.Record{}, capability.Retryablef("extractor returned %d", resp.StatusCode)
	default:
		drain(resp.Body)
		return capability.Record{}, capability.Permanentf("extractor returned %d", resp.StatusCode)
	}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}

var _ capability.Extractor = (*Client)(nil)

// String implements fmt.Stringer for log output.
func (c *Client) String() string {
	return fmt.Sprintf("extractor(%s)", c.baseURL)
}
