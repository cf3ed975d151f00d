package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ienone/VaultStream-sub003/internal/capability"
)

func TestExtractSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/extract" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			URL      string `json:"url"`
			Platform string `json:"platform"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.URL != "https://example.com/v/1" || req.Platform != "bilibili" {
			t.Errorf("request body = %+v", req)
		}
		json.NewEncoder(w).Encode(capability.Record{
			Title: "Hello", Author: "someone", Tags: []string{"tech"}, Sensitive: true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	rec, err := c.Extract(context.Background(), capability.ExtractRequest{
		URL: "https://example.com/v/1", PlatformHint: "bilibili",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rec.Title != "Hello" || !rec.Sensitive {
		t.Fatalf("record = %+v", rec)
	}
}

func TestExtractClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
	}{
		{"service says retryable", http.StatusUnprocessableEntity, `{"message":"timeout upstream","retryable":true}`, true},
		{"service says permanent", http.StatusUnprocessableEntity, `{"message":"unsupported url","retryable":false}`, false},
		{"rate limited", http.StatusTooManyRequests, ``, true},
		{"server error", http.StatusBadGateway, ``, true},
		{"client error", http.StatusBadRequest, ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(srv.URL, time.Second)
			_, err := c.Extract(context.Background(), capability.ExtractRequest{URL: "https://example.com/x"})
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := capability.IsRetryable(err); got != tc.wantRetryable {
				t.Fatalf("IsRetryable = %v, want %v (err %v)", got, tc.wantRetryable, err)
			}
		})
	}
}

func TestExtractTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, time.Second)
	_, err := c.Extract(context.Background(), capability.ExtractRequest{URL: "https://example.com/x"})
	if err == nil || !capability.IsRetryable(err) {
		t.Fatalf("transport failure must be retryable, got %v", err)
	}
}
