package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*SlidingWindow, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSlidingWindow(client), mr
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		allowed, err := w.Allow(ctx, "guard:1:telegram:1001", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("event %d rejected below the limit", i)
		}
	}
	allowed, err := w.Allow(ctx, "guard:1:telegram:1001", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Fatalf("event over the limit admitted")
	}
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestLimiter(t)

	if allowed, _ := w.Allow(ctx, "guard:1:telegram:1001", 1, time.Minute); !allowed {
		t.Fatalf("first key rejected")
	}
	if allowed, _ := w.Allow(ctx, "guard:1:telegram:1001", 1, time.Minute); allowed {
		t.Fatalf("first key not saturated")
	}
	if allowed, _ := w.Allow(ctx, "guard:2:telegram:2002", 1, time.Minute); !allowed {
		t.Fatalf("second key blocked by first key's events")
	}
}

// The script reads wall-clock time from Go, not from Redis, so expiry of old
// events is driven by the score prune on the next call rather than by
// miniredis.FastForward.
func TestSlidingWindowRejectionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	w, mr := newTestLimiter(t)

	if allowed, _ := w.Allow(ctx, "k", 1, time.Minute); !allowed {
		t.Fatalf("seed event rejected")
	}
	for i := 0; i < 5; i++ {
		if allowed, _ := w.Allow(ctx, "k", 1, time.Minute); allowed {
			t.Fatalf("saturated key admitted event %d", i)
		}
	}
	// Rejected calls must not add members, or the window would never drain.
	if n, err := mr.ZMembers("k"); err != nil || len(n) != 1 {
		t.Fatalf("window holds %d members after rejections, want 1 (err=%v)", len(n), err)
	}
}
