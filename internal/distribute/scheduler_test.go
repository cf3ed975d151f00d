package distribute

import (
	"context"
	"testing"
	"time"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

func strPtr(s string) *string { return &s }

func TestResolveRouting(t *testing.T) {
	sensitive := models.Content{IsSensitive: true}
	plain := models.Content{IsSensitive: false}

	cases := []struct {
		name       string
		content    models.Content
		rule       models.Rule
		target     models.Target
		wantResult string
		wantTo     string
	}{
		{
			name:       "plain content always allowed",
			content:    plain,
			rule:       models.Rule{SensitivePolicy: models.SensitiveBlock},
			wantResult: models.RoutingAllowed,
		},
		{
			name:       "rule blocks",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveBlock},
			wantResult: models.RoutingBlocked,
		},
		{
			name:       "rule allows",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveAllow},
			wantResult: models.RoutingAllowed,
		},
		{
			name:       "rule reroutes to separate channel",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveSeparateChannel, SensitiveChannelID: "2000"},
			wantResult: models.RoutingRerouted,
			wantTo:     "2000",
		},
		{
			name:       "separate channel without config blocks",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveSeparateChannel},
			wantResult: models.RoutingBlocked,
		},
		{
			name:       "target override wins over rule",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveBlock},
			target:     models.Target{SensitivePolicy: strPtr(models.SensitiveAllow)},
			wantResult: models.RoutingAllowed,
		},
		{
			name:       "target channel override wins",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: models.SensitiveSeparateChannel, SensitiveChannelID: "2000"},
			target:     models.Target{SensitiveChannelID: strPtr("3000")},
			wantResult: models.RoutingRerouted,
			wantTo:     "3000",
		},
		{
			name:       "unknown policy blocks",
			content:    sensitive,
			rule:       models.Rule{SensitivePolicy: "surprise"},
			wantResult: models.RoutingBlocked,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveRouting(tc.content, tc.rule, tc.target)
			if got.Result != tc.wantResult {
				t.Fatalf("result = %s, want %s", got.Result, tc.wantResult)
			}
			if got.DeliverTo != tc.wantTo {
				t.Fatalf("deliverTo = %q, want %q", got.DeliverTo, tc.wantTo)
			}
		})
	}
}

func TestSlotTrackerRateLimitAdherence(t *testing.T) {
	const limit = 5
	window := 60 * time.Second
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tr := newSlotTracker(limit, window, nil)
	slots := make([]time.Time, 0, 20)
	for i := 0; i < 20; i++ {
		slots = append(slots, tr.next(now))
	}

	// Slots must be non-decreasing.
	for i := 1; i < len(slots); i++ {
		if slots[i].Before(slots[i-1]) {
			t.Fatalf("slot %d (%s) before slot %d (%s)", i, slots[i], i-1, slots[i-1])
		}
	}
	// No rolling window may contain more than limit slots.
	for i := range slots {
		count := 0
		windowEnd := slots[i].Add(window)
		for _, s := range slots {
			if !s.Before(slots[i]) && s.Before(windowEnd) {
				count++
			}
		}
		if count > limit {
			t.Fatalf("window starting at slot %d holds %d deliveries, limit %d", i, count, limit)
		}
	}
	// Even spread: successive slots spaced by window/limit.
	spacing := window / limit
	for i := 1; i < len(slots); i++ {
		if got := slots[i].Sub(slots[i-1]); got < spacing {
			t.Fatalf("slots %d..%d spaced %s, want >= %s", i-1, i, got, spacing)
		}
	}
}

func TestSlotTrackerSeededFromBurstyHistory(t *testing.T) {
	const limit = 3
	window := 30 * time.Second
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Three deliveries already burst at the same instant just before now.
	burst := now.Add(-time.Second)
	tr := newSlotTracker(limit, window, []time.Time{burst, burst, burst})

	slot := tr.next(now)
	// The next slot must wait out the full window from the oldest burst entry.
	if slot.Before(burst.Add(window)) {
		t.Fatalf("slot %s inside saturated window (burst at %s)", slot, burst)
	}
}

func TestSchedulerBlocksSensitiveContent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := parsedContent("c1", "bilibili", []string{"tech"})
	c.IsSensitive = true
	c.ReviewStatus = models.ReviewAutoApproved
	st.addContent(c)

	r := ruleWithTarget(1, 5, []string{"tech"}, "1001")
	r.SensitivePolicy = models.SensitiveBlock
	st.addRule(r)

	if _, err := NewMatcher(st, 5, testLogger()).Match(ctx, "c1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := NewScheduler(st, 100, testLogger()).RunOnce(ctx, time.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	it, ok := st.intentByKey("c1", 1, "telegram", "1001")
	if !ok {
		t.Fatalf("intent missing")
	}
	if it.Status != models.IntentSkipped {
		t.Fatalf("status = %s, want skipped", it.Status)
	}
	if it.SensitiveRouting != models.RoutingBlocked {
		t.Fatalf("routing = %s, want blocked", it.SensitiveRouting)
	}
}

func TestSchedulerReroutesSensitiveContent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := parsedContent("c1", "bilibili", []string{"tech"})
	c.IsSensitive = true
	c.ReviewStatus = models.ReviewApproved
	st.addContent(c)

	r := ruleWithTarget(1, 5, []string{"tech"}, "1001")
	r.SensitivePolicy = models.SensitiveSeparateChannel
	r.SensitiveChannelID = "2000"
	st.addRule(r)

	if _, err := NewMatcher(st, 5, testLogger()).Match(ctx, "c1"); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := NewScheduler(st, 100, testLogger()).RunOnce(ctx, time.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	it, _ := st.intentByKey("c1", 1, "telegram", "1001")
	if it.Status != models.IntentScheduled {
		t.Fatalf("status = %s, want scheduled", it.Status)
	}
	if it.SensitiveRouting != models.RoutingRerouted {
		t.Fatalf("routing = %s, want rerouted", it.SensitiveRouting)
	}
	if it.Destination() != "2000" {
		t.Fatalf("destination = %s, want 2000", it.Destination())
	}
	// The unique key still carries the original target.
	if it.TargetID != "1001" {
		t.Fatalf("target id rewritten to %s, must stay 1001", it.TargetID)
	}
}

func TestSchedulerSpreadsSlots(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	r := ruleWithTarget(1, 5, []string{"tech"}, "1001")
	r.RateLimit = 5
	r.TimeWindowSecs = 60
	st.addRule(r)

	m := NewMatcher(st, 5, testLogger())
	for i := 0; i < 8; i++ {
		c := parsedContent(string(rune('a'+i)), "bilibili", []string{"tech"})
		c.ReviewStatus = models.ReviewAutoApproved
		c.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		st.addContent(c)
		if _, err := m.Match(ctx, c.ID); err != nil {
			t.Fatalf("match %s: %v", c.ID, err)
		}
	}

	now := time.Now()
	n, err := NewScheduler(st, 100, testLogger()).RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n != 8 {
		t.Fatalf("scheduled = %d, want 8", n)
	}

	var slots []time.Time
	st.mu.Lock()
	for _, it := range st.intents {
		if it.ScheduledAt != nil {
			slots = append(slots, *it.ScheduledAt)
		}
	}
	st.mu.Unlock()
	if len(slots) != 8 {
		t.Fatalf("slot count = %d, want 8", len(slots))
	}
	window := 60 * time.Second
	for _, start := range slots {
		count := 0
		for _, s := range slots {
			if !s.Before(start) && s.Before(start.Add(window)) {
				count++
			}
		}
		if count > 5 {
			t.Fatalf("rolling window holds %d slots, limit 5", count)
		}
	}
}
