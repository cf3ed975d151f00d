package distribute

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// ScheduleStore is the slice of the store the scheduler needs.
type ScheduleStore interface {
	GetContent(ctx context.Context, id string) (models.Content, error)
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
	ListSchedulable(ctx context.Context, limit int) ([]models.DeliveryIntent, error)
	RecentScheduleTimes(ctx context.Context, ruleID int64, platform, targetID string, since time.Time) ([]time.Time, error)
	MarkScheduled(ctx context.Context, id int64, at time.Time, routing, deliverTo string) error
	MarkSkipped(ctx context.Context, id int64, routing, reason string) error
}

// Scheduler assigns due times to pending intents so per-(rule, target)
// throughput stays under each rule's rate limit. It runs as a periodic sweep
// and doubles as the durable fallback when the in-process post-match trigger
// is lost to a crash.
type Scheduler struct {
	store     ScheduleStore
	batchSize int
	log       zerolog.Logger
}

// NewScheduler builds a scheduler sweeping up to batchSize intents per pass.
func NewScheduler(st ScheduleStore, batchSize int, log zerolog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Scheduler{
		store:     st,
		batchSize: batchSize,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// RunOnce performs one scheduling pass. Intents arrive in fairness order
// (priority desc, oldest content first), so within a contended slot a
// high-priority rule goes first but each rule's own rate limit bounds its
// throughput regardless of competitors.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	intents, err := s.store.ListSchedulable(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list schedulable: %w", err)
	}
	if len(intents) == 0 {
		return 0, nil
	}

	rules, err := s.store.ListEnabledRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}
	ruleByID := make(map[int64]models.Rule, len(rules))
	for _, r := range rules {
		ruleByID[r.ID] = r
	}

	contents := map[string]models.Content{}
	trackers := map[string]*slotTracker{}
	scheduled := 0

	for _, it := range intents {
		rule, ok := ruleByID[it.RuleID]
		if !ok {
			// Rule disabled after matching; the intent stays pending and
			// resumes if the rule comes back.
			continue
		}

		c, ok := contents[it.ContentID]
		if !ok {
			c, err = s.store.GetContent(ctx, it.ContentID)
			if err != nil {
				s.log.Error().Err(err).Str("content", it.ContentID).Int64("intent", it.ID).Msg("load content failed")
				continue
			}
			contents[it.ContentID] = c
		}

		routing := ResolveRouting(c, rule, targetOf(rule, it))
		if routing.Result == models.RoutingBlocked {
			telemetry.IntentsSkipped.Inc()
			if err := s.store.MarkSkipped(ctx, it.ID, routing.Result, routing.Reason); err != nil {
				s.log.Error().Err(err).Int64("intent", it.ID).Msg("mark skipped failed")
			}
			continue
		}

		slot := now
		if rule.RateLimit > 0 && rule.TimeWindowSecs > 0 {
			key := trackerKey(it.RuleID, it.TargetPlatform, it.TargetID)
			tr, ok := trackers[key]
			if !ok {
				tr, err = s.seedTracker(ctx, it, rule, now)
				if err != nil {
					s.log.Error().Err(err).Int64("intent", it.ID).Msg("seed slot tracker failed")
					continue
				}
				trackers[key] = tr
			}
			slot = tr.next(now)
		}

		if err := s.store.MarkScheduled(ctx, it.ID, slot, routing.Result, routing.DeliverTo); err != nil {
			s.log.Error().Err(err).Int64("intent", it.ID).Msg("mark scheduled failed")
			continue
		}
		telemetry.IntentsScheduled.Inc()
		scheduled++
	}

	if scheduled > 0 {
		s.log.Info().Int("scheduled", scheduled).Int("considered", len(intents)).Msg("scheduling pass done")
	}
	return scheduled, nil
}

func (s *Scheduler) seedTracker(ctx context.Context, it models.DeliveryIntent, rule models.Rule, now time.Time) (*slotTracker, error) {
	history, err := s.store.RecentScheduleTimes(ctx, it.RuleID, it.TargetPlatform, it.TargetID, now.Add(-rule.Window()))
	if err != nil {
		return nil, err
	}
	return newSlotTracker(rule.RateLimit, rule.Window(), history), nil
}

// targetOf finds the intent's target row on its rule for policy overrides.
// Falls back to a bare target when the row was removed after matching.
func targetOf(r models.Rule, it models.DeliveryIntent) models.Target {
	for _, t := range r.Targets {
		if t.TargetPlatform == it.TargetPlatform && t.TargetID == it.TargetID {
			return t
		}
	}
	return models.Target{RuleID: r.ID, TargetPlatform: it.TargetPlatform, TargetID: it.TargetID}
}

func trackerKey(ruleID int64, platform, targetID string) string {
	return fmt.Sprintf("%d/%s/%s", ruleID, platform, targetID)
}

// slotTracker hands out evenly spread delivery slots for one (rule, target)
// pair: successive slots are spaced window/limit apart, and no slot lands
// less than a full window after the oldest of the last limit slots. Both
// bounds together keep any rolling window at or under the limit even when
// seeded with bursty history.
type slotTracker struct {
	limit  int
	window time.Duration
	recent []time.Time // ascending, at most limit entries
}

// newSlotTracker seeds a tracker from schedule history (any order).
func newSlotTracker(limit int, window time.Duration, history []time.Time) *slotTracker {
	sorted := append([]time.Time(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return &slotTracker{limit: limit, window: window, recent: sorted}
}

func (t *slotTracker) next(now time.Time) time.Time {
	spacing := t.window / time.Duration(t.limit)
	slot := now
	if n := len(t.recent); n > 0 {
		if s := t.recent[n-1].Add(spacing); s.After(slot) {
			slot = s
		}
	}
	if n := len(t.recent); n >= t.limit {
		if s := t.recent[n-t.limit].Add(t.window); s.After(slot) {
			slot = s
		}
	}
	t.recent = append(t.recent, slot)
	if len(t.recent) > t.limit {
		t.recent = t.recent[len(t.recent)-t.limit:]
	}
	return slot
}
