package distribute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store that keeps the
// same uniqueness semantics (intent triple key, receipt ledger key).
type memStore struct {
	mu         sync.Mutex
	contents   map[string]models.Content
	rules      []models.Rule
	intents    map[int64]*models.DeliveryIntent
	intentKeys map[string]int64
	receipts   map[string]models.DeliveryReceipt
	nextID     int64
}

func newMemStore() *memStore {
	return &memStore{
		contents:   map[string]models.Content{},
		intents:    map[int64]*models.DeliveryIntent{},
		intentKeys: map[string]int64{},
		receipts:   map[string]models.DeliveryReceipt{},
	}
}

func (m *memStore) addContent(c models.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[c.ID] = c
}

func (m *memStore) addRule(r models.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	sort.SliceStable(m.rules, func(i, j int) bool {
		if m.rules[i].Priority != m.rules[j].Priority {
			return m.rules[i].Priority > m.rules[j].Priority
		}
		return m.rules[i].ID < m.rules[j].ID
	})
}

func (m *memStore) GetContent(_ context.Context, id string) (models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return models.Content{}, fmt.Errorf("content: %w", store.ErrNotFound)
	}
	return c, nil
}

func (m *memStore) ListEnabledRules(context.Context) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func intentKey(contentID string, ruleID int64, platform, targetID string) string {
	return fmt.Sprintf("%s/%d/%s/%s", contentID, ruleID, platform, targetID)
}

func (m *memStore) CreateIntent(_ context.Context, p store.CreateIntentParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := intentKey(p.ContentID, p.RuleID, p.TargetPlatform, p.TargetID)
	if _, exists := m.intentKeys[key]; exists {
		return false, nil
	}
	m.nextID++
	now := time.Now()
	it := &models.DeliveryIntent{
		ID:               m.nextID,
		ContentID:        p.ContentID,
		RuleID:           p.RuleID,
		TargetPlatform:   p.TargetPlatform,
		TargetID:         p.TargetID,
		Status:           models.IntentPending,
		Priority:         p.Priority,
		MaxAttempts:      p.MaxAttempts,
		ContentCreatedAt: m.contents[p.ContentID].CreatedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.intents[it.ID] = it
	m.intentKeys[key] = it.ID
	return true, nil
}

func (m *memStore) AutoApprove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.ReviewStatus == models.ReviewPending {
		c.ReviewStatus = models.ReviewAutoApproved
		m.contents[id] = c
	}
	return nil
}

func (m *memStore) ListSchedulable(_ context.Context, limit int) ([]models.DeliveryIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ruleByID := map[int64]models.Rule{}
	for _, r := range m.rules {
		ruleByID[r.ID] = r
	}
	var out []models.DeliveryIntent
	for _, it := range m.intents {
		if it.Status != models.IntentPending {
			continue
		}
		c := m.contents[it.ContentID]
		if c.ReviewStatus == models.ReviewRejected {
			continue
		}
		if r, ok := ruleByID[it.RuleID]; ok && r.ApprovalRequired && !c.Approved() {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].ContentCreatedAt.Equal(out[j].ContentCreatedAt) {
			return out[i].ContentCreatedAt.Before(out[j].ContentCreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) RecentScheduleTimes(_ context.Context, ruleID int64, platform, targetID string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, it := range m.intents {
		if it.RuleID != ruleID || it.TargetPlatform != platform || it.TargetID != targetID {
			continue
		}
		if it.ScheduledAt == nil || it.ScheduledAt.Before(since) {
			continue
		}
		switch it.Status {
		case models.IntentScheduled, models.IntentProcessing, models.IntentSuccess:
			out = append(out, *it.ScheduledAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

func (m *memStore) MarkScheduled(_ context.Context, id int64, at time.Time, routing, deliverTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok || it.Status != models.IntentPending {
		return nil
	}
	it.Status = models.IntentScheduled
	t := at
	it.ScheduledAt = &t
	it.SensitiveRouting = routing
	it.DeliverTo = deliverTo
	return nil
}

func (m *memStore) MarkSkipped(_ context.Context, id int64, routing, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok || it.Status == models.IntentSuccess || it.Status == models.IntentCanceled {
		return nil
	}
	it.Status = models.IntentSkipped
	it.SensitiveRouting = routing
	it.LastError = &reason
	return nil
}

func (m *memStore) ClaimDueIntents(_ context.Context, limit int, claimFor time.Duration) ([]models.DeliveryIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var due []*models.DeliveryIntent
	for _, it := range m.intents {
		if it.Status == models.IntentScheduled && it.ScheduledAt != nil && !it.ScheduledAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	var out []models.DeliveryIntent
	deadline := now.Add(claimFor)
	for _, it := range due {
		it.Status = models.IntentProcessing
		d := deadline
		it.LeaseExpiresAt = &d
		out = append(out, *it)
	}
	return out, nil
}

func (m *memStore) GetIntent(_ context.Context, id int64) (models.DeliveryIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return models.DeliveryIntent{}, fmt.Errorf("intent: %w", store.ErrNotFound)
	}
	return *it, nil
}

func receiptKey(contentID, platform, targetID string) string {
	return fmt.Sprintf("%s/%s/%s", contentID, platform, targetID)
}

func (m *memStore) FindSuccessReceipt(_ context.Context, contentID, platform, targetID string) (models.DeliveryReceipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptKey(contentID, platform, targetID)]
	if !ok || r.Status != models.ReceiptSuccess {
		return models.DeliveryReceipt{}, false, nil
	}
	return r, true, nil
}

func (m *memStore) RecordDelivery(_ context.Context, r models.DeliveryReceipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receiptKey(r.ContentID, r.TargetPlatform, r.TargetID)
	if existing, ok := m.receipts[key]; ok {
		if existing.Status == models.ReceiptFailed && r.Status == models.ReceiptSuccess {
			r.DeliveredAt = time.Now()
			m.receipts[key] = r
			return true, nil
		}
		return false, nil
	}
	r.DeliveredAt = time.Now()
	m.receipts[key] = r
	return true, nil
}

func (m *memStore) SaveRenderedPayload(_ context.Context, id int64, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok {
		it.RenderedPayload = &payload
	}
	return nil
}

func (m *memStore) MarkIntentSuccess(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok {
		it.Status = models.IntentSuccess
		it.LastError = nil
		it.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) RetryIntent(_ context.Context, id int64, attempts int, nextAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok {
		it.Status = models.IntentScheduled
		it.Attempts = attempts
		t := nextAt
		it.ScheduledAt = &t
		it.LastError = &errMsg
		it.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) PushBackIntent(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok && it.Status == models.IntentProcessing {
		it.Status = models.IntentScheduled
		t := at
		it.ScheduledAt = &t
		it.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) MarkIntentFailed(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok {
		it.Status = models.IntentFailed
		it.LastError = &errMsg
		it.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) cancel(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.intents[id]; ok {
		it.Status = models.IntentCanceled
	}
}

func (m *memStore) intentByKey(contentID string, ruleID int64, platform, targetID string) (models.DeliveryIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.intentKeys[intentKey(contentID, ruleID, platform, targetID)]
	if !ok {
		return models.DeliveryIntent{}, false
	}
	return *m.intents[id], true
}

var (
	_ MatchStore    = (*memStore)(nil)
	_ ScheduleStore = (*memStore)(nil)
	_ DispatchStore = (*memStore)(nil)
)
