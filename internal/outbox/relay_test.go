package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

type memEventStore struct {
	mu      sync.Mutex
	events  []models.OutboxEvent
	listErr error
}

func (s *memEventStore) append(topic string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.OutboxEvent{
		ID:        int64(len(s.events) + 1),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

func (s *memEventStore) ListUnpublishedEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.OutboxEvent
	for _, e := range s.events {
		if e.PublishedAt == nil {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memEventStore) MarkEventsPublished(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		for i := range s.events {
			if s.events[i].ID == id {
				t := now
				s.events[i].PublishedAt = &t
			}
		}
	}
	return nil
}

func (s *memEventStore) unpublished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n
}

var _ EventStore = (*memEventStore)(nil)

func newTestRelay(t *testing.T, st EventStore) (*Relay, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRelay(st, client, 10, time.Second, zerolog.Nop()), client
}

func TestRelayPublishesInOrder(t *testing.T) {
	ctx := context.Background()
	st := &memEventStore{}
	st.append(models.TopicContentParsed, map[string]any{"content_id": "c1"})
	st.append(models.TopicIntentCreated, map[string]any{"intent_id": float64(1)})
	st.append(models.TopicDeliverySucceeded, map[string]any{"intent_id": float64(1)})

	relay, client := newTestRelay(t, st)

	sub := client.Subscribe(ctx, Channel)
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 3 {
		t.Fatalf("published = %d, want 3", n)
	}
	if st.unpublished() != 0 {
		t.Fatalf("%d events still unpublished", st.unpublished())
	}

	wantTopics := []string{
		models.TopicContentParsed,
		models.TopicIntentCreated,
		models.TopicDeliverySucceeded,
	}
	for i, want := range wantTopics {
		msg, err := receiveMessage(ctx, sub)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		var e models.OutboxEvent
		if err := json.Unmarshal([]byte(msg), &e); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if e.Topic != want {
			t.Fatalf("message %d topic = %s, want %s", i, e.Topic, want)
		}
	}
}

func TestRelayIdleWhenDrained(t *testing.T) {
	ctx := context.Background()
	st := &memEventStore{}
	relay, _ := newTestRelay(t, st)

	n, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if n != 0 {
		t.Fatalf("published = %d on empty outbox", n)
	}
}

func TestRelayDoesNotMarkOnListFailure(t *testing.T) {
	ctx := context.Background()
	st := &memEventStore{listErr: errors.New("pg down")}
	st.events = append(st.events, models.OutboxEvent{ID: 1, Topic: models.TopicContentParsed})
	relay, _ := newTestRelay(t, st)

	if _, err := relay.RunOnce(ctx); err == nil {
		t.Fatalf("expected error when listing fails")
	}
	if st.unpublished() != 1 {
		t.Fatalf("event marked published despite list failure")
	}
}

func TestRelayRepublishesUntilMarked(t *testing.T) {
	// At-least-once: the same event goes out again while it stays unmarked.
	ctx := context.Background()
	st := &memEventStore{}
	st.append(models.TopicContentParsed, map[string]any{"content_id": "c1"})
	relay, _ := newTestRelay(t, st)

	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	st.mu.Lock()
	st.events[0].PublishedAt = nil // simulate a crash between publish and mark
	st.mu.Unlock()
	n, err := relay.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 1 {
		t.Fatalf("republish = %d, want 1", n)
	}
}

func receiveMessage(ctx context.Context, sub *redis.PubSub) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		return "", err
	}
	return msg.Payload, nil
}
