package distribute

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/capability"
	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/queue"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// DispatchStore is the slice of the store the delivery dispatcher needs.
type DispatchStore interface {
	ClaimDueIntents(ctx context.Context, limit int, claimFor time.Duration) ([]models.DeliveryIntent, error)
	GetIntent(ctx context.Context, id int64) (models.DeliveryIntent, error)
	GetContent(ctx context.Context, id string) (models.Content, error)
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
	FindSuccessReceipt(ctx context.Context, contentID, platform, targetID string) (models.DeliveryReceipt, bool, error)
	RecordDelivery(ctx context.Context, r models.DeliveryReceipt) (bool, error)
	SaveRenderedPayload(ctx context.Context, id int64, payload string) error
	MarkIntentSuccess(ctx context.Context, id int64) error
	RetryIntent(ctx context.Context, id int64, attempts int, nextAt time.Time, errMsg string) error
	PushBackIntent(ctx context.Context, id int64, at time.Time) error
	MarkIntentFailed(ctx context.Context, id int64, errMsg string) error
	MarkSkipped(ctx context.Context, id int64, routing, reason string) error
}

// SendGuard is the cross-process pacing check consulted right before a send.
// A false result defers the delivery, it does not fail it.
type SendGuard interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// DispatcherOptions tunes the delivery worker.
type DispatcherOptions struct {
	BatchSize    int
	ClaimFor     time.Duration
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (o *DispatcherOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.ClaimFor <= 0 {
		o.ClaimFor = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Minute
	}
}

// Dispatcher polls due intents and executes deliveries against the external
// capability, committing every outcome against the idempotency ledger.
type Dispatcher struct {
	store     DispatchStore
	deliverer capability.Deliverer
	guard     SendGuard
	opts      DispatcherOptions
	log       zerolog.Logger
}

// NewDispatcher wires a delivery worker. guard may be nil (no cross-process
// pacing check).
func NewDispatcher(st DispatchStore, d capability.Deliverer, guard SendGuard, opts DispatcherOptions, log zerolog.Logger) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		store:     st,
		deliverer: d,
		guard:     guard,
		opts:      opts,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run polls for due intents until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("dispatch pass failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// RunOnce claims one batch of due intents and processes each. Per-intent
// errors are contained; one bad intent never stalls the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimDueIntents(ctx, d.opts.BatchSize, d.opts.ClaimFor)
	if err != nil {
		return 0, fmt.Errorf("claim due intents: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	rules := d.loadRules(ctx)
	for _, it := range batch {
		if ctx.Err() != nil {
			return len(batch), ctx.Err()
		}
		d.process(ctx, it, rules)
	}
	return len(batch), nil
}

func (d *Dispatcher) loadRules(ctx context.Context) map[int64]models.Rule {
	out := map[int64]models.Rule{}
	rules, err := d.store.ListEnabledRules(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("load rules failed")
		return out
	}
	for _, r := range rules {
		out[r.ID] = r
	}
	return out
}

// process runs the delivery sequence for one claimed intent: cancel check,
// ledger check, guard, render, deliver, commit. The final ledger write's
// unique key decides races; a lost race is success, not an error.
func (d *Dispatcher) process(ctx context.Context, it models.DeliveryIntent, rules map[int64]models.Rule) {
	log := d.log.With().Int64("intent", it.ID).Str("content", it.ContentID).Str("target", it.Destination()).Logger()

	// Cancellation is cooperative: check just before doing any work.
	fresh, err := d.store.GetIntent(ctx, it.ID)
	if err != nil {
		log.Error().Err(err).Msg("reload intent failed")
		return
	}
	if fresh.Status != models.IntentProcessing {
		log.Debug().Str("status", fresh.Status).Msg("intent left processing, dropping claim")
		return
	}
	it = fresh

	dest := it.Destination()

	// A prior success for this (content, target) pre-empts delivery, e.g.
	// overlapping rules aimed at the same destination.
	if _, found, err := d.store.FindSuccessReceipt(ctx, it.ContentID, it.TargetPlatform, dest); err != nil {
		log.Error().Err(err).Msg("ledger lookup failed")
		d.retry(ctx, it, fmt.Errorf("ledger lookup: %w", err))
		return
	} else if found {
		telemetry.IntentsSkipped.Inc()
		if err := d.store.MarkSkipped(ctx, it.ID, it.SensitiveRouting, "already delivered"); err != nil {
			log.Error().Err(err).Msg("mark skipped failed")
		}
		return
	}

	if d.guard != nil {
		if rule, ok := rules[it.RuleID]; ok && rule.RateLimit > 0 && rule.TimeWindowSecs > 0 {
			allowed, err := d.guard.Allow(ctx, guardKey(it), rule.RateLimit, rule.Window())
			if err != nil {
				log.Warn().Err(err).Msg("send guard unavailable, proceeding on scheduler pacing")
			} else if !allowed {
				telemetry.SendGuardHolds.Inc()
				hold := rule.Window() / time.Duration(rule.RateLimit)
				if err := d.store.PushBackIntent(ctx, it.ID, time.Now().Add(hold)); err != nil {
					log.Error().Err(err).Msg("push back failed")
				}
				return
			}
		}
	}

	payload, err := d.renderCached(ctx, it)
	if err != nil {
		log.Error().Err(err).Msg("render failed")
		d.retry(ctx, it, err)
		return
	}

	ref, err := d.deliverer.Deliver(ctx, payload, capability.Target{Platform: it.TargetPlatform, ID: dest})
	if err != nil {
		if capability.IsRetryable(err) && it.Attempts+1 < it.MaxAttempts {
			d.retry(ctx, it, err)
			return
		}
		telemetry.DeliveryTerminal.Inc()
		log.Error().Err(err).Int("attempts", it.Attempts+1).Msg("delivery failed terminally")
		msg := err.Error()
		if _, rerr := d.store.RecordDelivery(ctx, models.DeliveryReceipt{
			ContentID:      it.ContentID,
			TargetPlatform: it.TargetPlatform,
			TargetID:       dest,
			Status:         models.ReceiptFailed,
			ErrorMessage:   &msg,
		}); rerr != nil {
			log.Error().Err(rerr).Msg("record failed receipt failed")
		}
		if err := d.store.MarkIntentFailed(ctx, it.ID, msg); err != nil {
			log.Error().Err(err).Msg("mark failed failed")
		}
		return
	}

	won, err := d.store.RecordDelivery(ctx, models.DeliveryReceipt{
		ContentID:      it.ContentID,
		TargetPlatform: it.TargetPlatform,
		TargetID:       dest,
		DeliveryRef:    ref,
		Status:         models.ReceiptSuccess,
	})
	if err != nil {
		// The message went out but the ledger write failed; retrying the
		// intent re-runs the ledger pre-check, never the send blindly.
		log.Error().Err(err).Msg("record receipt failed")
		d.retry(ctx, it, fmt.Errorf("record receipt: %w", err))
		return
	}
	if !won {
		log.Debug().Msg("lost receipt race, another worker delivered")
	}
	telemetry.DeliverySuccess.Inc()
	if err := d.store.MarkIntentSuccess(ctx, it.ID); err != nil {
		log.Error().Err(err).Msg("mark success failed")
		return
	}
	log.Info().Str("ref", ref).Msg("delivered")
}

// renderCached returns the intent's cached payload or renders and caches it.
func (d *Dispatcher) renderCached(ctx context.Context, it models.DeliveryIntent) (capability.Payload, error) {
	if it.RenderedPayload != nil && *it.RenderedPayload != "" {
		return DecodePayload(*it.RenderedPayload)
	}
	c, err := d.store.GetContent(ctx, it.ContentID)
	if err != nil {
		return capability.Payload{}, fmt.Errorf("load content: %w", err)
	}
	p := RenderPayload(c)
	encoded, err := EncodePayload(p)
	if err != nil {
		return capability.Payload{}, err
	}
	if err := d.store.SaveRenderedPayload(ctx, it.ID, encoded); err != nil {
		return capability.Payload{}, fmt.Errorf("cache payload: %w", err)
	}
	return p, nil
}

// retry pushes a claimed intent back to scheduled with exponential backoff,
// or fails it terminally once attempts run out.
func (d *Dispatcher) retry(ctx context.Context, it models.DeliveryIntent, cause error) {
	attempts := it.Attempts + 1
	if attempts >= it.MaxAttempts {
		telemetry.DeliveryTerminal.Inc()
		msg := cause.Error()
		if _, err := d.store.RecordDelivery(ctx, models.DeliveryReceipt{
			ContentID:      it.ContentID,
			TargetPlatform: it.TargetPlatform,
			TargetID:       it.Destination(),
			Status:         models.ReceiptFailed,
			ErrorMessage:   &msg,
		}); err != nil {
			d.log.Error().Err(err).Int64("intent", it.ID).Msg("record failed receipt failed")
		}
		if err := d.store.MarkIntentFailed(ctx, it.ID, msg); err != nil {
			d.log.Error().Err(err).Int64("intent", it.ID).Msg("mark failed failed")
		}
		return
	}
	telemetry.DeliveryFailures.Inc()
	delay := queue.Backoff(d.opts.BackoffBase, d.opts.BackoffCap, it.Attempts)
	if err := d.store.RetryIntent(ctx, it.ID, attempts, time.Now().Add(delay), cause.Error()); err != nil {
		d.log.Error().Err(err).Int64("intent", it.ID).Msg("retry intent failed")
	}
}

func guardKey(it models.DeliveryIntent) string {
	return fmt.Sprintf("guard:%d:%s:%s", it.RuleID, it.TargetPlatform, it.TargetID)
}
