package models

import (
	"time"
)

// IntentStatus enumerates delivery-intent lifecycle states. Success, Skipped,
// Canceled and Failed (after max attempts) are terminal.
const (
	IntentPending    = "pending"
	IntentScheduled  = "scheduled"
	IntentProcessing = "processing"
	IntentSuccess    = "success"
	IntentFailed     = "failed"
	IntentSkipped    = "skipped"
	IntentCanceled   = "canceled"
)

// Sensitive routing outcomes recorded on an intent once resolved.
const (
	RoutingUnresolved = ""
	RoutingAllowed    = "allowed"
	RoutingBlocked    = "blocked"
	RoutingRerouted   = "rerouted"
)

// DeliveryIntent is the planned push of one content item to one target under
// one rule. The (content, rule, target) triple is unique; TargetID always
// keeps the original target so re-matching stays idempotent, while DeliverTo
// holds the destination actually used after sensitive routing.
type DeliveryIntent struct {
	ID               int64      `json:"id"`
	ContentID        string     `json:"content_id"`
	RuleID           int64      `json:"rule_id"`
	TargetPlatform   string     `json:"target_platform"`
	TargetID         string     `json:"target_id"`
	DeliverTo        string     `json:"deliver_to"`
	Status           string     `json:"status"`
	Priority         int        `json:"priority"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	LastError        *string    `json:"last_error,omitempty"`
	RenderedPayload  *string    `json:"rendered_payload,omitempty"`
	SensitiveRouting string     `json:"sensitive_routing,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	ContentCreatedAt time.Time  `json:"content_created_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Destination returns where this intent actually delivers: the rerouted
// channel when sensitive routing rewrote it, the original target otherwise.
func (i DeliveryIntent) Destination() string {
	if i.DeliverTo != "" {
		return i.DeliverTo
	}
	return i.TargetID
}

// Terminal reports whether the intent can no longer change state.
func (i DeliveryIntent) Terminal() bool {
	switch i.Status {
	case IntentSuccess, IntentSkipped, IntentCanceled, IntentFailed:
		return true
	}
	return false
}
