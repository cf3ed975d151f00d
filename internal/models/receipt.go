package models

import (
	"time"
)

// Receipt statuses.
const (
	ReceiptSuccess = "success"
	ReceiptFailed  = "failed"
)

// DeliveryReceipt is one row of the idempotency ledger, unique on
// (content_id, target_platform, target_id). A success row is the
// authoritative "already delivered" signal for that key.
type DeliveryReceipt struct {
	ContentID      string    `json:"content_id"`
	TargetPlatform string    `json:"target_platform"`
	TargetID       string    `json:"target_id"`
	DeliveryRef    string    `json:"delivery_ref"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at"`
}
