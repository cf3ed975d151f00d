package models

import (
	"time"
)

// Job kinds processed by the worker loops.
const (
	JobKindParse   = "parse"
	JobKindDeliver = "deliver"
)

// JobStatus enumerates queue lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobLeased     = "leased"
	JobDone       = "done"
	JobFailed     = "failed"
	JobDeadLetter = "dead_lettered"
)

// Job is one row of the durable lease queue.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	AvailableAt    time.Time      `json:"available_at"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ContentID reads the content id carried in a parse/deliver payload.
func (j Job) ContentID() string {
	if v, ok := j.Payload["content_id"].(string); ok {
		return v
	}
	return ""
}
