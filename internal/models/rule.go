package models

import (
	"time"
)

// Tag match modes.
const (
	MatchAny = "any"
	MatchAll = "all"
)

// Sensitive-content routing policies. The zero value of a target override is
// "inherit from the rule", represented as a nil pointer on Target.
const (
	SensitiveBlock           = "block"
	SensitiveAllow           = "allow"
	SensitiveSeparateChannel = "separate_channel"
)

// Rule is one user-authored distribution rule. Rules are treated as a
// read-committed snapshot during a matching pass.
type Rule struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Enabled            bool      `json:"enabled"`
	Priority           int       `json:"priority"`
	IncludeTags        []string  `json:"include_tags"`
	ExcludeTags        []string  `json:"exclude_tags"`
	Platforms          []string  `json:"platforms"`
	MatchMode          string    `json:"match_mode"`
	SensitivePolicy    string    `json:"sensitive_policy"`
	SensitiveChannelID string    `json:"sensitive_channel_id,omitempty"`
	ApprovalRequired   bool      `json:"approval_required"`
	RateLimit          int       `json:"rate_limit"`
	TimeWindowSecs     int       `json:"time_window_secs"`
	Targets            []Target  `json:"targets"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Window returns the rule's rate-limit window as a duration.
func (r Rule) Window() time.Duration {
	return time.Duration(r.TimeWindowSecs) * time.Second
}

// Target is one external delivery destination attached to a rule.
type Target struct {
	ID                 int64   `json:"id"`
	RuleID             int64   `json:"rule_id"`
	Position           int     `json:"position"`
	TargetPlatform     string  `json:"target_platform"`
	TargetID           string  `json:"target_id"`
	SensitivePolicy    *string `json:"sensitive_policy,omitempty"`
	SensitiveChannelID *string `json:"sensitive_channel_id,omitempty"`
	IsAccessible       bool    `json:"is_accessible"`
}
