// Package distribute implements the rule-matching engine, the rate-limit
// scheduler and the delivery dispatcher that move parsed content to its
// configured targets with an exactly-once guarantee per (content, target).
package distribute

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ienone/VaultStream-sub003/internal/models"
	"github.com/ienone/VaultStream-sub003/internal/store"
	"github.com/ienone/VaultStream-sub003/internal/telemetry"
)

// MatchStore is the slice of the store the matcher needs.
type MatchStore interface {
	GetContent(ctx context.Context, id string) (models.Content, error)
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
	CreateIntent(ctx context.Context, p store.CreateIntentParams) (bool, error)
	AutoApprove(ctx context.Context, id string) error
}

// Matcher evaluates parsed content against the enabled rule set and creates
// delivery intents. Matching is idempotent: the (content, rule, target)
// unique key makes re-runs no-ops.
type Matcher struct {
	store       MatchStore
	maxAttempts int
	log         zerolog.Logger
}

// NewMatcher builds a matcher. maxAttempts is stamped onto created intents.
func NewMatcher(st MatchStore, maxAttempts int, log zerolog.Logger) *Matcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Matcher{
		store:       st,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "matcher").Logger(),
	}
}

// Match evaluates one content against all enabled rules (priority desc, id
// asc) and creates one intent per matching (rule, target). Returns how many
// intents were newly created.
func (m *Matcher) Match(ctx context.Context, contentID string) (int, error) {
	c, err := m.store.GetContent(ctx, contentID)
	if err != nil {
		return 0, fmt.Errorf("load content: %w", err)
	}
	if c.ParseStatus != models.ParseSuccess {
		return 0, nil
	}

	rules, err := m.store.ListEnabledRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}

	created := 0
	matchedAny := false
	approvalWanted := false
	for _, r := range rules {
		if !RuleMatches(r, c) {
			continue
		}
		matchedAny = true
		if r.ApprovalRequired {
			approvalWanted = true
		}
		for _, t := range r.Targets {
			if !t.IsAccessible {
				continue
			}
			ok, err := m.store.CreateIntent(ctx, store.CreateIntentParams{
				ContentID:      c.ID,
				RuleID:         r.ID,
				TargetPlatform: t.TargetPlatform,
				TargetID:       t.TargetID,
				Priority:       IntentPriority(r, c),
				MaxAttempts:    m.maxAttempts,
			})
			if err != nil {
				return created, fmt.Errorf("create intent rule=%d target=%s: %w", r.ID, t.TargetID, err)
			}
			if ok {
				created++
				telemetry.IntentsCreated.Inc()
			}
		}
	}

	// Content still pending review auto-approves when every rule it matched
	// is fine without a reviewer. A concurrent explicit decision wins.
	if matchedAny && !approvalWanted && c.ReviewStatus == models.ReviewPending {
		if err := m.store.AutoApprove(ctx, c.ID); err != nil {
			return created, fmt.Errorf("auto approve: %w", err)
		}
	}

	m.log.Debug().Str("content", contentID).Int("created", created).Bool("matched", matchedAny).Msg("matching pass done")
	return created, nil
}

// RuleMatches reports whether a rule's conditions all pass for the content:
// platform allow-list (empty allows all), exclude tags (any overlap rejects),
// and include tags per match mode (empty include list means no tag
// constraint; "any" wants overlap, "all" wants a subset).
func RuleMatches(r models.Rule, c models.Content) bool {
	if len(r.Platforms) > 0 && !contains(r.Platforms, c.Platform) {
		return false
	}
	if overlaps(r.ExcludeTags, c.Tags) {
		return false
	}
	if len(r.IncludeTags) == 0 {
		return true
	}
	switch r.MatchMode {
	case models.MatchAll:
		return subset(r.IncludeTags, c.Tags)
	default: // any
		return overlaps(r.IncludeTags, c.Tags)
	}
}

// IntentPriority derives a scheduling priority: rule ordering dominates,
// content priority breaks ties within a rule.
func IntentPriority(r models.Rule, c models.Content) int {
	cp := c.Priority
	if cp < 0 {
		cp = 0
	}
	if cp > 9 {
		cp = 9
	}
	return r.Priority*10 + cp
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

func subset(want, have []string) bool {
	for _, v := range want {
		if !contains(have, v) {
			return false
		}
	}
	return true
}
