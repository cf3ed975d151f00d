package store

import (
	"context"
	"fmt"

	"github.com/ienone/VaultStream-sub003/internal/models"
)

// ListEnabledRules returns all enabled rules with their targets attached,
// ordered by priority desc then id asc so matching is deterministic.
func (s *Store) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, enabled, priority, include_tags, exclude_tags, platforms, match_mode,
		       sensitive_policy, sensitive_channel_id, approval_required, rate_limit, time_window_secs,
		       created_at, updated_at
		FROM rules WHERE enabled = TRUE
		ORDER BY priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	index := map[int64]int{}
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.IncludeTags, &r.ExcludeTags,
			&r.Platforms, &r.MatchMode, &r.SensitivePolicy, &r.SensitiveChannelID, &r.ApprovalRequired,
			&r.RateLimit, &r.TimeWindowSecs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		index[r.ID] = len(rules)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	trows, err := s.pool.Query(ctx, `
		SELECT t.id, t.rule_id, t.position, t.target_platform, t.target_id,
		       t.sensitive_policy, t.sensitive_channel_id, t.is_accessible
		FROM targets t JOIN rules r ON r.id = t.rule_id
		WHERE r.enabled = TRUE
		ORDER BY t.rule_id, t.position, t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer trows.Close()

	for trows.Next() {
		var t models.Target
		if err := trows.Scan(&t.ID, &t.RuleID, &t.Position, &t.TargetPlatform, &t.TargetID,
			&t.SensitivePolicy, &t.SensitiveChannelID, &t.IsAccessible); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if i, ok := index[t.RuleID]; ok {
			rules[i].Targets = append(rules[i].Targets, t)
		}
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return rules, nil
}

// GetRule fetches one rule with targets, regardless of enabled state.
func (s *Store) GetRule(ctx context.Context, id int64) (models.Rule, error) {
	var r models.Rule
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, enabled, priority, include_tags, exclude_tags, platforms, match_mode,
		       sensitive_policy, sensitive_channel_id, approval_required, rate_limit, time_window_secs,
		       created_at, updated_at
		FROM rules WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &r.IncludeTags, &r.ExcludeTags,
		&r.Platforms, &r.MatchMode, &r.SensitivePolicy, &r.SensitiveChannelID, &r.ApprovalRequired,
		&r.RateLimit, &r.TimeWindowSecs, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Rule{}, fmt.Errorf("query rule: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, position, target_platform, target_id, sensitive_policy, sensitive_channel_id, is_accessible
		FROM targets WHERE rule_id = $1 ORDER BY position, id
	`, id)
	if err != nil {
		return models.Rule{}, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.RuleID, &t.Position, &t.TargetPlatform, &t.TargetID,
			&t.SensitivePolicy, &t.SensitiveChannelID, &t.IsAccessible); err != nil {
			return models.Rule{}, fmt.Errorf("scan target: %w", err)
		}
		r.Targets = append(r.Targets, t)
	}
	return r, rows.Err()
}
