package distribute

import (
	"github.com/ienone/VaultStream-sub003/internal/models"
)

// Routing is the resolved sensitive-content decision for one intent.
type Routing struct {
	Result    string // models.RoutingAllowed / RoutingBlocked / RoutingRerouted
	DeliverTo string // set only when rerouted
	Reason    string // set only when blocked
}

// ResolveRouting decides once, at scheduling time, whether sensitive content
// may reach the target. The target's policy override wins over the rule's;
// the policy variants are a closed set and anything unrecognized blocks, so
// sensitive content never leaks through a misconfigured rule.
func ResolveRouting(c models.Content, r models.Rule, t models.Target) Routing {
	if !c.IsSensitive {
		return Routing{Result: models.RoutingAllowed}
	}

	policy := r.SensitivePolicy
	if t.SensitivePolicy != nil && *t.SensitivePolicy != "" {
		policy = *t.SensitivePolicy
	}

	switch policy {
	case models.SensitiveAllow:
		return Routing{Result: models.RoutingAllowed}
	case models.SensitiveSeparateChannel:
		channel := r.SensitiveChannelID
		if t.SensitiveChannelID != nil && *t.SensitiveChannelID != "" {
			channel = *t.SensitiveChannelID
		}
		if channel == "" {
			return Routing{Result: models.RoutingBlocked, Reason: "sensitive content: no separate channel configured"}
		}
		return Routing{Result: models.RoutingRerouted, DeliverTo: channel}
	case models.SensitiveBlock:
		return Routing{Result: models.RoutingBlocked, Reason: "sensitive content blocked by policy"}
	default:
		return Routing{Result: models.RoutingBlocked, Reason: "sensitive content: unknown policy " + policy}
	}
}
