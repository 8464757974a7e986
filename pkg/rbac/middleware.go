package rbac

import "fmt"

// Decision is the outcome of a tool-call authorization check, carrying
// enough detail for both the JSON-RPC tool result and the audit record.
type Decision struct {
	Allowed      bool
	RequiredTier Tier
	CallerTier   Tier
	Reason       string
}

// Guard wraps a Policy with the tool-call-level authorization check every
// MCP handler runs before dispatch.
type Guard struct {
	policy *Policy
}

// NewGuard builds a Guard around policy.
func NewGuard(policy *Policy) *Guard {
	return &Guard{policy: policy}
}

// CheckTool evaluates whether caller may invoke tool, independent of any
// per-node protection (protected-node guarding is the node manager's job —
// see pkg/node's Protected check — so this only decides the tier question).
func (g *Guard) CheckTool(caller, tool string) Decision {
	if BlockedTools[tool] {
		return Decision{
			Allowed:      false,
			RequiredTier: TierAdmin,
			CallerTier:   g.policy.TierOf(caller),
			Reason:       fmt.Sprintf("tool %q is permanently blocked from MCP invocation", tool),
		}
	}
	allowed, required, have := g.policy.Check(caller, tool)
	d := Decision{Allowed: allowed, RequiredTier: required, CallerTier: have}
	if !allowed {
		if _, known := RequiredTier(tool); !known {
			d.Reason = fmt.Sprintf("unknown tool %q", tool)
		} else {
			d.Reason = fmt.Sprintf("caller tier %s below required tier %s", have, required)
		}
	}
	return d
}
