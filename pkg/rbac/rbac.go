// Package rbac implements the MCP plane's policy tiers: a static
// tool→tier map, a configured caller→tier map, and the tier comparison the
// MCP server checks before dispatching any tool call.
//
// Deny by default, least privilege, every decision auditable. The model is
// a flat three-tier ladder; bubbaloop has no multi-tenant scoping concept
// to enforce.
package rbac

import (
	"fmt"
	"sync"
)

// Tier is an RBAC level. Tiers are totally ordered: Viewer < Operator < Admin.
type Tier int

const (
	TierUnknown Tier = iota
	TierViewer
	TierOperator
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierViewer:
		return "Viewer"
	case TierOperator:
		return "Operator"
	case TierAdmin:
		return "Admin"
	default:
		return "Unknown"
	}
}

// ParseTier parses a tier name (case-sensitive, matching String()).
func ParseTier(s string) (Tier, error) {
	switch s {
	case "Viewer":
		return TierViewer, nil
	case "Operator":
		return TierOperator, nil
	case "Admin":
		return TierAdmin, nil
	default:
		return TierUnknown, fmt.Errorf("rbac: unknown tier %q", s)
	}
}

// ToolTiers is the static tool→required-tier map. Tools not present here
// are always denied; there is no "unknown tool defaults to read-only"
// carve-out.
var ToolTiers = map[string]Tier{
	// Discovery — Viewer
	"list_nodes":        TierViewer,
	"get_node_detail":   TierViewer,
	"get_node_health":   TierViewer,
	"get_node_manifest": TierViewer,
	"discover_nodes":    TierViewer,
	"get_node_schema":   TierViewer,
	"get_node_config":   TierViewer,
	"list_commands":     TierViewer,
	"list_agent_rules":  TierViewer,
	"get_events":        TierViewer,
	"get_system_status": TierViewer,
	"get_machine_info":  TierViewer,
	"get_node_logs":     TierViewer,
	"get_stream_info":   TierViewer,

	// Lifecycle on non-protected nodes — Operator
	"start_node":          TierOperator,
	"stop_node":           TierOperator,
	"restart_node":        TierOperator,
	"enable_autostart":    TierOperator,
	"disable_autostart":   TierOperator,
	"query_zenoh":         TierOperator,
	"send_command":        TierOperator,
	"add_rule":            TierOperator,
	"remove_rule":         TierOperator,
	"update_rule":         TierOperator,
	"test_rule":           TierOperator,

	// Admin-only: installs arbitrary marketplace code, tears down service
	// units, or wipes build artifacts.
	"install_node":   TierAdmin,
	"uninstall_node": TierAdmin,
	"clean_node":     TierAdmin,
}

// BlockedTools are never invocable from the MCP plane regardless of tier,
// because they execute arbitrary commands declared by the node manifest
// itself.
var BlockedTools = map[string]bool{
	"build_node": true,
	"add_node":   true,
}

// ErrBlocked is returned for a tool in BlockedTools.
var ErrBlocked = fmt.Errorf("rbac: tool permanently blocked from MCP invocation")

// RequiredTier returns the tier a tool requires. ok is false for unknown
// tools, which callers must treat as denied.
func RequiredTier(tool string) (Tier, bool) {
	t, ok := ToolTiers[tool]
	return t, ok
}

// Allows reports whether caller satisfies the tier required by tool.
func Allows(caller Tier, tool string) bool {
	required, ok := RequiredTier(tool)
	if !ok {
		return false
	}
	return caller >= required
}

// Policy holds the configured caller_identity → tier map.
type Policy struct {
	mu      sync.RWMutex
	callers map[string]Tier
	// defaultTier is used for callers with no explicit mapping. Set it
	// via SetDefault; the zero value TierUnknown denies everything.
	defaultTier Tier
}

// NewPolicy creates an empty policy. Unmapped callers get TierUnknown
// (denied) until SetDefault or Grant is called.
func NewPolicy() *Policy {
	return &Policy{callers: make(map[string]Tier), defaultTier: TierUnknown}
}

// Grant assigns a tier to a caller identity.
func (p *Policy) Grant(caller string, tier Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callers[caller] = tier
}

// SetDefault sets the tier used for callers with no explicit grant.
func (p *Policy) SetDefault(tier Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultTier = tier
}

// TierOf resolves a caller identity to its tier.
func (p *Policy) TierOf(caller string) Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.callers[caller]; ok {
		return t
	}
	return p.defaultTier
}

// Check evaluates whether caller may invoke tool. It returns the resolved
// tier (for audit/error reporting) alongside the decision.
func (p *Policy) Check(caller, tool string) (allowed bool, required, have Tier) {
	if BlockedTools[tool] {
		return false, TierAdmin, p.TierOf(caller)
	}
	required, ok := RequiredTier(tool)
	if !ok {
		return false, TierUnknown, p.TierOf(caller)
	}
	have = p.TierOf(caller)
	return have >= required, required, have
}
