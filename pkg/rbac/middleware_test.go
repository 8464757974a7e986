package rbac

import "testing"

func TestGuardCheckTool_Allowed(t *testing.T) {
	p := NewPolicy()
	p.Grant("alice", TierOperator)
	g := NewGuard(p)

	d := g.CheckTool("alice", "start_node")
	if !d.Allowed {
		t.Fatalf("expected allowed, got denied: %s", d.Reason)
	}
	if d.RequiredTier != TierOperator || d.CallerTier != TierOperator {
		t.Errorf("required=%v have=%v", d.RequiredTier, d.CallerTier)
	}
}

func TestGuardCheckTool_Denied(t *testing.T) {
	p := NewPolicy()
	p.Grant("viewer-bot", TierViewer)
	g := NewGuard(p)

	d := g.CheckTool("viewer-bot", "stop_node")
	if d.Allowed {
		t.Fatal("expected denied")
	}
	if d.RequiredTier != TierOperator {
		t.Errorf("required = %v, want Operator", d.RequiredTier)
	}
	if d.Reason == "" {
		t.Error("expected a reason for the denial")
	}
}

func TestGuardCheckTool_Blocked(t *testing.T) {
	p := NewPolicy()
	p.Grant("root", TierAdmin)
	g := NewGuard(p)

	d := g.CheckTool("root", "build_node")
	if d.Allowed {
		t.Fatal("build_node must never be allowed via MCP, even for Admin")
	}
	if d.RequiredTier != TierAdmin {
		t.Errorf("required = %v, want Admin", d.RequiredTier)
	}
}

func TestGuardCheckTool_UnknownTool(t *testing.T) {
	p := NewPolicy()
	p.Grant("root", TierAdmin)
	g := NewGuard(p)

	d := g.CheckTool("root", "does_not_exist")
	if d.Allowed {
		t.Fatal("unknown tool must be denied")
	}
}
