package automation

import (
	"context"
	"testing"
	"time"

	"github.com/bubbaloop/daemon/pkg/node"
)

type fakeExecutor struct {
	calls []node.Command
}

func (f *fakeExecutor) Execute(_ context.Context, cmd node.Command) (*node.Result, error) {
	f.calls = append(f.calls, cmd)
	return &node.Result{Success: true}, nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, ruleName, nodeName, message string) {
	f.messages = append(f.messages, ruleName+":"+nodeName+":"+message)
}

func TestAddGetListRemoveRule(t *testing.T) {
	dir := t.TempDir()
	eng, err := NewEngine(dir, &fakeExecutor{}, &fakeNotifier{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	rule := Rule{
		Name:    "restart-on-fail",
		Trigger: Trigger{Kind: node.EventStatusChanged},
		Action:  Action{Kind: ActionNotify, Message: "node failed"},
		Enabled: true,
	}
	if err := eng.Add(rule); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := eng.Add(rule); err == nil {
		t.Error("expected duplicate Add to fail")
	}

	got, ok := eng.Get("restart-on-fail")
	if !ok {
		t.Fatal("expected rule to be found")
	}
	if got.Action.Message != "node failed" {
		t.Errorf("unexpected action message: %q", got.Action.Message)
	}

	if len(eng.List()) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(eng.List()))
	}

	if err := eng.Remove("restart-on-fail"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := eng.Get("restart-on-fail"); ok {
		t.Error("expected rule to be gone after Remove")
	}
}

func TestRulesPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()
	eng, err := NewEngine(dir, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rule := Rule{
		Name:    "demo",
		Trigger: Trigger{Kind: node.EventRegistered},
		Action:  Action{Kind: ActionNotify, Message: "hi"},
		Enabled: true,
	}
	if err := eng.Add(rule); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng2, err := NewEngine(dir, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine reload: %v", err)
	}
	if _, ok := eng2.Get("demo"); !ok {
		t.Fatal("expected rule to survive reload from disk")
	}
}

func TestUpdateUnknownRuleFails(t *testing.T) {
	dir := t.TempDir()
	eng, _ := NewEngine(dir, nil, nil, nil)
	err := eng.Update(Rule{Name: "ghost", Trigger: Trigger{Kind: node.EventRemoved}, Action: Action{Kind: ActionNotify}})
	if err == nil {
		t.Fatal("expected error updating nonexistent rule")
	}
}

func TestValidateRejectsBadPattern(t *testing.T) {
	r := Rule{Name: "bad", Trigger: Trigger{NodePattern: "(unterminated"}, Action: Action{Kind: ActionNotify}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error for bad regexp")
	}
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	r := Rule{Name: "bad", Trigger: Trigger{Kind: node.EventRemoved}, Action: Action{Kind: "explode"}}
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error for unknown action kind")
	}
}

func TestTestRule(t *testing.T) {
	dir := t.TempDir()
	eng, _ := NewEngine(dir, nil, nil, nil)
	rule := Rule{
		Name:    "camera-only",
		Trigger: Trigger{Kind: node.EventStatusChanged, NodePattern: "^camera-.*"},
		Action:  Action{Kind: ActionNotify},
		Enabled: true,
	}
	eng.Add(rule)

	matched, err := eng.Test("camera-only", node.Event{Kind: node.EventStatusChanged, NodeName: "camera-entrance"})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if !matched {
		t.Error("expected trigger to match camera-entrance")
	}

	matched, err = eng.Test("camera-only", node.Event{Kind: node.EventStatusChanged, NodeName: "weather-probe"})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if matched {
		t.Error("expected trigger to not match weather-probe")
	}
}

func TestRunFiresNotifyAction(t *testing.T) {
	dir := t.TempDir()
	notifier := &fakeNotifier{}
	eng, _ := NewEngine(dir, nil, notifier, nil)
	eng.Add(Rule{
		Name:    "notify-on-remove",
		Trigger: Trigger{Kind: node.EventRemoved},
		Action:  Action{Kind: ActionNotify, Message: "node removed"},
		Enabled: true,
	})

	events := make(chan node.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx, events)
		close(done)
	}()

	events <- node.Event{Kind: node.EventRemoved, NodeName: "demo", Timestamp: time.Now()}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if len(notifier.messages) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.messages))
	}
}

func TestRunFiresCommandAction(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{}
	eng, _ := NewEngine(dir, exec, nil, nil)
	eng.Add(Rule{
		Name:    "restart-on-fail",
		Trigger: Trigger{Kind: node.EventStatusChanged},
		Action:  Action{Kind: ActionCommand, Command: node.CmdRestart},
		Enabled: true,
	})

	events := make(chan node.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx, events)
		close(done)
	}()

	events <- node.Event{Kind: node.EventStatusChanged, NodeName: "demo"}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if len(exec.calls) != 1 || exec.calls[0].Kind != node.CmdRestart {
		t.Fatalf("expected one restart command, got %+v", exec.calls)
	}
}

func TestDisabledRuleDoesNotFire(t *testing.T) {
	dir := t.TempDir()
	notifier := &fakeNotifier{}
	eng, _ := NewEngine(dir, nil, notifier, nil)
	eng.Add(Rule{
		Name:    "disabled",
		Trigger: Trigger{Kind: node.EventRemoved},
		Action:  Action{Kind: ActionNotify, Message: "should not fire"},
		Enabled: false,
	})

	eng.evaluate(context.Background(), node.Event{Kind: node.EventRemoved, NodeName: "demo"})
	if len(notifier.messages) != 0 {
		t.Errorf("expected no notifications for disabled rule, got %v", notifier.messages)
	}
}

func TestRecentEventsReturnsLastN(t *testing.T) {
	dir := t.TempDir()
	eng, _ := NewEngine(dir, nil, nil, nil)
	for i := 0; i < 5; i++ {
		eng.recordEvent(node.Event{NodeName: "demo", Kind: node.EventRegistered})
	}
	recent := eng.RecentEvents(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
}
