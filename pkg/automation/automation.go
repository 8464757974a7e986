// Package automation implements the agent rule engine backing the
// `list_agent_rules`, `add_rule`, `remove_rule`, `update_rule`,
// `test_rule`, and `get_events` tools: YAML-defined rules loaded from a
// directory, one file per rule, evaluated as trigger/condition/action
// against the NodeEvent stream emitted by the node manager.
package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/node"
)

// Trigger selects which NodeEvents a Rule considers.
type Trigger struct {
	Kind        node.EventKind `yaml:"kind" json:"kind"`
	NodePattern string         `yaml:"node_pattern,omitempty" json:"node_pattern,omitempty"` // regexp, empty = any node
}

func (t Trigger) matches(ev node.Event) bool {
	if t.Kind != "" && t.Kind != ev.Kind {
		return false
	}
	if t.NodePattern == "" {
		return true
	}
	re, err := regexp.Compile(t.NodePattern)
	if err != nil {
		return false
	}
	return re.MatchString(ev.NodeName)
}

// ActionKind tags the variant held by Action.
type ActionKind string

const (
	ActionNotify  ActionKind = "notify"
	ActionCommand ActionKind = "command"
)

// Action is what a Rule does when its Trigger fires.
type Action struct {
	Kind    ActionKind      `yaml:"kind" json:"kind"`
	Message string          `yaml:"message,omitempty" json:"message,omitempty"` // for notify
	Command node.CommandKind `yaml:"command,omitempty" json:"command,omitempty"` // for command
}

// Rule is a single agent automation rule: on Trigger, evaluate, then run
// Action against the node that triggered it.
type Rule struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     Trigger `yaml:"trigger" json:"trigger"`
	Action      Action  `yaml:"action" json:"action"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`
}

// Validate checks the rule's static shape before it is persisted.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("automation: rule name is required")
	}
	if r.Trigger.NodePattern != "" {
		if _, err := regexp.Compile(r.Trigger.NodePattern); err != nil {
			return fmt.Errorf("automation: invalid node_pattern: %w", err)
		}
	}
	switch r.Action.Kind {
	case ActionNotify, ActionCommand:
	default:
		return fmt.Errorf("automation: unsupported action kind %q", r.Action.Kind)
	}
	return nil
}

// Notifier is how ActionNotify rules surface a message; the dashboard and
// MCP-facing event feed both implement this over their own transport.
type Notifier interface {
	Notify(ctx context.Context, ruleName, nodeName, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ruleName, nodeName, message string)

func (f NotifierFunc) Notify(ctx context.Context, ruleName, nodeName, message string) {
	f(ctx, ruleName, nodeName, message)
}

// Executor runs the node.Command an ActionCommand rule fires.
type Executor interface {
	Execute(ctx context.Context, cmd node.Command) (*node.Result, error)
}

// firedRecord is kept for introspection of rule firings, bounded so the
// engine's memory footprint never grows unbounded (mirrors the build ring
// buffer's drop-oldest discipline).
type firedRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	Rule      string     `json:"rule"`
	Event     node.Event `json:"event"`
	Action    Action     `json:"action"`
	Err       string     `json:"error,omitempty"`
}

const (
	firedCap = 500
	eventCap = 1000
)

// Engine loads, persists, and evaluates Rules against the NodeEvent stream.
// One YAML file per rule under dir.
type Engine struct {
	dir      string
	executor Executor
	notifier Notifier
	log      *logging.Logger

	mu    sync.RWMutex
	rules map[string]Rule

	firedMu sync.Mutex
	fired   []firedRecord

	eventsMu  sync.Mutex
	allEvents []node.Event
}

// NewEngine creates an automation engine rooted at dir, usually
// `{data_root}/rules/`, loading any rules already on disk.
func NewEngine(dir string, executor Executor, notifier Notifier, log *logging.Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("automation: create rules dir: %w", err)
	}
	e := &Engine{dir: dir, executor: executor, notifier: notifier, log: log, rules: make(map[string]Rule)}
	if err := e.loadAll(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) ruleName(file os.DirEntry) (string, bool) {
	ext := filepath.Ext(file.Name())
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	return file.Name()[:len(file.Name())-len(ext)], true
}

func (e *Engine) loadAll() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("automation: list rules dir: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := e.ruleName(entry); !ok {
			continue
		}
		rule, err := loadRuleFile(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			continue // skip malformed rule files rather than fail startup
		}
		e.rules[rule.Name] = rule
	}
	return nil
}

func loadRuleFile(path string) (Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, err
	}
	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rule{}, err
	}
	return r, r.Validate()
}

func (e *Engine) path(name string) string {
	return filepath.Join(e.dir, name+".yaml")
}

func (e *Engine) persist(r Rule) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("automation: marshal rule: %w", err)
	}
	tmp, err := os.CreateTemp(e.dir, ".rule-*.tmp")
	if err != nil {
		return fmt.Errorf("automation: create temp rule file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("automation: write rule: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), e.path(r.Name))
}

// List returns every rule, ordered by name.
func (e *Engine) List() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a single rule by name.
func (e *Engine) Get(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[name]
	return r, ok
}

// Add persists a new rule. Fails if a rule with the same name exists.
func (e *Engine) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.Name]; exists {
		return fmt.Errorf("automation: rule %q already exists", r.Name)
	}
	if err := e.persist(r); err != nil {
		return err
	}
	e.rules[r.Name] = r
	return nil
}

// Update replaces an existing rule's definition.
func (e *Engine) Update(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[r.Name]; !exists {
		return fmt.Errorf("automation: rule %q does not exist", r.Name)
	}
	if err := e.persist(r); err != nil {
		return err
	}
	e.rules[r.Name] = r
	return nil
}

// Remove deletes a rule's definition.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[name]; !exists {
		return fmt.Errorf("automation: rule %q does not exist", name)
	}
	if err := os.Remove(e.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("automation: remove rule file: %w", err)
	}
	delete(e.rules, name)
	return nil
}

// Test dry-runs a rule against a synthetic event: it reports whether the
// trigger would have matched, without invoking any action.
func (e *Engine) Test(name string, sample node.Event) (matched bool, err error) {
	r, ok := e.Get(name)
	if !ok {
		return false, fmt.Errorf("automation: rule %q does not exist", name)
	}
	return r.Trigger.matches(sample), nil
}

// Run subscribes to events and blocks evaluating rules until ctx is done.
func (e *Engine) Run(ctx context.Context, events <-chan node.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.evaluate(ctx, ev)
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, ev node.Event) {
	e.recordEvent(ev)
	for _, r := range e.List() {
		if !r.Enabled || !r.Trigger.matches(ev) {
			continue
		}
		e.fire(ctx, r, ev)
	}
}

func (e *Engine) fire(ctx context.Context, r Rule, ev node.Event) {
	rec := firedRecord{Timestamp: time.Now(), Rule: r.Name, Event: ev, Action: r.Action}
	switch r.Action.Kind {
	case ActionNotify:
		if e.notifier != nil {
			e.notifier.Notify(ctx, r.Name, ev.NodeName, r.Action.Message)
		}
	case ActionCommand:
		if e.executor != nil {
			_, err := e.executor.Execute(ctx, node.Command{Kind: r.Action.Command, Name: ev.NodeName})
			if err != nil {
				rec.Err = err.Error()
				if e.log != nil {
					e.log.WarnCF(ctx, "automation rule action failed", "rule", r.Name, "node", ev.NodeName, "err", err)
				}
			}
		}
	}
	e.recordFired(rec)
}

func (e *Engine) recordFired(rec firedRecord) {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	e.fired = append(e.fired, rec)
	if len(e.fired) > firedCap {
		e.fired = e.fired[len(e.fired)-firedCap:]
	}
}

// RecentFirings returns the last n rule-firing records, newest last.
func (e *Engine) RecentFirings(n int) []firedRecord {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	if n <= 0 || n > len(e.fired) {
		n = len(e.fired)
	}
	return append([]firedRecord(nil), e.fired[len(e.fired)-n:]...)
}

func (e *Engine) recordEvent(ev node.Event) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.allEvents = append(e.allEvents, ev)
	if len(e.allEvents) > eventCap {
		e.allEvents = e.allEvents[len(e.allEvents)-eventCap:]
	}
}

// RecentEvents returns the last n observed NodeEvents, newest last, backing
// the `get_events` MCP tool.
func (e *Engine) RecentEvents(n int) []node.Event {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if n <= 0 || n > len(e.allEvents) {
		n = len(e.allEvents)
	}
	return append([]node.Event(nil), e.allEvents[len(e.allEvents)-n:]...)
}
