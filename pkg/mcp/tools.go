package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bubbaloop/daemon/pkg/automation"
	"github.com/bubbaloop/daemon/pkg/fabric"
	"github.com/bubbaloop/daemon/pkg/node"
	"github.com/bubbaloop/daemon/pkg/schema"
)

// Deps are the collaborators the tool registry dispatches into. Session
// and Schema may be nil while the fabric is down; tools that need them
// fail with FabricUnavailable instead of crashing the plane.
type Deps struct {
	Manager *node.Manager
	Rules   *automation.Engine
	Session *fabric.Session
	Schema  *schema.Registry

	Scope     string
	MachineID string
	DataRoot  string
	StartedAt time.Time
}

var errFabricUnavailable = fmt.Errorf("fabric session unavailable")

func (d *Deps) fabricSession() (*fabric.Session, error) {
	if d.Session == nil {
		return nil, errFabricUnavailable
	}
	return d.Session, nil
}

// nameSchema is the one-argument schema shared by most lifecycle tools.
func nameSchema() map[string]any {
	return objectSchema([]string{"name"}, map[string]any{
		"name": map[string]any{"type": "string", "description": "Node name"},
	})
}

func (d *Deps) execute(ctx context.Context, kind node.CommandKind, name string, params map[string]any) (any, error) {
	res, err := d.Manager.Execute(ctx, node.Command{Kind: kind, Name: name, Params: params})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Deps) state(name string) (node.State, error) {
	st, ok := d.Manager.Get(name)
	if !ok {
		return node.State{}, fmt.Errorf("%w: %q", node.ErrNotFound, name)
	}
	return st, nil
}

// buildTools assembles the full registry in its published order.
func buildTools(d *Deps) []*Tool {
	return []*Tool{
		// ── Discovery ───────────────────────────────────────────
		{
			Name:        "list_nodes",
			Description: "List every registered node with its current state.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return map[string]any{"nodes": d.Manager.List()}, nil
			},
		},
		{
			Name:        "get_node_detail",
			Description: "Full canonical state of one node.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				return d.state(argString(args, "name"))
			},
		},
		{
			Name:        "get_node_health",
			Description: "Condensed health summary of one node.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				st, err := d.state(argString(args, "name"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"name":      st.Name,
					"status":    st.Status,
					"healthy":   st.Status == node.StatusRunning,
					"installed": st.Installed,
					"is_built":  st.IsBuilt,
				}, nil
			},
		},
		{
			Name:        "get_node_manifest",
			Description: "The node's on-disk manifest, re-read from node.yaml.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				st, err := d.state(argString(args, "name"))
				if err != nil {
					return nil, err
				}
				return node.LoadManifest(st.Path)
			},
		},
		{
			Name:        "discover_nodes",
			Description: "Scan the nodes directory for node trees not yet registered.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return d.discover()
			},
		},
		{
			Name:        "get_node_schema",
			Description: "Resolve the message schema of a topic via the fabric.",
			InputSchema: objectSchema([]string{"topic"}, map[string]any{
				"topic": map[string]any{"type": "string", "description": "Full topic key"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if d.Schema == nil {
					return nil, errFabricUnavailable
				}
				desc, err := d.Schema.Resolve(ctx, argString(args, "topic"))
				if err != nil {
					return nil, err
				}
				fields := make([]map[string]any, 0, desc.Fields().Len())
				for i := 0; i < desc.Fields().Len(); i++ {
					f := desc.Fields().Get(i)
					fields = append(fields, map[string]any{
						"name":   string(f.Name()),
						"number": int(f.Number()),
						"kind":   f.Kind().String(),
					})
				}
				return map[string]any{"message": string(desc.FullName()), "fields": fields}, nil
			},
		},

		// ── Lifecycle ───────────────────────────────────────────
		{
			Name:        "start_node",
			Description: "Start a node's service unit, installing it first if needed.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdStart, argString(args, "name"), nil)
			},
		},
		{
			Name:        "stop_node",
			Description: "Stop a node's service unit.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdStop, argString(args, "name"), nil)
			},
		},
		{
			Name:        "restart_node",
			Description: "Restart a node's service unit.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdRestart, argString(args, "name"), nil)
			},
		},
		{
			Name:        "build_node",
			Description: "Run a node's declared build command. Blocked from this plane.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdBuild, argString(args, "name"), nil)
			},
		},
		{
			Name:        "add_node",
			Description: "Register a node directory already on disk. Blocked from this plane.",
			InputSchema: objectSchema([]string{"path"}, map[string]any{
				"path": map[string]any{"type": "string", "description": "Absolute node directory"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdAdd, "", map[string]any{"path": argString(args, "path")})
			},
		},
		{
			Name:        "clean_node",
			Description: "Remove a node's build artifacts.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdClean, argString(args, "name"), nil)
			},
		},
		{
			Name:        "install_node",
			Description: "Install a node: a registered name, a local path, or a marketplace identifier (name or user/repo[#subdir][@ref]).",
			InputSchema: objectSchema([]string{"name"}, map[string]any{
				"name":   map[string]any{"type": "string", "description": "Node name or marketplace identifier"},
				"source": map[string]any{"type": "string", "description": "Optional explicit source overriding name"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var params map[string]any
				if src := argString(args, "source"); src != "" {
					params = map[string]any{"source": src}
				}
				return d.execute(ctx, node.CmdInstall, argString(args, "name"), params)
			},
		},
		{
			Name:        "uninstall_node",
			Description: "Stop a node and remove its service unit.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdUninstall, argString(args, "name"), nil)
			},
		},
		{
			Name:        "enable_autostart",
			Description: "Enable a node's unit at login.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdEnableAutostart, argString(args, "name"), nil)
			},
		},
		{
			Name:        "disable_autostart",
			Description: "Disable a node's unit at login.",
			InputSchema: nameSchema(),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return d.execute(ctx, node.CmdDisableAutostart, argString(args, "name"), nil)
			},
		},
		{
			Name:        "get_node_logs",
			Description: "Tail of a node's build/clean output ring buffer.",
			InputSchema: objectSchema([]string{"name"}, map[string]any{
				"name":  map[string]any{"type": "string"},
				"lines": map[string]any{"type": "integer", "description": "Max lines from the tail"},
			}),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				st, err := d.state(argString(args, "name"))
				if err != nil {
					return nil, err
				}
				lines := argInt(args, "lines", 100)
				out := st.BuildOutput
				if lines > 0 && len(out) > lines {
					out = out[len(out)-lines:]
				}
				return map[string]any{"name": st.Name, "lines": out}, nil
			},
		},

		// ── Data plane ──────────────────────────────────────────
		{
			Name:        "query_zenoh",
			Description: "Issue a fabric query and decode replies against their topic schemas.",
			InputSchema: objectSchema([]string{"key"}, map[string]any{
				"key":        map[string]any{"type": "string", "description": "Key expression to query"},
				"timeout_ms": map[string]any{"type": "integer"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				session, err := d.fabricSession()
				if err != nil {
					return nil, err
				}
				timeout := time.Duration(argInt(args, "timeout_ms", 5000)) * time.Millisecond
				replies, err := session.Get(ctx, argString(args, "key"), nil, fabric.WithTimeout(timeout))
				if err != nil {
					return nil, err
				}
				decoded := make([]*schema.Decoded, 0, len(replies))
				for _, rep := range replies {
					if d.Schema != nil && d.Schema.Ready(rep.Key) {
						decoded = append(decoded, d.Schema.Decode(rep.Key, rep.Payload))
					} else {
						decoded = append(decoded, &schema.Decoded{Topic: rep.Key, Raw: rep.Payload})
					}
				}
				return map[string]any{"replies": decoded}, nil
			},
		},
		{
			Name:        "get_stream_info",
			Description: "The topics a node publishes, expanded to full keys, and the topic patterns it requires, as declared.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				st, err := d.state(argString(args, "name"))
				if err != nil {
					return nil, err
				}
				manifest, err := node.LoadManifest(st.Path)
				if err != nil {
					return nil, err
				}
				expand := func(patterns []string) []string {
					keys := make([]string, 0, len(patterns))
					for _, p := range patterns {
						keys = append(keys, fabric.TopicKey(d.Scope, d.MachineID, st.Name, p))
					}
					return keys
				}
				return map[string]any{
					"publishes": expand(manifest.Publishes),
					"requires":  manifest.Requires,
				}, nil
			},
		},
		{
			Name:        "send_command",
			Description: "Publish a JSON payload onto a node's command topic.",
			InputSchema: objectSchema([]string{"key", "payload"}, map[string]any{
				"key":     map[string]any{"type": "string"},
				"payload": map[string]any{"type": "object"},
			}),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				session, err := d.fabricSession()
				if err != nil {
					return nil, err
				}
				payload, err := json.Marshal(args["payload"])
				if err != nil {
					return nil, fmt.Errorf("encode payload: %w", err)
				}
				pub, err := session.DeclarePublisher(argString(args, "key"), fabric.Reliable())
				if err != nil {
					return nil, err
				}
				if err := pub.Put(payload); err != nil {
					return nil, err
				}
				return map[string]any{"sent": true}, nil
			},
		},

		// ── Config ──────────────────────────────────────────────
		{
			Name:        "get_node_config",
			Description: "Read a node's default config file.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				st, err := d.state(argString(args, "name"))
				if err != nil {
					return nil, err
				}
				manifest, err := node.LoadManifest(st.Path)
				if err != nil {
					return nil, err
				}
				cfg := manifest.DefaultConfig
				if cfg == "" {
					cfg = "config.yaml"
				}
				data, err := os.ReadFile(filepath.Join(st.Path, cfg))
				if err != nil {
					return nil, fmt.Errorf("read config: %w", err)
				}
				return map[string]any{"path": cfg, "content": string(data)}, nil
			},
		},
		{
			Name:        "list_commands",
			Description: "Enumerate the node commands this daemon accepts.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"commands": []node.CommandKind{
					node.CmdStart, node.CmdStop, node.CmdRestart,
					node.CmdInstall, node.CmdUninstall,
					node.CmdBuild, node.CmdClean,
					node.CmdEnableAutostart, node.CmdDisableAutostart,
					node.CmdAdd, node.CmdRemove, node.CmdRefresh,
				}}, nil
			},
		},

		// ── Automation ──────────────────────────────────────────
		{
			Name:        "list_agent_rules",
			Description: "List the configured automation rules.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"rules": d.Rules.List()}, nil
			},
		},
		{
			Name:        "add_rule",
			Description: "Create an automation rule.",
			InputSchema: ruleSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				rule, err := ruleFromArgs(args)
				if err != nil {
					return nil, err
				}
				if err := d.Rules.Add(rule); err != nil {
					return nil, err
				}
				return map[string]any{"added": rule.Name}, nil
			},
		},
		{
			Name:        "update_rule",
			Description: "Replace an existing automation rule.",
			InputSchema: ruleSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				rule, err := ruleFromArgs(args)
				if err != nil {
					return nil, err
				}
				if err := d.Rules.Update(rule); err != nil {
					return nil, err
				}
				return map[string]any{"updated": rule.Name}, nil
			},
		},
		{
			Name:        "remove_rule",
			Description: "Delete an automation rule.",
			InputSchema: nameSchema(),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				if err := d.Rules.Remove(argString(args, "name")); err != nil {
					return nil, err
				}
				return map[string]any{"removed": argString(args, "name")}, nil
			},
		},
		{
			Name:        "test_rule",
			Description: "Dry-run a rule's trigger against a sample event.",
			InputSchema: objectSchema([]string{"name", "event_kind"}, map[string]any{
				"name":       map[string]any{"type": "string"},
				"event_kind": map[string]any{"type": "string"},
				"node_name":  map[string]any{"type": "string"},
			}),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				sample := node.Event{
					Timestamp: time.Now(),
					NodeName:  argString(args, "node_name"),
					Kind:      node.EventKind(argString(args, "event_kind")),
				}
				matched, err := d.Rules.Test(argString(args, "name"), sample)
				if err != nil {
					return nil, err
				}
				return map[string]any{"matched": matched}, nil
			},
		},
		{
			Name:        "get_events",
			Description: "Recent node events and rule firings.",
			InputSchema: objectSchema(nil, map[string]any{
				"limit": map[string]any{"type": "integer"},
			}),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				limit := argInt(args, "limit", 50)
				return map[string]any{
					"events":  d.Rules.RecentEvents(limit),
					"firings": d.Rules.RecentFirings(limit),
				}, nil
			},
		},

		// ── System ──────────────────────────────────────────────
		{
			Name:        "get_system_status",
			Description: "Daemon-level status: node counts, fabric link, uptime.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				byStatus := make(map[node.Status]int)
				states := d.Manager.List()
				for _, st := range states {
					byStatus[st.Status]++
				}
				return map[string]any{
					"nodes_total":      len(states),
					"nodes_by_status":  byStatus,
					"fabric_connected": d.Session != nil,
					"uptime_seconds":   int(time.Since(d.StartedAt).Seconds()),
				}, nil
			},
		},
		{
			Name:        "get_machine_info",
			Description: "Host identity: machine id, scope, platform, data root.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				hostname, _ := os.Hostname()
				return map[string]any{
					"machine_id": d.MachineID,
					"scope":      d.Scope,
					"hostname":   hostname,
					"os":         runtime.GOOS,
					"arch":       runtime.GOARCH,
					"data_root":  d.DataRoot,
				}, nil
			},
		},
	}
}

func ruleSchema() map[string]any {
	return objectSchema([]string{"name", "action_kind"}, map[string]any{
		"name":         map[string]any{"type": "string"},
		"description":  map[string]any{"type": "string"},
		"event_kind":   map[string]any{"type": "string", "description": "Trigger event kind, empty = any"},
		"node_pattern": map[string]any{"type": "string", "description": "Trigger node regexp, empty = any"},
		"action_kind":  map[string]any{"type": "string", "enum": []string{"notify", "command"}},
		"message":      map[string]any{"type": "string", "description": "Notify message"},
		"command":      map[string]any{"type": "string", "description": "Command kind for command actions"},
		"enabled":      map[string]any{"type": "boolean"},
	})
}

func ruleFromArgs(args map[string]any) (automation.Rule, error) {
	enabled := true
	if v, ok := args["enabled"].(bool); ok {
		enabled = v
	}
	rule := automation.Rule{
		Name:        argString(args, "name"),
		Description: argString(args, "description"),
		Trigger: automation.Trigger{
			Kind:        node.EventKind(argString(args, "event_kind")),
			NodePattern: argString(args, "node_pattern"),
		},
		Action: automation.Action{
			Kind:    automation.ActionKind(argString(args, "action_kind")),
			Message: argString(args, "message"),
			Command: node.CommandKind(argString(args, "command")),
		},
		Enabled: enabled,
	}
	return rule, rule.Validate()
}

// discover lists node directories under the data root that carry a
// manifest but are not registered.
func (d *Deps) discover() (any, error) {
	registered := make(map[string]bool)
	for _, st := range d.Manager.List() {
		registered[st.Name] = true
	}

	nodesDir := filepath.Join(d.DataRoot, "nodes")
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"unregistered": []string{}}, nil
		}
		return nil, fmt.Errorf("scan nodes dir: %w", err)
	}

	var found []map[string]any
	for _, entry := range entries {
		if !entry.IsDir() || registered[entry.Name()] {
			continue
		}
		dir := filepath.Join(nodesDir, entry.Name())
		manifest, err := node.LoadManifest(dir)
		if err != nil {
			continue
		}
		found = append(found, map[string]any{
			"name":    manifest.Name,
			"path":    dir,
			"version": manifest.Version,
			"type":    manifest.Type,
		})
	}
	return map[string]any{"unregistered": found}, nil
}
