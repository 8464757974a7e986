package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/serviceunit"
)

// RingCap is the build output ring buffer capacity, in lines.
const RingCap = 2000

// opClass partitions commands so that at most one operation per
// (name, class) runs at a time while different nodes progress in parallel.
type opClass string

const (
	classLifecycle opClass = "lifecycle"
	classBuild     opClass = "build"
	classRegistry  opClass = "registry"
)

func classOf(kind CommandKind) opClass {
	switch kind {
	case CmdBuild, CmdClean:
		return classBuild
	case CmdAdd, CmdRemove, CmdRefresh:
		return classRegistry
	default:
		return classLifecycle
	}
}

type nodeRecord struct {
	manifest Manifest
	state    State
	buildBuf *RingBuffer
	mu       sync.Mutex // not used by the manager; per-class serialisation is classMu
	classMu  map[opClass]*sync.Mutex
}

// MarketInstall is the outcome of a marketplace resolution: where the node
// landed on disk and whether it still needs a build.
type MarketInstall struct {
	Name          string
	Path          string
	RequiresBuild bool
}

// MarketResolver materialises a marketplace identifier (bare name or
// `user/repo[#subdir][@ref]`) into a node directory.
type MarketResolver interface {
	Resolve(ctx context.Context, source string) (MarketInstall, error)
}

// Manager composes the registry, build runner, and service-unit driver
// into the canonical per-node State, with a background refresh loop.
// Events are pushed onto a bounded channel and drained by whoever is
// listening; the manager holds no reference to its publishers.
type Manager struct {
	registry *Registry
	builder  *BuildRunner
	units    *serviceunit.Driver
	log      *logging.Logger

	protected map[string]bool
	market    MarketResolver

	mu      sync.RWMutex
	records map[string]*nodeRecord

	events chan Event

	refreshEvery time.Duration
}

// NewManager wires the registry, builder, and unit driver together.
// protectedNames flags nodes that can never be Stopped, Removed, or
// Uninstalled through any control plane.
func NewManager(reg *Registry, builder *BuildRunner, units *serviceunit.Driver, log *logging.Logger, refreshEvery time.Duration, protectedNames ...string) *Manager {
	protected := make(map[string]bool, len(protectedNames))
	for _, n := range protectedNames {
		protected[n] = true
	}
	m := &Manager{
		registry:     reg,
		builder:      builder,
		units:        units,
		log:          log,
		protected:    protected,
		records:      make(map[string]*nodeRecord),
		events:       make(chan Event, 256),
		refreshEvery: refreshEvery,
	}
	for _, e := range reg.List() {
		rec := &nodeRecord{
			buildBuf: NewRingBuffer(RingCap),
			classMu:  newClassMu(),
			state:    State{Name: e.Name, Path: e.Path, Status: StatusUnknown},
		}
		if manifest, err := LoadManifest(e.Path); err == nil {
			rec.manifest = *manifest
			rec.state.Version, rec.state.Description = manifest.Version, manifest.Description
			rec.state.NodeType, rec.state.Protected = manifest.Type, manifest.Protected
		}
		m.records[e.Name] = rec
	}
	return m
}

func newClassMu() map[opClass]*sync.Mutex {
	return map[opClass]*sync.Mutex{
		classLifecycle: {},
		classBuild:     {},
		classRegistry:  {},
	}
}

// SetMarketplace wires the resolver Install delegates to when asked for a
// node that is not yet on disk.
func (m *Manager) SetMarketplace(r MarketResolver) { m.market = r }

// Events returns the channel subscribers drain NodeEvents from.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.WarnCF(context.Background(), "event bus full, dropping event", "kind", ev.Kind, "node", ev.NodeName)
	}
}

// List returns the canonical State for every registered node.
func (m *Manager) List() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.records))
	for _, e := range m.registry.List() {
		if rec, ok := m.records[e.Name]; ok {
			out = append(out, rec.state.Clone())
		}
	}
	return out
}

// Get returns the canonical State for a single node.
func (m *Manager) Get(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return State{}, false
	}
	return rec.state.Clone(), true
}

func (m *Manager) classLock(name string, class opClass) (*sync.Mutex, bool) {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.classMu[class], true
}

// Execute dispatches a Command to its handler, enforcing the per-node
// op-class serialisation and the protected-node guard.
func (m *Manager) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	switch cmd.Kind {
	case CmdAdd:
		return m.executeAdd(ctx, cmd)
	case CmdRefresh:
		n := m.RefreshAll(ctx)
		return &Result{RequestID: cmd.RequestID, Success: true, Message: fmt.Sprintf("refreshed %d nodes", n)}, nil
	}

	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: command requires a node name", ErrNotFound)
	}

	// Install accepts identifiers for nodes not yet on this machine: an
	// absolute path to register first, or a marketplace identifier to
	// resolve, register, then install.
	if cmd.Kind == CmdInstall {
		if _, ok := m.getRecord(cmd.Name); !ok {
			if m.units == nil {
				return nil, fmt.Errorf("service manager unavailable: cannot install %q", cmd.Name)
			}
			return m.executeFetchInstall(ctx, cmd)
		}
	}

	class := classOf(cmd.Kind)
	lock, ok := m.classLock(cmd.Name, class)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Name)
	}
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %q", ErrBusy, cmd.Name)
	}
	defer lock.Unlock()

	if m.protected[cmd.Name] && isGuarded(cmd.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrProtected, cmd.Name)
	}

	if m.units == nil {
		switch cmd.Kind {
		case CmdStart, CmdStop, CmdRestart, CmdInstall, CmdUninstall, CmdEnableAutostart, CmdDisableAutostart:
			return nil, fmt.Errorf("service manager unavailable: cannot %s %q", cmd.Kind, cmd.Name)
		}
	}

	switch cmd.Kind {
	case CmdStart:
		return m.executeStart(ctx, cmd)
	case CmdStop:
		return m.executeStop(ctx, cmd)
	case CmdRestart:
		return m.executeRestart(ctx, cmd)
	case CmdInstall:
		return m.executeInstall(ctx, cmd)
	case CmdUninstall:
		return m.executeUninstall(ctx, cmd)
	case CmdBuild:
		return m.executeBuild(ctx, cmd)
	case CmdClean:
		return m.executeClean(ctx, cmd)
	case CmdEnableAutostart:
		return m.executeAutostart(ctx, cmd, true)
	case CmdDisableAutostart:
		return m.executeAutostart(ctx, cmd, false)
	case CmdRemove:
		return m.executeRemove(ctx, cmd)
	default:
		return nil, fmt.Errorf("unsupported command %q", cmd.Kind)
	}
}

func isGuarded(kind CommandKind) bool {
	switch kind {
	case CmdStop, CmdRemove, CmdUninstall:
		return true
	default:
		return false
	}
}

func (m *Manager) executeAdd(ctx context.Context, cmd Command) (*Result, error) {
	path, _ := cmd.Params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("%w: add requires params.path", ErrInvalidPath)
	}
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	if _, err := m.registry.Add(manifest.Name, path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.records[manifest.Name] = &nodeRecord{
		manifest: *manifest,
		buildBuf: NewRingBuffer(RingCap),
		classMu:  newClassMu(),
		state: State{
			Name: manifest.Name, Path: path, Version: manifest.Version,
			Description: manifest.Description, NodeType: manifest.Type,
			Status: StatusUnknown, Protected: manifest.Protected,
		},
	}
	m.mu.Unlock()

	m.emit(simpleEvent(manifest.Name, EventRegistered))
	m.refreshOne(ctx, manifest.Name)

	state, _ := m.Get(manifest.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, Message: "node added", NodeState: &state}, nil
}

func (m *Manager) executeRemove(ctx context.Context, cmd Command) (*Result, error) {
	if state, ok := m.Get(cmd.Name); ok && state.Status == StatusRunning {
		if err := m.units.Stop(ctx, cmd.Name); err != nil {
			return nil, fmt.Errorf("stop before remove: %w", err)
		}
	}
	if err := m.registry.Remove(cmd.Name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.records, cmd.Name)
	m.mu.Unlock()

	m.emit(simpleEvent(cmd.Name, EventRemoved))
	return &Result{RequestID: cmd.RequestID, Success: true, Message: "node removed"}, nil
}

func (m *Manager) executeStart(ctx context.Context, cmd Command) (*Result, error) {
	if err := m.ensureInstalled(ctx, cmd.Name); err != nil {
		return nil, err
	}
	if err := m.units.Start(ctx, cmd.Name); err != nil {
		return nil, err
	}
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeStop(ctx context.Context, cmd Command) (*Result, error) {
	if err := m.units.Stop(ctx, cmd.Name); err != nil {
		return nil, err
	}
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeRestart(ctx context.Context, cmd Command) (*Result, error) {
	if err := m.ensureInstalled(ctx, cmd.Name); err != nil {
		return nil, err
	}
	if err := m.units.Restart(ctx, cmd.Name); err != nil {
		return nil, err
	}
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeInstall(ctx context.Context, cmd Command) (*Result, error) {
	rec, ok := m.getRecord(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Name)
	}
	execStart := filepath.Join(rec.state.Path, rec.manifest.Binary)
	body := serviceunit.RenderUnit(rec.manifest.Description, execStart, rec.state.Path)
	if err := m.units.Install(ctx, cmd.Name, body); err != nil {
		return nil, err
	}
	m.emit(simpleEvent(cmd.Name, EventServiceInstalled))
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

// executeFetchInstall handles Install for a node with no local record: an
// absolute-path source registers in place; anything else goes through the
// marketplace resolver. Either way the node ends registered with its
// service unit installed.
func (m *Manager) executeFetchInstall(ctx context.Context, cmd Command) (*Result, error) {
	source, _ := cmd.Params["source"].(string)
	if source == "" {
		source = cmd.Name
	}

	var (
		path          string
		requiresBuild bool
	)
	if filepath.IsAbs(source) {
		path = source
	} else {
		if m.market == nil {
			return nil, fmt.Errorf("%w: %q is not registered and no marketplace is configured", ErrNotFound, cmd.Name)
		}
		res, err := m.market.Resolve(ctx, source)
		if err != nil {
			return nil, err
		}
		path = res.Path
		requiresBuild = res.RequiresBuild
	}

	addResult, err := m.executeAdd(ctx, Command{RequestID: cmd.RequestID, Kind: CmdAdd, Params: map[string]any{"path": path}})
	if err != nil {
		return nil, err
	}
	name := addResult.NodeState.Name

	install, err := m.executeInstall(ctx, Command{RequestID: cmd.RequestID, Kind: CmdInstall, Name: name})
	if err != nil {
		return nil, err
	}
	if requiresBuild {
		install.Message = "installed from source, build required before start"
	} else {
		install.Message = "installed"
	}
	return install, nil
}

func (m *Manager) executeUninstall(ctx context.Context, cmd Command) (*Result, error) {
	_ = m.units.Stop(ctx, cmd.Name) // idempotent
	if err := m.units.Uninstall(ctx, cmd.Name); err != nil {
		return nil, err
	}
	if err := m.units.Reload(ctx); err != nil {
		return nil, err
	}
	m.emit(simpleEvent(cmd.Name, EventServiceUninstalled))
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeAutostart(ctx context.Context, cmd Command, enable bool) (*Result, error) {
	var err error
	if enable {
		err = m.units.Enable(ctx, cmd.Name)
	} else {
		err = m.units.Disable(ctx, cmd.Name)
	}
	if err != nil {
		return nil, err
	}
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeBuild(ctx context.Context, cmd Command) (*Result, error) {
	rec, ok := m.getRecord(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Name)
	}
	m.emit(simpleEvent(cmd.Name, EventBuildStarted))
	err := m.builder.Build(ctx, cmd.Name, rec.state.Path, rec.manifest.Build, rec.buildBuf)
	success := err == nil
	m.emit(BuildFinishedEvent(cmd.Name, success))
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	if err != nil {
		return &Result{RequestID: cmd.RequestID, Success: false, Message: err.Error(), NodeState: &state}, nil
	}
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) executeClean(ctx context.Context, cmd Command) (*Result, error) {
	rec, ok := m.getRecord(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, cmd.Name)
	}
	if err := m.builder.Clean(ctx, cmd.Name, rec.state.Path, rec.manifest.Clean, rec.buildBuf); err != nil {
		return nil, err
	}
	m.refreshOne(ctx, cmd.Name)
	state, _ := m.Get(cmd.Name)
	return &Result{RequestID: cmd.RequestID, Success: true, NodeState: &state}, nil
}

func (m *Manager) ensureInstalled(ctx context.Context, name string) error {
	st, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if st.Installed {
		return nil
	}
	rec, _ := m.getRecord(name)
	execStart := filepath.Join(rec.state.Path, rec.manifest.Binary)
	body := serviceunit.RenderUnit(rec.manifest.Description, execStart, rec.state.Path)
	if err := m.units.Install(ctx, name, body); err != nil {
		return err
	}
	m.emit(simpleEvent(name, EventServiceInstalled))
	return nil
}

func (m *Manager) getRecord(name string) (*nodeRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec, ok
}

// RefreshAll synchronously refreshes every registered node and returns the
// count refreshed.
func (m *Manager) RefreshAll(ctx context.Context) int {
	n := 0
	for _, e := range m.registry.List() {
		m.refreshOne(ctx, e.Name)
		n++
	}
	return n
}

// Run starts the periodic refresh loop and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

func (m *Manager) refreshOne(ctx context.Context, name string) {
	rec, ok := m.getRecord(name)
	if !ok {
		return
	}

	status := StatusUnknown
	installed := false
	autostart := false
	if m.units != nil {
		if as, err := m.units.Status(ctx, name); err == nil {
			installed = as != "not-found"
			if installed {
				autostart, _ = m.units.AutostartEnabled(ctx, name)
			}
			switch as {
			case "active":
				status = StatusRunning
			case "failed":
				status = StatusFailed
			case "activating":
				status = StatusActivating
			case "deactivating":
				status = StatusDeactivating
			case "not-found":
				status = StatusUnknown
			default:
				status = StatusStopped
			}
		}
	}

	isBuilt := buildArtifactPresent(rec.manifest, rec.state.Path)

	m.mu.Lock()
	prevStatus := rec.state.Status
	rec.state.Status = status
	rec.state.Installed = installed
	rec.state.AutostartEnabled = autostart
	rec.state.IsBuilt = isBuilt
	rec.state.BuildOutput = rec.buildBuf.Snapshot()
	rec.state.LastRefreshed = time.Now()
	m.mu.Unlock()

	if prevStatus != status {
		m.emit(StatusChangedEvent(name, prevStatus, status))
	}
}

func buildArtifactPresent(manifest Manifest, path string) bool {
	if path == "" {
		return false
	}
	switch manifest.Type {
	case NodeTypeRust:
		if manifest.Binary == "" {
			return false
		}
		_, err := os.Stat(filepath.Join(path, manifest.Binary))
		return err == nil
	case NodeTypePython:
		_, err := os.Stat(filepath.Join(path, "requirements.txt"))
		return err == nil
	default:
		return false
	}
}

// LoadManifest reads and validates node.yaml at dir.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "node.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
