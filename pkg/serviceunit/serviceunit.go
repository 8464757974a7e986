// Package serviceunit drives the host service manager: idempotent lifecycle
// operations against user-scoped systemd units over the native D-Bus
// management interface, never by shelling out to systemctl.
package serviceunit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// opTimeout bounds every service-manager call.
const opTimeout = 30 * time.Second

// ActiveState mirrors systemd's ActiveState property, normalised to the
// names the node manager consumes.
type ActiveState string

const (
	StateActive       ActiveState = "active"
	StateInactive     ActiveState = "inactive"
	StateFailed       ActiveState = "failed"
	StateActivating   ActiveState = "activating"
	StateDeactivating ActiveState = "deactivating"
	StateNotFound     ActiveState = "not-found"
)

// ErrNotInstalled is returned by Enable, Disable and Uninstall when the
// node's unit file is absent from the unit directory.
var ErrNotInstalled = errors.New("unit not installed")

// ErrTimeout wraps a per-operation timeout, tagged with the op name.
type ErrTimeout struct{ Op string }

func (e *ErrTimeout) Error() string { return fmt.Sprintf("serviceunit: timeout: %s", e.Op) }

// Conn abstracts the systemd D-Bus connection so it can be faked in tests;
// *dbus.Conn satisfies it.
type Conn interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
	Close()
}

// Driver is the C1 Service-Unit Driver.
type Driver struct {
	conn    Conn
	unitDir string // where unit files are installed, e.g. ~/.config/systemd/user
}

// Connect opens a user-session D-Bus connection and returns a Driver.
func Connect(ctx context.Context, unitDir string) (*Driver, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd user bus: %w", err)
	}
	return &Driver{conn: conn, unitDir: unitDir}, nil
}

// NewWithConn builds a Driver around an already-open connection (tests).
func NewWithConn(conn Conn, unitDir string) *Driver {
	return &Driver{conn: conn, unitDir: unitDir}
}

func (d *Driver) Close() { d.conn.Close() }

func unitName(node string) string { return "bubbaloop-" + node + ".service" }

// Status reports the current ActiveState of a node's unit.
func (d *Driver) Status(ctx context.Context, node string) (ActiveState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	props, err := d.conn.GetUnitPropertiesContext(ctx, unitName(node))
	if err != nil {
		if ctx.Err() != nil {
			return "", &ErrTimeout{Op: "status"}
		}
		return StateNotFound, nil
	}
	loadState, _ := props["LoadState"].(string)
	if loadState == "not-found" {
		return StateNotFound, nil
	}
	activeState, _ := props["ActiveState"].(string)
	switch activeState {
	case "active":
		return StateActive, nil
	case "failed":
		return StateFailed, nil
	case "activating":
		return StateActivating, nil
	case "deactivating":
		return StateDeactivating, nil
	default:
		return StateInactive, nil
	}
}

// AutostartEnabled reports whether node's unit file is enabled to start at
// login, from the UnitFileState property. A unit that is merely loaded but
// disabled (or not found) reports false.
func (d *Driver) AutostartEnabled(ctx context.Context, node string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	props, err := d.conn.GetUnitPropertiesContext(ctx, unitName(node))
	if err != nil {
		if ctx.Err() != nil {
			return false, &ErrTimeout{Op: "autostart"}
		}
		return false, nil
	}
	state, _ := props["UnitFileState"].(string)
	return state == "enabled" || state == "enabled-runtime", nil
}

// Start is idempotent: starting an already-active unit returns success.
func (d *Driver) Start(ctx context.Context, node string) error {
	return d.waitJob(ctx, "start", func(ctx context.Context, ch chan<- string) (int, error) {
		return d.conn.StartUnitContext(ctx, unitName(node), "replace", ch)
	})
}

func (d *Driver) Stop(ctx context.Context, node string) error {
	return d.waitJob(ctx, "stop", func(ctx context.Context, ch chan<- string) (int, error) {
		return d.conn.StopUnitContext(ctx, unitName(node), "replace", ch)
	})
}

func (d *Driver) Restart(ctx context.Context, node string) error {
	return d.waitJob(ctx, "restart", func(ctx context.Context, ch chan<- string) (int, error) {
		return d.conn.RestartUnitContext(ctx, unitName(node), "replace", ch)
	})
}

func (d *Driver) waitJob(ctx context.Context, op string, start func(context.Context, chan<- string) (int, error)) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ch := make(chan string, 1)
	if _, err := start(ctx, ch); err != nil {
		return fmt.Errorf("serviceunit %s: %w", op, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("serviceunit %s: job result %q", op, result)
		}
		return nil
	case <-ctx.Done():
		return &ErrTimeout{Op: op}
	}
}

// Install writes the unit file atomically (temp + rename) then reloads.
func (d *Driver) Install(ctx context.Context, node, unitBody string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := os.MkdirAll(d.unitDir, 0o755); err != nil {
		return fmt.Errorf("serviceunit install: create unit dir: %w", err)
	}
	path := filepath.Join(d.unitDir, unitName(node))

	tmp, err := os.CreateTemp(d.unitDir, ".unit-*.tmp")
	if err != nil {
		return fmt.Errorf("serviceunit install: %w", err)
	}
	if _, err := tmp.WriteString(unitBody); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("serviceunit install: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("serviceunit install: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("serviceunit install: rename: %w", err)
	}

	return d.conn.ReloadContext(ctx)
}

// Uninstall removes the unit file and reloads. Returns ErrNotInstalled if
// the unit file did not exist.
func (d *Driver) Uninstall(ctx context.Context, node string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	path := filepath.Join(d.unitDir, unitName(node))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrNotInstalled
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("serviceunit uninstall: %w", err)
	}
	return d.conn.ReloadContext(ctx)
}

// Enable turns on autostart for node's unit.
func (d *Driver) Enable(ctx context.Context, node string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if !d.installed(node) {
		return ErrNotInstalled
	}
	_, _, err := d.conn.EnableUnitFilesContext(ctx, []string{unitName(node)}, false, true)
	return err
}

// Disable turns off autostart for node's unit.
func (d *Driver) Disable(ctx context.Context, node string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if !d.installed(node) {
		return ErrNotInstalled
	}
	_, err := d.conn.DisableUnitFilesContext(ctx, []string{unitName(node)}, false)
	return err
}

// Reload issues daemon-reload.
func (d *Driver) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return d.conn.ReloadContext(ctx)
}

func (d *Driver) installed(node string) bool {
	_, err := os.Stat(filepath.Join(d.unitDir, unitName(node)))
	return err == nil
}

// RenderUnit generates a minimal service unit body from a build command /
// binary, used when C4 auto-installs from a manifest.
func RenderUnit(description, execStart, workingDir string) string {
	return fmt.Sprintf(`[Unit]
Description=%s

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s
Restart=on-failure
RestartSec=2

[Install]
WantedBy=default.target
`, description, workingDir, execStart)
}
