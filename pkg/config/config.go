// Package config loads the daemon's runtime configuration from the
// environment, following the same struct-tag binding convention the rest of
// the ecosystem uses for service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon's complete runtime configuration, bound from
// environment variables prefixed BUBBALOOP_.
type Config struct {
	DataRoot       string `env:"BUBBALOOP_DATA_ROOT" envDefault:"${HOME}/.bubbaloop" envExpand:"true"`
	ZenohEndpoint  string `env:"BUBBALOOP_ZENOH_ENDPOINT" envDefault:"tcp/127.0.0.1:7447"`
	MachineID      string `env:"BUBBALOOP_MACHINE_ID"`
	Scope          string `env:"BUBBALOOP_SCOPE" envDefault:"local"`
	HTTPAddr       string `env:"BUBBALOOP_HTTP_ADDR" envDefault:"127.0.0.1:8088"`
	MetricsAddr    string `env:"BUBBALOOP_METRICS_ADDR" envDefault:"127.0.0.1:8089"`
	LogFormat      string `env:"BUBBALOOP_LOG_FORMAT" envDefault:"text"`
	LogLevel       string `env:"BUBBALOOP_LOG_LEVEL" envDefault:"info"`
	RefreshInterval int    `env:"BUBBALOOP_REFRESH_SECONDS" envDefault:"5"`

	// MCP transport identity: the stdio caller and the tier granted to it.
	MCPCaller string `env:"BUBBALOOP_MCP_CALLER" envDefault:"local"`
	MCPTier   string `env:"BUBBALOOP_MCP_TIER" envDefault:"Operator"`

	// Optional client TLS for a non-loopback router. All empty by
	// default; the local router is a loopback trust boundary.
	FabricTLSCert string `env:"BUBBALOOP_TLS_CERT"`
	FabricTLSKey  string `env:"BUBBALOOP_TLS_KEY"`
	FabricTLSCA   string `env:"BUBBALOOP_TLS_CA"`
}

// Load reads configuration from the process environment, applies defaults,
// and normalises derived fields (hostname fallback, hyphen-to-underscore
// segment normalisation for topic keys).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment config: %w", err)
	}

	if cfg.MachineID == "" {
		host, err := osHostname()
		if err != nil {
			return nil, fmt.Errorf("determine machine id: %w", err)
		}
		cfg.MachineID = host
	}
	cfg.MachineID = NormalizeSegment(cfg.MachineID)
	cfg.Scope = NormalizeSegment(cfg.Scope)

	cfg.DataRoot = filepath.Clean(cfg.DataRoot)

	return cfg, nil
}

// NormalizeSegment converts a topic-key segment into the underlying fabric's
// accepted alphabet: hyphens become underscores, since the router rejects
// hyphens in path segments.
func NormalizeSegment(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// NodesDir returns the root directory under which node directories live.
func (c *Config) NodesDir() string {
	return filepath.Join(c.DataRoot, "nodes")
}

// RegistryPath returns the path to the node registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataRoot, "nodes.json")
}

// SourcesPath returns the path to the marketplace sources file.
func (c *Config) SourcesPath() string {
	return filepath.Join(c.DataRoot, "sources.json")
}

// AuditPath returns the path to the append-only audit log.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataRoot, "audit.jsonl")
}

// RulesDir returns the directory holding automation rule definitions.
func (c *Config) RulesDir() string {
	return filepath.Join(c.DataRoot, "rules")
}

// BinDir returns the directory holding platform binaries (daemon, router, bridge).
func (c *Config) BinDir() string {
	return filepath.Join(c.DataRoot, "bin")
}

// UnitDir returns the user-scoped service unit directory, honouring
// XDG_CONFIG_HOME the way the service manager itself does.
func (c *Config) UnitDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "systemd", "user")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user")
}
