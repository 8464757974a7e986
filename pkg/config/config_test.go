package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BUBBALOOP_DATA_ROOT", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "tcp/127.0.0.1:7447", cfg.ZenohEndpoint)
	require.Equal(t, "local", cfg.Scope)
	require.NotEmpty(t, cfg.MachineID)
	require.Equal(t, 5, cfg.RefreshInterval)
	require.Equal(t, "127.0.0.1:8088", cfg.HTTPAddr)
}

func TestLoadNormalisesMachineID(t *testing.T) {
	t.Setenv("BUBBALOOP_DATA_ROOT", t.TempDir())
	t.Setenv("BUBBALOOP_MACHINE_ID", "nvidia-orin00")
	t.Setenv("BUBBALOOP_SCOPE", "my-scope")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "nvidia_orin00", cfg.MachineID)
	require.Equal(t, "my_scope", cfg.Scope)
}

func TestDerivedPaths(t *testing.T) {
	root := t.TempDir()
	t.Setenv("BUBBALOOP_DATA_ROOT", root)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, root+"/nodes", cfg.NodesDir())
	require.Equal(t, root+"/nodes.json", cfg.RegistryPath())
	require.Equal(t, root+"/sources.json", cfg.SourcesPath())
	require.Equal(t, root+"/audit.jsonl", cfg.AuditPath())
}
