package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeNodeDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "name: " + name + "\nversion: \"0.1.0\"\ndescription: test\ntype: rust\nbinary: demo\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node.yaml"), []byte(manifest), 0o644))
	return dir
}

func TestRegistryAddGetListRoundTrip(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "nodes.json")
	reg, err := NewRegistry(regPath)
	require.NoError(t, err)

	dir := makeNodeDir(t, "demo")
	_, err = reg.Add("demo", dir)
	require.NoError(t, err)

	e, ok := reg.Get("demo")
	require.True(t, ok)
	require.Equal(t, dir, e.Path)

	list := reg.List()
	require.Len(t, list, 1)
	require.Equal(t, "demo", list[0].Name)

	// invariant 2: Add then Remove returns registry to pre-Add content.
	require.NoError(t, reg.Remove("demo"))
	require.Empty(t, reg.List())
}

func TestRegistryRejectsInvalidName(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nodes.json"))
	require.NoError(t, err)
	dir := makeNodeDir(t, "demo")

	_, err = reg.Add("bad name!", dir)
	require.ErrorIs(t, err, ErrInvalidName)
	require.Empty(t, reg.List())
}

func TestRegistryRejectsMissingManifest(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nodes.json"))
	require.NoError(t, err)
	dir := t.TempDir()

	_, err = reg.Add("demo", dir)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "nodes.json")
	dir := makeNodeDir(t, "demo")

	reg, err := NewRegistry(regPath)
	require.NoError(t, err)
	_, err = reg.Add("demo", dir)
	require.NoError(t, err)

	reg2, err := NewRegistry(regPath)
	require.NoError(t, err)
	e, ok := reg2.Get("demo")
	require.True(t, ok)
	require.Equal(t, dir, e.Path)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nodes.json"))
	require.NoError(t, err)
	dir := makeNodeDir(t, "demo")
	_, err = reg.Add("demo", dir)
	require.NoError(t, err)
	_, err = reg.Add("demo", dir)
	require.ErrorIs(t, err, ErrAlreadyExists)
}
