package marketplace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ExecGit shallow-clones with the system git binary.
type ExecGit struct{}

// Clone runs `git clone --depth 1 [--branch ref] url dest`.
func (ExecGit) Clone(ctx context.Context, url, ref, dest string) error {
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dest)
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &NetworkError{Cause: fmt.Errorf("git clone %s: %w: %s", url, err, out)}
	}
	return nil
}

// stageClone clones url into a staging directory under nodesRoot, hoists
// subdir if given, and renames the result to `{nodesRoot}/{name}`. The
// staging directory is removed on any failure.
func stageClone(ctx context.Context, git GitCloner, nodesRoot, name, url, ref, subdir string) (path string, err error) {
	if err := os.MkdirAll(nodesRoot, 0o755); err != nil {
		return "", fmt.Errorf("marketplace: create nodes root: %w", err)
	}
	staging, err := os.MkdirTemp(nodesRoot, ".clone-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("marketplace: create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	checkout := filepath.Join(staging, "repo")
	if err = git.Clone(ctx, url, ref, checkout); err != nil {
		return "", err
	}

	tree := checkout
	if subdir != "" {
		tree = filepath.Join(checkout, filepath.Clean(subdir))
		if _, err = os.Stat(tree); err != nil {
			return "", fmt.Errorf("marketplace: subdir %q not found in %s: %w", subdir, url, err)
		}
	}
	if _, err = os.Stat(filepath.Join(tree, "node.yaml")); err != nil {
		return "", fmt.Errorf("marketplace: %s carries no node.yaml: %w", url, err)
	}

	final := filepath.Join(nodesRoot, name)
	if _, statErr := os.Stat(final); statErr == nil {
		return "", fmt.Errorf("marketplace: node directory %s already exists", final)
	}
	if err = os.Rename(tree, final); err != nil {
		return "", fmt.Errorf("marketplace: install %s: %w", name, err)
	}
	os.RemoveAll(staging)
	return final, nil
}
