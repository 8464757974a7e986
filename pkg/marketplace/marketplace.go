// Package marketplace resolves node identifiers into on-disk node
// directories: a bare name is looked up in the configured registry sources
// and fetched as a precompiled release archive when one matches the host
// platform; otherwise the node's repository is shallow-cloned and flagged
// as requiring a build. Installs are staged in a temp directory and
// renamed into place, so a failed install never leaves a partial node
// directory behind.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bubbaloop/daemon/pkg/resilience"
)

var (
	ErrNotFound            = errors.New("marketplace: node not found in any source")
	ErrChecksumMismatch    = errors.New("marketplace: archive checksum mismatch")
	ErrUnsupportedPlatform = errors.New("marketplace: no archive for this platform")
)

// NetworkError wraps a transport failure so callers can distinguish
// retry-safe network trouble from a bad identifier.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string { return "marketplace: network error: " + e.Cause.Error() }
func (e *NetworkError) Unwrap() error { return e.Cause }

// Install is the outcome of a successful resolution: where the node landed
// and whether a build is still required before it can run.
type Install struct {
	Name          string
	Path          string
	RequiresBuild bool
}

// Coordinate is a parsed `user/repo[#subdir][@ref]` identifier.
type Coordinate struct {
	User   string
	Repo   string
	Subdir string
	Ref    string
}

var coordRE = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)(#[\w./-]+)?(@[\w./-]+)?$`)

// ParseCoordinate parses a git-style node coordinate. The bare-name form
// (no slash) is not a coordinate; callers try the registry index first.
func ParseCoordinate(input string) (Coordinate, bool) {
	m := coordRE.FindStringSubmatch(input)
	if m == nil {
		return Coordinate{}, false
	}
	c := Coordinate{User: m[1], Repo: m[2]}
	if m[3] != "" {
		c.Subdir = strings.TrimPrefix(m[3], "#")
	}
	if m[4] != "" {
		c.Ref = strings.TrimPrefix(m[4], "@")
	}
	return c, true
}

// CloneURL returns the https clone URL for the coordinate.
func (c Coordinate) CloneURL() string {
	return fmt.Sprintf("https://github.com/%s/%s.git", c.User, c.Repo)
}

// NodeName is the registry name a cloned coordinate installs under: the
// subdir basename when present, else the repository name.
func (c Coordinate) NodeName() string {
	if c.Subdir != "" {
		parts := strings.Split(c.Subdir, "/")
		return parts[len(parts)-1]
	}
	return c.Repo
}

// PlatformTriple identifies the host for release-archive matching.
func PlatformTriple() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// Resolver is the marketplace install path.
type Resolver struct {
	sources   *SourceList
	nodesRoot string
	fetcher   *Fetcher
	git       GitCloner

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// GitCloner shallow-clones a repository; swappable in tests.
type GitCloner interface {
	Clone(ctx context.Context, url, ref, dest string) error
}

// NewResolver builds a resolver installing under nodesRoot.
func NewResolver(sources *SourceList, nodesRoot string, fetcher *Fetcher, git GitCloner) *Resolver {
	return &Resolver{
		sources:   sources,
		nodesRoot: nodesRoot,
		fetcher:   fetcher,
		git:       git,
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-source circuit breaker, so one unreachable
// registry stops being hammered while the rest keep answering.
func (r *Resolver) breakerFor(source string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[source]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         source,
			MaxFailures:  3,
			ResetTimeout: 60 * time.Second,
		})
		r.breakers[source] = cb
	}
	return cb
}

// Resolve materialises the node identified by input under
// `{nodes_root}/{name}/` and reports whether a build is required.
//
// Resolution order: bare names are looked up in each source's index; an
// index entry with a release archive for this platform takes the fast
// path, one with only a repository takes the slow path. Inputs that parse
// as a `user/repo` coordinate always take the slow path.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Install, error) {
	if !strings.Contains(input, "/") {
		entry, err := r.lookup(ctx, input)
		if err != nil {
			return nil, err
		}
		return r.fromEntry(ctx, entry)
	}

	coord, ok := ParseCoordinate(input)
	if !ok {
		return nil, fmt.Errorf("%w: %q is neither an indexed name nor a coordinate", ErrNotFound, input)
	}
	return r.clone(ctx, coord.NodeName(), coord.CloneURL(), coord.Ref, coord.Subdir)
}

func (r *Resolver) lookup(ctx context.Context, name string) (*IndexEntry, error) {
	var lastErr error
	for _, source := range r.sources.Sources {
		var index Index
		err := r.breakerFor(source).Execute(func() error {
			var err error
			index, err = r.fetcher.FetchIndex(ctx, source)
			return err
		})
		if err != nil {
			lastErr = err
			continue
		}
		if entry, ok := index[name]; ok {
			return &entry, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (r *Resolver) fromEntry(ctx context.Context, entry *IndexEntry) (*Install, error) {
	if entry.ArchiveBase != "" {
		install, err := r.fetchArchive(ctx, entry)
		if err == nil {
			return install, nil
		}
		if !errors.Is(err, ErrUnsupportedPlatform) {
			return nil, err
		}
		// No archive for this platform; fall through to source.
	}
	if entry.Repo == "" {
		return nil, fmt.Errorf("%w: %s@%s", ErrUnsupportedPlatform, entry.Name, PlatformTriple())
	}
	coord, ok := ParseCoordinate(entry.Repo)
	if ok {
		return r.clone(ctx, entry.Name, coord.CloneURL(), coord.Ref, coord.Subdir)
	}
	return r.clone(ctx, entry.Name, entry.Repo, "", "")
}

func (r *Resolver) fetchArchive(ctx context.Context, entry *IndexEntry) (*Install, error) {
	url := entry.ArchiveURL(PlatformTriple())
	path, err := r.fetcher.FetchVerified(ctx, url, url+".sha256", r.nodesRoot, entry.Name)
	if err != nil {
		return nil, err
	}
	return &Install{Name: entry.Name, Path: path, RequiresBuild: false}, nil
}

func (r *Resolver) clone(ctx context.Context, name, url, ref, subdir string) (*Install, error) {
	path, err := stageClone(ctx, r.git, r.nodesRoot, name, url, ref, subdir)
	if err != nil {
		return nil, err
	}
	return &Install{Name: name, Path: path, RequiresBuild: true}, nil
}
