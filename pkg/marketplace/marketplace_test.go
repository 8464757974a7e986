package marketplace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestParseCoordinate(t *testing.T) {
	cases := []struct {
		in   string
		want Coordinate
		ok   bool
	}{
		{"bubbaloop/nodes#rtsp-camera@v0.2.0", Coordinate{User: "bubbaloop", Repo: "nodes", Subdir: "rtsp-camera", Ref: "v0.2.0"}, true},
		{"user/repo", Coordinate{User: "user", Repo: "repo"}, true},
		{"user/repo@main", Coordinate{User: "user", Repo: "repo", Ref: "main"}, true},
		{"user/repo#sub/dir", Coordinate{User: "user", Repo: "repo", Subdir: "sub/dir"}, true},
		{"bare-name", Coordinate{}, false},
		{"a/b/c", Coordinate{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseCoordinate(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseCoordinate(%q) = %+v, %v; want %+v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCoordinateNodeName(t *testing.T) {
	c, _ := ParseCoordinate("bubbaloop/nodes#sensors/rtsp-camera")
	if c.NodeName() != "rtsp-camera" {
		t.Fatalf("NodeName = %q", c.NodeName())
	}
	c, _ = ParseCoordinate("user/openmeteo")
	if c.NodeName() != "openmeteo" {
		t.Fatalf("NodeName = %q", c.NodeName())
	}
}

func TestParseIndex(t *testing.T) {
	doc := []byte(`
nodes:
  - name: rtsp-camera
    version: 0.1.0
    archive_base: https://releases.example.com/rtsp-camera
    repo: bubbaloop/nodes#rtsp-camera
  - name: openmeteo
    version: 0.3.1
    repo: bubbaloop/nodes#openmeteo
`)
	index, err := ParseIndex(doc)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("parsed %d entries", len(index))
	}
	entry := index["rtsp-camera"]
	want := fmt.Sprintf("https://releases.example.com/rtsp-camera/rtsp-camera-0.1.0-%s.tar.gz", PlatformTriple())
	if entry.ArchiveURL(PlatformTriple()) != want {
		t.Fatalf("ArchiveURL = %q", entry.ArchiveURL(PlatformTriple()))
	}
}

// makeArchive builds a tar.gz holding a node.yaml manifest and a binary.
func makeArchive(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	write := func(path, content string, mode int64) {
		if err := tw.WriteHeader(&tar.Header{Name: path, Mode: mode, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	manifest := fmt.Sprintf("name: %s\nversion: 0.1.0\ndescription: test node\ntype: rust\nbinary: target/release/%s\n", name, name)
	write("node.yaml", manifest, 0o644)
	write("config.yaml", "fps: 30\n", 0o644)
	write("target/release/"+name, "#!ELF\x00fake", 0o755)
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// registryServer serves a nodes.yaml index plus one release archive.
func registryServer(t *testing.T, name string, archive []byte, breakSum bool) *httptest.Server {
	t.Helper()
	digest := sha256.Sum256(archive)
	sum := hex.EncodeToString(digest[:])
	if breakSum {
		sum = "deadbeef" + sum[8:]
	}

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/nodes.yaml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "nodes:\n  - name: %s\n    version: 0.1.0\n    archive_base: %s/releases\n", name, srv.URL)
	})
	archivePath := fmt.Sprintf("/releases/%s-0.1.0-%s.tar.gz", name, PlatformTriple())
	mux.HandleFunc(archivePath, func(w http.ResponseWriter, _ *http.Request) {
		w.Write(archive)
	})
	mux.HandleFunc(archivePath+".sha256", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "%s  %s-0.1.0-%s.tar.gz\n", sum, name, PlatformTriple())
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveFastPath(t *testing.T) {
	nodesRoot := t.TempDir()
	archive := makeArchive(t, "rtsp-camera")
	srv := registryServer(t, "rtsp-camera", archive, false)

	r := NewResolver(&SourceList{Sources: []string{srv.URL}}, nodesRoot, NewFetcher(srv.Client()), ExecGit{})
	install, err := r.Resolve(context.Background(), "rtsp-camera")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if install.RequiresBuild {
		t.Error("fast path must not require a build")
	}
	if install.Path != filepath.Join(nodesRoot, "rtsp-camera") {
		t.Errorf("install path = %q", install.Path)
	}
	if _, err := os.Stat(filepath.Join(install.Path, "node.yaml")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(install.Path, "target/release/rtsp-camera")); err != nil {
		t.Errorf("binary missing: %v", err)
	}
}

func TestResolveChecksumMismatchLeavesNothing(t *testing.T) {
	nodesRoot := t.TempDir()
	archive := makeArchive(t, "rtsp-camera")
	srv := registryServer(t, "rtsp-camera", archive, true)

	r := NewResolver(&SourceList{Sources: []string{srv.URL}}, nodesRoot, NewFetcher(srv.Client()), ExecGit{})
	_, err := r.Resolve(context.Background(), "rtsp-camera")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}

	if _, err := os.Stat(filepath.Join(nodesRoot, "rtsp-camera")); !os.IsNotExist(err) {
		t.Error("failed install left a node directory behind")
	}
	entries, _ := os.ReadDir(nodesRoot)
	if len(entries) != 0 {
		t.Errorf("staging residue left in nodes root: %v", entries)
	}
}

// fakeGit materialises a minimal checkout instead of hitting the network.
type fakeGit struct {
	cloned []string
}

func (g *fakeGit) Clone(_ context.Context, url, ref, dest string) error {
	g.cloned = append(g.cloned, url+"@"+ref)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	manifest := "name: cloned-node\nversion: 0.0.1\ndescription: from source\ntype: python\n"
	return os.WriteFile(filepath.Join(dest, "node.yaml"), []byte(manifest), 0o644)
}

func TestResolveSlowPath(t *testing.T) {
	nodesRoot := t.TempDir()
	git := &fakeGit{}
	r := NewResolver(&SourceList{Sources: nil}, nodesRoot, NewFetcher(nil), git)

	install, err := r.Resolve(context.Background(), "someuser/cloned-node@v1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !install.RequiresBuild {
		t.Error("slow path must require a build")
	}
	if install.Name != "cloned-node" {
		t.Errorf("install name = %q", install.Name)
	}
	if len(git.cloned) != 1 || git.cloned[0] != "https://github.com/someuser/cloned-node.git@v1" {
		t.Errorf("clone calls = %v", git.cloned)
	}
	if _, err := os.Stat(filepath.Join(install.Path, "node.yaml")); err != nil {
		t.Errorf("manifest missing after clone: %v", err)
	}
}

func TestResolveUnknownName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "nodes: []\n")
	}))
	defer srv.Close()

	r := NewResolver(&SourceList{Sources: []string{srv.URL}}, t.TempDir(), NewFetcher(srv.Client()), ExecGit{})
	_, err := r.Resolve(context.Background(), "no-such-node")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadSourcesDefaults(t *testing.T) {
	list, err := LoadSources(filepath.Join(t.TempDir(), "sources.json"))
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(list.Sources) != 1 || list.Sources[0] != DefaultSource {
		t.Fatalf("sources = %v", list.Sources)
	}
}

func TestSourcesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	in := &SourceList{Sources: []string{"https://a.example", "https://b.example"}}
	if err := in.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(out.Sources) != 2 || out.Sources[0] != "https://a.example" {
		t.Fatalf("sources = %v", out.Sources)
	}
}
