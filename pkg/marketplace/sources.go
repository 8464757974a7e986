package marketplace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSource is the official registry queried when sources.json is
// absent or empty.
const DefaultSource = "https://nodes.bubbaloop.dev"

// SourceList is the on-disk sources.json: an ordered list of registry base
// URLs, each expected to serve a nodes.yaml index at its root.
type SourceList struct {
	Sources []string `json:"sources"`
}

// LoadSources reads sources.json at path, falling back to the default
// source when the file is missing.
func LoadSources(path string) (*SourceList, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SourceList{Sources: []string{DefaultSource}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("marketplace: read sources: %w", err)
	}
	var list SourceList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("marketplace: parse sources: %w", err)
	}
	if len(list.Sources) == 0 {
		list.Sources = []string{DefaultSource}
	}
	return &list, nil
}

// Save writes the source list atomically (temp file + rename).
func (l *SourceList) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marketplace: marshal sources: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sources-*.tmp")
	if err != nil {
		return fmt.Errorf("marketplace: write sources: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("marketplace: write sources: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("marketplace: write sources: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// IndexEntry is one node in a source's nodes.yaml index.
type IndexEntry struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	// Repo is a `user/repo[#subdir][@ref]` coordinate or a full clone URL,
	// used when no release archive matches the platform.
	Repo string `yaml:"repo,omitempty"`
	// ArchiveBase is the release download prefix; archives are named
	// `{name}-{version}-{triple}.tar.gz` with a `.sha256` sibling.
	ArchiveBase string `yaml:"archive_base,omitempty"`
}

// ArchiveURL returns the release archive URL for a platform triple.
func (e *IndexEntry) ArchiveURL(triple string) string {
	return fmt.Sprintf("%s/%s-%s-%s.tar.gz", e.ArchiveBase, e.Name, e.Version, triple)
}

// Index maps node name → entry.
type Index map[string]IndexEntry

// ParseIndex parses a nodes.yaml document. Both a top-level `nodes:` list
// and a bare list are accepted.
func ParseIndex(data []byte) (Index, error) {
	var doc struct {
		Nodes []IndexEntry `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var bare []IndexEntry
		if err2 := yaml.Unmarshal(data, &bare); err2 != nil {
			return nil, fmt.Errorf("marketplace: parse index: %w", err)
		}
		doc.Nodes = bare
	}
	index := make(Index, len(doc.Nodes))
	for _, e := range doc.Nodes {
		if e.Name == "" {
			continue
		}
		index[e.Name] = e
	}
	return index, nil
}
