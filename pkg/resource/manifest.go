package resource

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is a named list of resources loaded from YAML.
type Manifest struct {
	Name       string       `yaml:"name"`
	Resources  []Descriptor `yaml:"resources"`
	TotalBytes int64        `yaml:"-"`
}

type manifestEntry struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Kind      string `yaml:"kind"`
	Priority  int    `yaml:"priority"`
	SizeBytes int64  `yaml:"size_bytes"`
	Visible   bool   `yaml:"visible"`
}

type manifestFile struct {
	Name      string          `yaml:"name"`
	Resources []manifestEntry `yaml:"resources"`
}

// ParseManifestYAML decodes a manifest. Entries without an id get one derived
// from their URL; entries without a kind get one inferred from the URL.
func ParseManifestYAML(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("manifest: payload is empty")
	}
	var raw manifestFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode: %w", err)
	}

	m := Manifest{
		Name:      raw.Name,
		Resources: make([]Descriptor, 0, len(raw.Resources)),
	}
	for i, e := range raw.Resources {
		kind := KindFromURL(e.URL)
		if e.Kind != "" {
			k, err := ParseKind(e.Kind)
			if err != nil {
				return Manifest{}, fmt.Errorf("manifest: entry %d: %w", i, err)
			}
			kind = k
		}
		id := e.ID
		if id == "" && e.URL != "" {
			id = DeriveID(e.URL)
		}
		m.Resources = append(m.Resources, Descriptor{
			ID:        id,
			URL:       e.URL,
			Kind:      kind,
			Priority:  e.Priority,
			SizeBytes: e.SizeBytes,
			Visible:   e.Visible,
		})
	}
	if err := CheckUnique(m.Resources); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	m.TotalBytes = TotalBytes(m.Resources)
	return m, nil
}

// LoadManifestReader reads a manifest from r.
func LoadManifestReader(r io.Reader) (Manifest, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read: %w", err)
	}
	return ParseManifestYAML(content)
}

// LoadManifestFile loads a manifest from path.
func LoadManifestFile(path string) (Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := ParseManifestYAML(content)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
