package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"airouter/internal/llmerr"
)

// ModelDescriptor identifies one runnable model. Descriptors are loaded from
// the catalog file at process start and are immutable thereafter.
type ModelDescriptor struct {
	ID                    string                 `yaml:"id" json:"id"`
	DisplayName           string                 `yaml:"display_name" json:"display_name"`
	Framework             Kind                   `yaml:"framework" json:"framework"`
	Path                  string                 `yaml:"path" json:"path,omitempty"`
	RemoteID              string                 `yaml:"remote_id" json:"remote_id,omitempty"`
	SizeGB                float64                `yaml:"size_gb" json:"size_gb,omitempty"`
	ContextWindow         int                    `yaml:"context_window" json:"context_window,omitempty"`
	RecommendedParameters map[string]interface{} `yaml:"recommended_parameters" json:"recommended_parameters,omitempty"`
	PlatformTags          []string               `yaml:"platform_tags" json:"platform_tags,omitempty"`
}

// Catalog is the read-only model registry keyed by model id.
type Catalog struct {
	models []ModelDescriptor
	byID   map[string]ModelDescriptor
}

type catalogFile struct {
	Models []ModelDescriptor `yaml:"models"`
}

// LoadCatalog reads the YAML model registry. Duplicate ids and missing
// required fields are load errors; the catalog is never partially loaded.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from raw YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	cat := &Catalog{byID: make(map[string]ModelDescriptor, len(file.Models))}
	for i, m := range file.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d: id is required", i)
		}
		if m.Framework == "" {
			return nil, fmt.Errorf("model %q: framework is required", m.ID)
		}
		if _, dup := cat.byID[m.ID]; dup {
			return nil, fmt.Errorf("model catalog: duplicate id %q", m.ID)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		cat.byID[m.ID] = m
		cat.models = append(cat.models, m)
	}
	return cat, nil
}

// NewCatalog builds a catalog from already-parsed descriptors. Used by tests
// and by adapters that synthesize descriptors from a backend listing.
func NewCatalog(models []ModelDescriptor) *Catalog {
	cat := &Catalog{byID: make(map[string]ModelDescriptor, len(models))}
	for _, m := range models {
		if _, dup := cat.byID[m.ID]; dup {
			continue
		}
		cat.byID[m.ID] = m
		cat.models = append(cat.models, m)
	}
	return cat
}

// Lookup returns the descriptor for id, or a NotFound taxonomy error.
func (c *Catalog) Lookup(id string) (ModelDescriptor, error) {
	m, ok := c.byID[id]
	if !ok {
		return ModelDescriptor{}, llmerr.New(llmerr.KindNotFound, "model %q not in catalog", id)
	}
	return m, nil
}

// Models returns all descriptors in declaration order.
func (c *Catalog) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, len(c.models))
	copy(out, c.models)
	return out
}

// ModelsFor returns the descriptors runnable by the given provider kind.
func (c *Catalog) ModelsFor(kind Kind) []ModelDescriptor {
	var out []ModelDescriptor
	for _, m := range c.models {
		if m.Framework == kind {
			out = append(out, m)
		}
	}
	return out
}
