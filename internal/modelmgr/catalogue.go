package modelmgr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	defaultTemperature = 0.7
	defaultTopP        = 0.9
)

// ModelSpec describes one logical model and its sampling defaults.
type ModelSpec struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	ContextWindow  int     `json:"context_window"`
	SupportsImages bool    `json:"supports_images"`
}

type specYAML struct {
	Name           string   `yaml:"name"`
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"top_p"`
	ContextWindow  int      `yaml:"context_window"`
	SupportsImages bool     `yaml:"supports_images"`
}

// Catalogue maps logical model ids to their specs.
type Catalogue map[string]ModelSpec

type catalogueFile struct {
	Ollama struct {
		Models map[string]specYAML `yaml:"models"`
	} `yaml:"ollama"`
	Models map[string]specYAML `yaml:"models"`
}

// DefaultCatalogue is used when no catalogue file exists.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		"qwen2_5_7b": {ID: "qwen2_5_7b", Name: "qwen2.5:7b", Temperature: 0.7, TopP: 0.9, ContextWindow: 32768},
		"llama3_8b":  {ID: "llama3_8b", Name: "llama3:8b", Temperature: 0.8, TopP: 0.95, ContextWindow: 8192},
		"mistral_7b": {ID: "mistral_7b", Name: "mistral:7b", Temperature: 0.5, TopP: 0.9, ContextWindow: 32768},
	}
}

// LoadCatalogue reads a YAML catalogue. Both a top-level "models" map and the
// nested "ollama.models" layout are accepted. found is false, with the default
// catalogue returned, when path does not exist.
func LoadCatalogue(path string) (cat Catalogue, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultCatalogue(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read model catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes YAML catalogue bytes and fills sampling defaults.
func ParseCatalogue(data []byte) (Catalogue, bool, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, true, fmt.Errorf("parse model catalogue: %w", err)
	}
	raw := f.Models
	if len(raw) == 0 {
		raw = f.Ollama.Models
	}
	if len(raw) == 0 {
		return nil, true, errors.New("model catalogue defines no models")
	}
	cat := make(Catalogue, len(raw))
	for id, r := range raw {
		if r.Name == "" {
			return nil, true, fmt.Errorf("model %q has no name", id)
		}
		spec := ModelSpec{
			ID:             id,
			Name:           r.Name,
			Temperature:    defaultTemperature,
			TopP:           defaultTopP,
			ContextWindow:  r.ContextWindow,
			SupportsImages: r.SupportsImages,
		}
		if r.Temperature != nil {
			spec.Temperature = *r.Temperature
		}
		if r.TopP != nil {
			spec.TopP = *r.TopP
		}
		cat[id] = spec
	}
	return cat, true, nil
}

// IDs returns the logical ids in sorted order.
func (c Catalogue) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve finds a model by logical id, then by engine name.
func (c Catalogue) Resolve(idOrName string) (ModelSpec, bool) {
	if spec, ok := c[idOrName]; ok {
		return spec, true
	}
	for _, id := range c.IDs() {
		if c[id].Name == idOrName {
			return c[id], true
		}
	}
	return ModelSpec{}, false
}
