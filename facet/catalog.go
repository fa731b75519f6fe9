// Package facet defines the typed data vocabulary of the orchestrator.
// A facet is a named semantic slot with a JSON Schema fragment, a declared
// direction, and a canonical JSON pointer into the composed final output.
// Capabilities declare their inputs and outputs as facet lists; the compiler
// in this package turns those lists into JSON-Schema contracts with
// provenance, and schema.go validates values against compiled contracts.
package facet

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Direction declares how a facet may be used by capabilities.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

// Definition is the catalog entry for one facet.
type Definition struct {
	Name        string    `json:"name" yaml:"name"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Direction   Direction `json:"direction" yaml:"direction"`
	// Pointer is the canonical JSON pointer at which this facet's value is
	// written when composing the final output. Defaults to "/<name>".
	Pointer string                 `json:"pointer" yaml:"pointer"`
	Schema  map[string]interface{} `json:"schema" yaml:"schema"`
}

// Catalog is an immutable facet lookup. Construct with NewCatalog or the
// YAML loaders; lookups are safe for concurrent use.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalog from definitions, normalizing defaults.
// Duplicate names are rejected.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	byName := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("facet definition missing name")
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate facet definition %q", def.Name)
		}
		if def.Direction == "" {
			def.Direction = DirectionBoth
		}
		if def.Direction != DirectionInput && def.Direction != DirectionOutput && def.Direction != DirectionBoth {
			return nil, fmt.Errorf("facet %q has invalid direction %q", def.Name, def.Direction)
		}
		if def.Pointer == "" {
			def.Pointer = "/" + def.Name
		}
		if def.Title == "" {
			def.Title = def.Name
		}
		if def.Schema == nil {
			def.Schema = map[string]interface{}{}
		}
		byName[def.Name] = def
	}
	return &Catalog{defs: byName}, nil
}

// Get returns the definition for name. The boolean reports presence.
func (c *Catalog) Get(name string) (Definition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Has reports whether the catalog knows the facet name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.defs[name]
	return ok
}

// Names returns all facet names in lexical order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of facets in the catalog.
func (c *Catalog) Len() int {
	return len(c.defs)
}

type catalogFile struct {
	Facets []Definition `yaml:"facets"`
}

// ParseCatalog parses a YAML catalog document:
//
//	facets:
//	  - name: copyVariants
//	    title: Copy Variants
//	    direction: output
//	    schema:
//	      type: object
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse facet catalog: %w", err)
	}
	if len(file.Facets) == 0 {
		return nil, fmt.Errorf("facet catalog declares no facets")
	}
	return NewCatalog(file.Facets...)
}

// LoadCatalogFile reads and parses a YAML catalog file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facet catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in facet set used by the bundled
// capabilities and the test suite. Deployments normally load their own
// catalog file and merge or replace this set.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(
		Definition{
			Name: "objectiveBrief", Title: "Objective Brief", Direction: DirectionInput,
			Description: "Caller-supplied description of the objective.",
			Schema:      map[string]interface{}{"type": "string", "minLength": 1},
		},
		Definition{
			Name: "writerBrief", Title: "Writer Brief", Direction: DirectionBoth,
			Description: "Structured brief handed to content-producing capabilities.",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"audience": map[string]interface{}{"type": "string"},
					"angle":    map[string]interface{}{"type": "string"},
					"keyPoints": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		Definition{
			Name: "toneOfVoice", Title: "Tone of Voice", Direction: DirectionInput,
			Schema: map[string]interface{}{"type": "string"},
		},
		Definition{
			Name: "audienceProfile", Title: "Audience Profile", Direction: DirectionInput,
			Schema: map[string]interface{}{"type": "object"},
		},
		Definition{
			Name: "planKnobs", Title: "Plan Knobs", Direction: DirectionInput,
			Description: "Free-form tuning values referenced by routing conditions.",
			Schema:      map[string]interface{}{"type": "object"},
		},
		Definition{
			Name: "copyVariants", Title: "Copy Variants", Direction: DirectionBoth,
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"variants": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
				},
				"required": []interface{}{"variants"},
			},
		},
		Definition{
			Name: "post_copy", Title: "Post Copy", Direction: DirectionOutput,
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"status": map[string]interface{}{"type": "string"},
					"body":   map[string]interface{}{"type": "string"},
				},
			},
		},
		Definition{
			Name: "qaFindings", Title: "QA Findings", Direction: DirectionOutput,
			Schema: map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "object"},
			},
		},
		Definition{
			Name: "feedback", Title: "Feedback", Direction: DirectionBoth,
			Description: "Review feedback entries; resolution changes are tracked across updates.",
			Schema: map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":         map[string]interface{}{"type": "string"},
						"facet":      map[string]interface{}{"type": "string"},
						"path":       map[string]interface{}{"type": "string"},
						"message":    map[string]interface{}{"type": "string"},
						"note":       map[string]interface{}{"type": "string"},
						"resolution": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	)
	if err != nil {
		// The built-in set is static; a failure here is a programming error.
		panic(err)
	}
	return catalog
}
