// Package measure maps manifest measurement types to executable
// compute procedures. A manifest names a measurement by string key;
// the registry resolves that key to a concrete builder at load time,
// validates the feature's config against the builder's schema, and
// produces the feature's ComputeFunc.
package measure

import (
	"fmt"
	"sort"

	"github.com/driftlab/driftd"
	"github.com/driftlab/driftd/yaml"
)

// Metadata describes a measurement type.
type Metadata struct {
	// Type is the manifest key, e.g. "command".
	Type string

	// Category groups measurements for listings: core, data, io.
	Category string

	// Description is a one-line summary.
	Description string

	// ConfigSchema is a JSON schema for the feature's config block.
	ConfigSchema map[string]any

	// Requires lists parent roles the measurement contract needs bound
	// in the manifest.
	Requires []string
}

// Builder creates compute procedures and provides metadata.
type Builder interface {
	Metadata() Metadata
	Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error)
}

// Registry manages measurement builders keyed by type.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Builtin creates a registry preloaded with the built-in measurement
// types.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(&ConstantBuilder{})
	r.Register(&CommandBuilder{})
	r.Register(&HTTPBuilder{})
	r.Register(&JSONPathBuilder{})
	r.Register(&TemplateBuilder{})
	r.Register(&CombineBuilder{})
	return r
}

// Register adds a builder under its metadata type.
func (r *Registry) Register(b Builder) {
	r.builders[b.Metadata().Type] = b
}

// Get returns a builder by type.
func (r *Registry) Get(measurementType string) (Builder, bool) {
	b, ok := r.builders[measurementType]
	return b, ok
}

// Types returns all registered measurement types in lexical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create implements yaml.ComputeFactory: it resolves the definition's
// type, validates its config against the builder's schema, and builds
// the compute procedure.
func (r *Registry) Create(def *yaml.FeatureDefinition) (driftd.ComputeFunc, []string, error) {
	builder, ok := r.builders[def.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unknown measurement type %q", def.Type)
	}

	meta := builder.Metadata()
	if err := ValidateConfig(&meta, def.Config); err != nil {
		return nil, nil, fmt.Errorf("config for %s measurement: %w", def.Type, err)
	}

	fn, err := builder.Build(def)
	if err != nil {
		return nil, nil, err
	}
	return fn, meta.Requires, nil
}
