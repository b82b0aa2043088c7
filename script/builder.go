package script

import (
	"context"
	"fmt"

	"github.com/driftlab/driftd"
	"github.com/driftlab/driftd/measure"
	"github.com/driftlab/driftd/yaml"
)

// Builder is the measure.Builder for Lua measurements: a manifest
// feature of type "script" runs a discovered script's measure()
// function, or an inline source block.
type Builder struct {
	Manager *Manager
}

// Metadata returns the measurement metadata.
func (b *Builder) Metadata() measure.Metadata {
	return measure.Metadata{
		Type:        "script",
		Category:    "core",
		Description: "Runs a Lua script's measure(parents) function",
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script": map[string]any{"type": "string", "description": "Name of a discovered script"},
				"source": map[string]any{"type": "string", "description": "Inline Lua source"},
			},
			"oneOf": []any{
				map[string]any{"required": []any{"script"}},
				map[string]any{"required": []any{"source"}},
			},
		},
	}
}

// Build creates the compute procedure.
func (b *Builder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	source, _ := def.Config["source"].(string)
	if name, ok := def.Config["script"].(string); ok && name != "" {
		if b.Manager == nil {
			return nil, fmt.Errorf("no scripts directory configured")
		}
		s, ok := b.Manager.Get(name)
		if !ok {
			return nil, fmt.Errorf("script %q not found", name)
		}
		source = s.Source
	}

	if !definesFunction(source, "measure") {
		return nil, fmt.Errorf("script does not define measure()")
	}

	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		payload, err := evalMeasure(source, parents)
		if err != nil {
			return driftd.Computed{}, err
		}
		return driftd.Computed{Payload: payload}, nil
	}, nil
}
