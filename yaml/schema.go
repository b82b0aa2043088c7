// Package yaml loads project manifests: YAML documents declaring the
// features of a dependency graph, their measurements, and their hook
// bindings.
package yaml

import "fmt"

// ManifestDefinition is a complete project manifest.
type ManifestDefinition struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Version     string             `yaml:"version,omitempty"`
	Metadata    map[string]any     `yaml:"metadata,omitempty"`
	Features    []FeatureDefinition `yaml:"features"`
}

// FeatureDefinition declares one feature. Name is the feature's stable
// identity and its storage key: renaming a feature in the manifest
// abandons its history, so manifests should treat names as permanent.
type FeatureDefinition struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Description string            `yaml:"description,omitempty"`
	Config      map[string]any    `yaml:"config,omitempty"`
	Parents     map[string]string `yaml:"parents,omitempty"` // role -> feature name
	Hooks       HookDefinition    `yaml:"hooks,omitempty"`
}

// HookDefinition binds registry names to lifecycle slots.
type HookDefinition struct {
	Pre        string `yaml:"pre,omitempty"`
	Expiration string `yaml:"expiration,omitempty"`
	Post       string `yaml:"post,omitempty"`
}

// Validate checks structural validity of the manifest before any
// feature is built. Parent references into other manifests of the same
// project are legal, so unknown parents are deferred to graph build.
func (md *ManifestDefinition) Validate() error {
	if md.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if len(md.Features) == 0 {
		return fmt.Errorf("manifest %s: at least one feature is required", md.Name)
	}

	seen := make(map[string]bool, len(md.Features))
	for _, f := range md.Features {
		if f.Name == "" {
			return fmt.Errorf("manifest %s: feature name is required", md.Name)
		}
		if f.Type == "" {
			return fmt.Errorf("manifest %s: feature %s: measurement type is required", md.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("manifest %s: feature %s declared twice", md.Name, f.Name)
		}
		seen[f.Name] = true

		for role, parent := range f.Parents {
			if role == "" {
				return fmt.Errorf("manifest %s: feature %s: empty parent role", md.Name, f.Name)
			}
			if parent == "" {
				return fmt.Errorf("manifest %s: feature %s: parent role %q has no target", md.Name, f.Name, role)
			}
		}
	}

	return nil
}
