package yaml

import (
	"fmt"

	"github.com/driftlab/driftd"
)

// ComputeFactory turns a feature definition's measurement type and
// config into an executable compute procedure. It also reports which
// parent roles the measurement requires, so the graph build can reject
// manifests that leave them unbound.
type ComputeFactory interface {
	Create(def *FeatureDefinition) (fn driftd.ComputeFunc, requires []string, err error)
}

// Loader turns manifests into graph declarations.
type Loader struct {
	parser  *Parser
	factory ComputeFactory
}

// NewLoader creates a loader backed by the given measurement factory.
func NewLoader(factory ComputeFactory) *Loader {
	return &Loader{
		parser:  NewParser(),
		factory: factory,
	}
}

// LoadFile loads declarations from a manifest file.
func (l *Loader) LoadFile(filename string) ([]driftd.Declaration, error) {
	def, err := l.parser.ParseFile(filename)
	if err != nil {
		return nil, err
	}
	return l.LoadDefinition(def)
}

// LoadString loads declarations from a manifest string.
func (l *Loader) LoadString(manifest string) ([]driftd.Declaration, error) {
	def, err := l.parser.ParseString(manifest)
	if err != nil {
		return nil, err
	}
	return l.LoadDefinition(def)
}

// LoadDefinition converts a parsed manifest into declarations ready for
// driftd.Build.
func (l *Loader) LoadDefinition(def *ManifestDefinition) ([]driftd.Declaration, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	decls := make([]driftd.Declaration, 0, len(def.Features))
	for i := range def.Features {
		fd := &def.Features[i]

		compute, requires, err := l.factory.Create(fd)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: feature %s: %w", def.Name, fd.Name, err)
		}

		parents := make(map[string]string, len(fd.Parents))
		for role, parent := range fd.Parents {
			parents[role] = parent
		}

		decls = append(decls, driftd.Declaration{
			ID:       fd.Name,
			Parents:  parents,
			Compute:  compute,
			Requires: requires,
			Hooks: driftd.HookBindings{
				Pre:        fd.Hooks.Pre,
				Expiration: fd.Hooks.Expiration,
				Post:       fd.Hooks.Post,
			},
		})
	}

	return decls, nil
}

// LoadFiles loads and concatenates declarations from several manifest
// files, one project graph per process.
func (l *Loader) LoadFiles(filenames []string) ([]driftd.Declaration, error) {
	var decls []driftd.Declaration
	for _, name := range filenames {
		d, err := l.LoadFile(name)
		if err != nil {
			return nil, err
		}
		decls = append(decls, d...)
	}
	return decls, nil
}
