package driftd

import (
	"context"
	"fmt"
	"sort"
)

// ComputeFunc is a feature's measurement: an opaque, potentially
// long-running callable taking the resolved parent records keyed by
// role name.
type ComputeFunc func(ctx context.Context, parents map[string]*Record) (Computed, error)

// HookBindings names the hook occupying each slot. Empty means the slot
// is unbound.
type HookBindings struct {
	Pre        string
	Expiration string
	Post       string
}

// Declaration is one feature as produced by the manifest loader:
// identity, parent bindings by role, the measurement, the roles that
// measurement requires, and hook bindings by name.
type Declaration struct {
	ID       string
	Parents  map[string]string // role -> parent identity
	Compute  ComputeFunc
	Requires []string // parent roles the measurement contract needs bound
	Hooks    HookBindings
}

// Feature is a node of the dependency graph: an identity, its parent
// references, its measurement, and its hooks resolved to callables.
type Feature struct {
	id      string
	parents map[string]string
	compute ComputeFunc

	pre        PreHook
	expiration ExpirationHook
	post       PostHook
	hooks      HookBindings
}

// ID returns the feature's identity.
func (f *Feature) ID() string { return f.id }

// Parents returns the feature's parent identities keyed by role.
func (f *Feature) Parents() map[string]string {
	out := make(map[string]string, len(f.parents))
	for role, id := range f.parents {
		out[role] = id
	}
	return out
}

// Hooks returns the feature's hook bindings by name.
func (f *Feature) Hooks() HookBindings { return f.hooks }

// Graph is the validated set of features and their parent edges. It is
// built once per project load and rebuilt wholesale on reload; a
// running graph is never patched incrementally.
type Graph struct {
	features map[string]*Feature
}

// Feature looks up a node by identity.
func (g *Graph) Feature(id string) (*Feature, bool) {
	f, ok := g.features[id]
	return f, ok
}

// Len returns the number of features in the graph.
func (g *Graph) Len() int { return len(g.features) }

// IDs returns all feature identities in lexical order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.features))
	for id := range g.features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build validates declarations and assembles the dependency graph.
// Construction is all-or-nothing: a single invalid declaration aborts
// the whole build with a GraphError and no side effects.
func Build(decls []Declaration, hooks *HookRegistry) (*Graph, error) {
	features := make(map[string]*Feature, len(decls))

	for _, d := range decls {
		if d.ID == "" {
			return nil, &GraphError{Kind: GraphEmptyID, Detail: "declaration with empty identity"}
		}
		if _, exists := features[d.ID]; exists {
			return nil, &GraphError{Kind: GraphDuplicateID, Detail: fmt.Sprintf("identity %q declared twice", d.ID)}
		}
		f := &Feature{
			id:      d.ID,
			parents: make(map[string]string, len(d.Parents)),
			compute: d.Compute,
			hooks:   d.Hooks,
		}
		for role, pid := range d.Parents {
			f.parents[role] = pid
		}
		features[d.ID] = f
	}

	// Every referenced parent must be declared.
	for _, d := range decls {
		for role, pid := range d.Parents {
			if _, ok := features[pid]; !ok {
				return nil, &GraphError{
					Kind:   GraphMissingParent,
					Detail: fmt.Sprintf("%s: role %q references undeclared feature %q", d.ID, role, pid),
				}
			}
		}
	}

	// Every role the measurement contract requires must be bound. This
	// is a load-time error, never a run-time one.
	for _, d := range decls {
		for _, role := range d.Requires {
			if _, ok := d.Parents[role]; !ok {
				return nil, &GraphError{
					Kind:   GraphUnboundRole,
					Detail: fmt.Sprintf("%s: measurement requires unbound parent role %q", d.ID, role),
				}
			}
		}
	}

	if err := detectCycle(features); err != nil {
		return nil, err
	}

	// Resolve hook bindings to callables.
	for _, d := range decls {
		f := features[d.ID]
		if name := d.Hooks.Pre; name != "" {
			fn, ok := hooks.ResolvePre(name)
			if !ok {
				return nil, unresolvable(d.ID, SlotPre, name)
			}
			f.pre = fn
		}
		if name := d.Hooks.Expiration; name != "" {
			fn, ok := hooks.ResolveExpiration(name)
			if !ok {
				return nil, unresolvable(d.ID, SlotExpiration, name)
			}
			f.expiration = fn
		}
		if name := d.Hooks.Post; name != "" {
			fn, ok := hooks.ResolvePost(name)
			if !ok {
				return nil, unresolvable(d.ID, SlotPost, name)
			}
			f.post = fn
		}
	}

	return &Graph{features: features}, nil
}

func unresolvable(id string, slot Slot, name string) error {
	return &GraphError{
		Kind:   GraphUnresolvableHook,
		Detail: fmt.Sprintf("%s: %s hook %q is not registered", id, slot, name),
	}
}

// detectCycle runs a three-color depth-first traversal over the parent
// relation. Gray marks nodes on the current stack; hitting one again
// proves a cycle.
func detectCycle(features map[string]*Feature) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(features))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &GraphError{Kind: GraphCycle, Detail: fmt.Sprintf("cycle involving %q", id)}
		}
		color[id] = gray
		for _, pid := range features[id].parents {
			if err := visit(pid); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	// Deterministic traversal order keeps the reported witness stable.
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
