/*
Package driftd keeps a dependency graph of named, cacheable features
fresh. A feature wraps a measurement - an opaque, possibly slow compute
procedure - plus the identities of the parents it depends on, and every
successful computation is persisted as a timestamped record. Resolving
a feature guarantees a valid result exists: parents are recursively
confirmed fresh first, the stored record is judged against the
feature's expiration policy, and only a stale record triggers
recomputation.

Basic usage:

	hooks := driftd.NewHookRegistry()

	decls := []driftd.Declaration{
		{
			ID: "spec",
			Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
				return driftd.Computed{Payload: measureSpectrum()}, nil
			},
		},
		{
			ID:      "rabi",
			Parents: map[string]string{"spec": "spec"},
			Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
				return driftd.Computed{Payload: fitRabi(parents["spec"].Payload)}, nil
			},
		},
	}

	graph, err := driftd.Build(decls, hooks)
	if err != nil {
		log.Fatal(err)
	}

	resolver := driftd.NewResolver(graph, driftd.NewMemoryStore())
	rec, err := resolver.Resolve(ctx, "rabi")

Staleness follows a fixed policy chain: a missing record is always
stale; a bound expiration hook's verdict is authoritative; otherwise a
record is stale exactly when some parent's record is newer, so
recomputing a dependency invalidates its dependents. A feature with no
parents and no expiration hook is fresh forever once computed.

Concurrent resolves of overlapping subgraphs never duplicate work: an
in-flight computation registry gives each identity mutual exclusion,
and later callers join the running attempt and share its outcome.

Subpackages supply the rest of the system: yaml loads project
manifests into declarations, measure maps manifest type keys to
built-in measurements, script hosts Lua hooks and measurements, store
provides durable record stores, and server exposes the resolver over
bearer-token HTTP.
*/
package driftd
