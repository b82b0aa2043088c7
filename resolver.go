package driftd

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Resolver guarantees that a requested feature has a fresh result,
// recursing over its transitive parents. It is safe for many concurrent
// resolve calls against one shared graph and store.
type Resolver struct {
	graph  *Graph
	store  Store
	logger Logger
	now    func() time.Time

	// flight is the in-flight computation registry: per-identity
	// mutual exclusion, with later callers joining the existing
	// attempt instead of duplicating work.
	flight singleflight.Group

	mu      sync.Mutex
	expired map[string]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger injects a structured logger.
func WithLogger(logger Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithClock overrides the wall clock used for record timestamps.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a resolver over a validated graph and a store.
func NewResolver(graph *Graph, store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		graph:   graph,
		store:   store,
		logger:  nopLogger{},
		now:     time.Now,
		expired: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Graph returns the graph the resolver serves.
func (r *Resolver) Graph() *Graph { return r.graph }

// Store returns the resolver's result store.
func (r *Resolver) Store() Store { return r.store }

// Resolve guarantees a fresh record for the requested identity,
// recursively resolving parents first. Within one call a feature is
// resolved at most once, even when reachable via several paths, and its
// measurement runs only after every declared parent is non-stale.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Record, error) {
	if _, ok := r.graph.Feature(id); !ok {
		return nil, &ResolveError{Kind: ResolveUnknownFeature, ID: id}
	}
	s := &session{r: r, memo: make(map[string]*Record)}
	return s.resolve(ctx, id)
}

// Expire arms the manual expiration switch for an identity: the next
// staleness judgment returns stale regardless of any bound policy. The
// switch is one-shot and consumed by that judgment.
func (r *Resolver) Expire(id string) error {
	if _, ok := r.graph.Feature(id); !ok {
		return &ResolveError{Kind: ResolveUnknownFeature, ID: id}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[id] = struct{}{}
	return nil
}

func (r *Resolver) consumeExpired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.expired[id]; !ok {
		return false
	}
	delete(r.expired, id)
	return true
}

// session is the call-scoped state of one top-level resolve: a memo of
// features already confirmed fresh, so a diamond-shaped dependency is
// resolved once per request.
type session struct {
	r    *Resolver
	mu   sync.Mutex
	memo map[string]*Record
}

func (s *session) resolve(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	rec, done := s.memo[id]
	s.mu.Unlock()
	if done {
		return rec, nil
	}

	f, ok := s.r.graph.Feature(id)
	if !ok {
		// Build validated all edges; this is unreachable for graph
		// parents and guards only direct misuse.
		return nil, &ResolveError{Kind: ResolveUnknownFeature, ID: id}
	}

	// Post-order: every parent reaches a non-stale state before this
	// feature is judged. Independent parents resolve concurrently.
	parents := make(map[string]*Record, len(f.parents))
	if len(f.parents) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		var pmu sync.Mutex
		for role, pid := range f.parents {
			g.Go(func() error {
				prec, err := s.resolve(gctx, pid)
				if err != nil {
					return err
				}
				pmu.Lock()
				parents[role] = prec
				pmu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	rec, err := s.r.ensureFresh(ctx, f, parents)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.memo[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// ensureFresh funnels staleness judgment and recomputation through the
// in-flight registry so that concurrent requests discovering the same
// stale identity execute its measurement exactly once. Failures are
// delivered to every joined waiter.
func (r *Resolver) ensureFresh(ctx context.Context, f *Feature, parents map[string]*Record) (*Record, error) {
	v, err, shared := r.flight.Do(f.id, func() (any, error) {
		// A joined computation runs to completion even if the caller
		// that started it abandons its request.
		return r.evaluate(context.WithoutCancel(ctx), f, parents)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug(ctx, "joined in-flight computation", "feature", f.id)
	}
	return v.(*Record), nil
}

func (r *Resolver) evaluate(ctx context.Context, f *Feature, parents map[string]*Record) (*Record, error) {
	rec, ok, err := r.store.Get(ctx, f.id)
	if err != nil {
		return nil, &ResolveError{Kind: ResolveStoreFailure, ID: f.id, Cause: err}
	}
	if !ok {
		rec = nil
	}

	stale, err := r.isStale(ctx, f, rec, parents)
	if err != nil {
		return nil, err
	}
	if !stale {
		// Cache hit: no hooks fire, the record returns unchanged.
		r.logger.Debug(ctx, "record fresh", "feature", f.id)
		return rec, nil
	}

	if f.pre != nil {
		if err := f.pre(ctx, f); err != nil {
			if isAbort(err) {
				return nil, &ResolveError{Kind: ResolveHookAbort, ID: f.id, Slot: SlotPre, Cause: err}
			}
			r.logger.Error(ctx, "pre hook failed", "feature", f.id, "hook", f.hooks.Pre, "error", err)
		}
	}

	r.logger.Info(ctx, "recomputing feature", "feature", f.id)
	out, err := f.compute(ctx, parents)
	if err != nil {
		// No record is written; the previous record, if any, stays the
		// last-known-good value.
		return nil, &ResolveError{Kind: ResolveComputeFailure, ID: f.id, Cause: err}
	}

	fresh := &Record{
		ID:        f.id,
		Payload:   out.Payload,
		Timestamp: r.now(),
		Seq:       nextSeq(),
		Meta:      out.Meta,
	}
	if err := r.store.Put(ctx, fresh); err != nil {
		return nil, &ResolveError{Kind: ResolveStoreFailure, ID: f.id, Cause: err}
	}

	if f.post != nil {
		if err := f.post(ctx, f, fresh); err != nil {
			if isAbort(err) {
				// The record is already persisted and stays valid; only
				// this caller's result turns into an error.
				return nil, &ResolveError{Kind: ResolveHookAbort, ID: f.id, Slot: SlotPost, Cause: err}
			}
			r.logger.Error(ctx, "post hook failed", "feature", f.id, "hook", f.hooks.Post, "error", err)
		}
	}

	return fresh, nil
}
