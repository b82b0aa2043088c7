package driftd

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Slot names a point in the resolution lifecycle a hook can occupy.
type Slot string

const (
	// SlotPre hooks run immediately before a recomputation attempt.
	// Their return value is ignored unless wrapped with Abort.
	SlotPre Slot = "pre"

	// SlotExpiration hooks judge the validity of an existing record.
	// When bound, their verdict supersedes the default parent-freshness
	// policy.
	SlotExpiration Slot = "expiration"

	// SlotPost hooks run after a successful recomputation has been
	// persisted. Their failure never rolls back the stored record.
	SlotPost Slot = "post"
)

// PreHook fires before a feature's measurement runs.
type PreHook func(ctx context.Context, f *Feature) error

// ExpirationHook judges whether an existing record is expired. It sees
// the feature, its current record, and the already-fresh parent
// records. It must return a deterministic verdict for the same inputs
// at a given instant.
type ExpirationHook func(ctx context.Context, f *Feature, rec *Record, parents map[string]*Record) (expired bool, err error)

// PostHook fires after a new record has been persisted.
type PostHook func(ctx context.Context, f *Feature, rec *Record) error

// HookRegistry holds named callables grouped by slot. Bindings are
// resolved by name at graph-build time; the registry itself carries no
// evaluation state.
type HookRegistry struct {
	mu         sync.RWMutex
	pre        map[string]PreHook
	expiration map[string]ExpirationHook
	post       map[string]PostHook
}

// NewHookRegistry creates a registry preloaded with the built-in
// expiration policies "always-fresh" and "always-stale".
func NewHookRegistry() *HookRegistry {
	r := &HookRegistry{
		pre:        make(map[string]PreHook),
		expiration: make(map[string]ExpirationHook),
		post:       make(map[string]PostHook),
	}
	r.RegisterExpiration("always-fresh", AlwaysFresh())
	r.RegisterExpiration("always-stale", AlwaysStale())
	return r
}

// RegisterPre binds a name to a pre-evaluation hook.
func (r *HookRegistry) RegisterPre(name string, fn PreHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pre[name] = fn
}

// RegisterExpiration binds a name to an expiration hook.
func (r *HookRegistry) RegisterExpiration(name string, fn ExpirationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiration[name] = fn
}

// RegisterPost binds a name to a post-evaluation hook.
func (r *HookRegistry) RegisterPost(name string, fn PostHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post[name] = fn
}

// ResolvePre looks up a pre hook by name.
func (r *HookRegistry) ResolvePre(name string) (PreHook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.pre[name]
	return fn, ok
}

// ResolveExpiration looks up an expiration hook by name. Names of the
// form "ttl:<duration>" resolve to a time-window policy without prior
// registration.
func (r *HookRegistry) ResolveExpiration(name string) (ExpirationHook, bool) {
	if d, ok := parseTTL(name); ok {
		return TimeWindow(d), true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.expiration[name]
	return fn, ok
}

// ResolvePost looks up a post hook by name.
func (r *HookRegistry) ResolvePost(name string) (PostHook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.post[name]
	return fn, ok
}

func parseTTL(name string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(name, "ttl:")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(rest)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// AlwaysFresh returns an expiration policy under which a record, once
// computed, is never recomputed - not even when a parent is newer.
func AlwaysFresh() ExpirationHook {
	return func(ctx context.Context, f *Feature, rec *Record, parents map[string]*Record) (bool, error) {
		return false, nil
	}
}

// AlwaysStale returns an expiration policy that forces recomputation on
// every resolve.
func AlwaysStale() ExpirationHook {
	return func(ctx context.Context, f *Feature, rec *Record, parents map[string]*Record) (bool, error) {
		return true, nil
	}
}

// TimeWindow returns an expiration policy under which a record expires
// once it is older than d.
func TimeWindow(d time.Duration) ExpirationHook {
	return func(ctx context.Context, f *Feature, rec *Record, parents map[string]*Record) (bool, error) {
		return time.Since(rec.Timestamp) > d, nil
	}
}
