package driftd

import "context"

// isStale judges whether a feature's stored record remains valid. It is
// called only after every parent has itself reached a non-stale state,
// so the parent records passed in are authoritative.
//
// Policy, in order:
//
//  1. A consumed manual expire switch forces staleness regardless of
//     any bound policy.
//  2. No record at all is stale; this forces the first computation.
//  3. A bound expiration hook's verdict is authoritative.
//  4. Default policy: the record is stale if any parent's record is
//     strictly newer, so a recomputed dependency invalidates its
//     dependents. A feature with no parents and no expiration hook is
//     therefore fresh forever once computed.
func (r *Resolver) isStale(ctx context.Context, f *Feature, rec *Record, parents map[string]*Record) (bool, error) {
	if r.consumeExpired(f.id) {
		return true, nil
	}
	if rec == nil {
		return true, nil
	}
	if f.expiration != nil {
		expired, err := f.expiration(ctx, f, rec, parents)
		if err != nil {
			return false, &ResolveError{Kind: ResolveHookAbort, ID: f.id, Slot: SlotExpiration, Cause: err}
		}
		return expired, nil
	}
	for _, prec := range parents {
		if prec.NewerThan(rec) {
			return true, nil
		}
	}
	return false, nil
}
