package driftd

import (
	"context"
	"sort"
	"sync"
)

// Store persists one record per feature identity. The resolver treats
// reads and writes as atomic per key; it never needs cross-key
// transactions and never queries by anything other than identity,
// except for the timestamp-ordered Recent listing.
type Store interface {
	// Get retrieves the record for an identity. ok is false when the
	// feature has never been computed.
	Get(ctx context.Context, id string) (rec *Record, ok bool, err error)

	// Put replaces the record for rec.ID. Prior records are replaced
	// whole, never patched.
	Put(ctx context.Context, rec *Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)
}

// MemoryStore is a thread-safe in-process Store. It backs tests and
// single-shot CLI runs; durable deployments use the adapters in the
// store package.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Record)}
}

// Get retrieves a record by identity.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id]
	return rec, ok, nil
}

// Put replaces the record for rec.ID.
func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.ID] = rec
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
