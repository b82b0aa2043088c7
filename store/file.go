// Package store provides durable Result Store adapters: a JSON file
// store for single-host deployments and a Postgres store for shared
// ones. Both persist one record per feature identity, so previously
// computed results survive process restarts as valid cache entries.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/driftlab/driftd"
)

// Open picks a store: Postgres when a DSN is configured, otherwise the
// JSON file store at path.
func Open(path, dsn string) (driftd.Store, error) {
	if dsn != "" {
		return NewPostgres(dsn)
	}
	return NewFile(path), nil
}

// FileStore keeps all records in one JSON file, rewritten whole on
// every Put. Suited to graphs of at most a few thousand features; past
// that, use Postgres.
type FileStore struct {
	path string

	loadOnce sync.Once
	loadErr  error

	mu   sync.RWMutex
	byID map[string]*driftd.Record
}

// NewFile creates a file store at path. The file is created on first
// Put.
func NewFile(path string) *FileStore {
	return &FileStore{
		path: path,
		byID: make(map[string]*driftd.Record),
	}
}

// Get retrieves a record by identity.
func (s *FileStore) Get(ctx context.Context, id string) (*driftd.Record, bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok, nil
}

// Put replaces the record for rec.ID and rewrites the file.
func (s *FileStore) Put(ctx context.Context, rec *driftd.Record) error {
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = rec
	return s.save()
}

// Recent returns up to limit records, newest first.
func (s *FileStore) Recent(ctx context.Context, limit int) ([]*driftd.Record, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*driftd.Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) ensureLoaded() error {
	s.loadOnce.Do(func() {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			s.loadErr = fmt.Errorf("load store: %w", err)
			return
		}
		recs, err := decodeRecords(data)
		if err != nil {
			s.loadErr = fmt.Errorf("load store %s: %w", s.path, err)
			return
		}
		s.mu.Lock()
		for _, rec := range recs {
			s.byID[rec.ID] = rec
			driftd.SyncSeq(rec.Seq)
		}
		s.mu.Unlock()
	})
	return s.loadErr
}

// save rewrites the whole file via a temp file and rename so a crash
// mid-write cannot corrupt the store. Caller holds s.mu.
func (s *FileStore) save() error {
	recs := make([]*driftd.Record, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	data, err := encodeRecords(recs)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("save store: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	return nil
}

func encodeRecords(recs []*driftd.Record) ([]byte, error) {
	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"id":        rec.ID,
			"payload":   rec.Payload,
			"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"seq":       rec.Seq,
			"meta":      rec.Meta,
		})
	}
	data := oj.JSON(out, &oj.Options{Sort: true, Indent: 2})
	return []byte(data), nil
}

func decodeRecords(data []byte) ([]*driftd.Record, error) {
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, err
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a record list, got %T", doc)
	}

	recs := make([]*driftd.Record, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a record object, got %T", item)
		}
		rec := &driftd.Record{}
		rec.ID, _ = obj["id"].(string)
		if rec.ID == "" {
			return nil, fmt.Errorf("record with missing id")
		}
		rec.Payload = obj["payload"]
		if raw, ok := obj["timestamp"].(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("record %s: bad timestamp: %w", rec.ID, err)
			}
			rec.Timestamp = ts
		}
		if seq, ok := obj["seq"].(int64); ok && seq > 0 {
			rec.Seq = uint64(seq)
		}
		if meta, ok := obj["meta"].(map[string]any); ok {
			rec.Meta = meta
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
