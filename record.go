package driftd

import (
	"sync/atomic"
	"time"
)

// Record is the persisted output of a feature's last successful
// computation. Records are written whole and replaced whole; the
// resolver never patches individual fields, and never deletes.
type Record struct {
	// ID is the feature identity the record belongs to. It doubles as
	// the storage key.
	ID string `json:"id"`

	// Payload is the opaque computed value.
	Payload any `json:"payload"`

	// Timestamp is when the payload was produced.
	Timestamp time.Time `json:"timestamp"`

	// Seq is a process-monotonic version marker. Wall clocks can stand
	// still or step backwards; two records produced by the same process
	// are ordered by Seq instead. Zero for records persisted by a
	// process that predates the field.
	Seq uint64 `json:"seq,omitempty"`

	// Meta holds arbitrary metadata attached by the measurement or by
	// hooks.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewerThan reports whether r was produced after other, preferring the
// monotonic sequence when both records carry one.
func (r *Record) NewerThan(other *Record) bool {
	if r == nil || other == nil {
		return false
	}
	if r.Seq != 0 && other.Seq != 0 {
		return r.Seq > other.Seq
	}
	return r.Timestamp.After(other.Timestamp)
}

// Computed is the output of a measurement. Meta is optional.
type Computed struct {
	Payload any
	Meta    map[string]any
}

// recordSeq hands out Seq values for records produced by this process.
var recordSeq atomic.Uint64

func nextSeq() uint64 { return recordSeq.Add(1) }

// SyncSeq raises the process sequence counter to at least seq. Store
// adapters call it when loading persisted records so new records are
// always ordered after everything already on disk.
func SyncSeq(seq uint64) {
	for {
		cur := recordSeq.Load()
		if cur >= seq || recordSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
