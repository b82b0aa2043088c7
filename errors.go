package driftd

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrUnknownFeature is returned when a resolve request names an
	// identity that is not part of the loaded graph.
	ErrUnknownFeature = errors.New("driftd: unknown feature")

	// ErrRecordAbsent is returned by typed store helpers when no record
	// has ever been persisted for an identity.
	ErrRecordAbsent = errors.New("driftd: record absent")
)

// GraphErrorKind identifies the class of manifest problem that aborted
// a graph build.
type GraphErrorKind string

const (
	// GraphMissingParent means a feature references a parent identity
	// that is not declared anywhere in the manifest.
	GraphMissingParent GraphErrorKind = "missing_parent"

	// GraphCycle means the parent relation is not acyclic.
	GraphCycle GraphErrorKind = "cycle"

	// GraphUnboundRole means a measurement requires a parent role the
	// manifest did not bind.
	GraphUnboundRole GraphErrorKind = "unbound_role"

	// GraphUnresolvableHook means a hook binding names a callable the
	// registry does not know.
	GraphUnresolvableHook GraphErrorKind = "unresolvable_hook"

	// GraphDuplicateID means two declarations claim the same identity.
	GraphDuplicateID GraphErrorKind = "duplicate_id"

	// GraphEmptyID means a declaration has no identity at all.
	GraphEmptyID GraphErrorKind = "empty_id"
)

// GraphError is a load-time error. A single invalid declaration aborts
// the whole build; a graph is never partially applied.
type GraphError struct {
	Kind   GraphErrorKind
	Detail string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("driftd: graph build failed (%s): %s", e.Kind, e.Detail)
}

// ResolveErrorKind identifies the class of request-time failure.
type ResolveErrorKind string

const (
	// ResolveUnknownFeature: the requested identity is not in the graph.
	ResolveUnknownFeature ResolveErrorKind = "unknown_feature"

	// ResolveComputeFailure: the measurement itself failed. No record is
	// written; the previous record, if any, remains last-known-good.
	ResolveComputeFailure ResolveErrorKind = "compute_failure"

	// ResolveStoreFailure: the result store rejected a read or write.
	ResolveStoreFailure ResolveErrorKind = "store_failure"

	// ResolveHookAbort: a hook signalled a hard abort.
	ResolveHookAbort ResolveErrorKind = "hook_abort"
)

// ResolveError is a request-time error surfaced to the caller of
// Resolver.Resolve, and to every caller joined on the same in-flight
// computation.
type ResolveError struct {
	Kind  ResolveErrorKind
	ID    string
	Slot  Slot // set for HookAbort
	Cause error
}

func (e *ResolveError) Error() string {
	switch {
	case e.Kind == ResolveHookAbort:
		return fmt.Sprintf("driftd: resolve %s: %s hook aborted: %v", e.ID, e.Slot, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("driftd: resolve %s: %s: %v", e.ID, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("driftd: resolve %s: %s", e.ID, e.Kind)
	}
}

func (e *ResolveError) Unwrap() error {
	if e.Kind == ResolveUnknownFeature {
		return ErrUnknownFeature
	}
	return e.Cause
}

// abortError marks a hook failure as a hard abort rather than a
// best-effort warning.
type abortError struct {
	cause error
}

func (e *abortError) Error() string { return e.cause.Error() }
func (e *abortError) Unwrap() error { return e.cause }

// Abort wraps err so that a pre or post hook returning it halts the
// node's computation instead of being logged and ignored.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{cause: err}
}

// isAbort reports whether a hook error demands a hard abort.
func isAbort(err error) bool {
	var ae *abortError
	return errors.As(err, &ae)
}
