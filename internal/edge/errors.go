package edge

import "errors"

// ErrNotFound is returned by Revoke when no edge with the given ID
// exists in the store.
var ErrNotFound = errors.New("edge: not found")

// ConflictError is returned by Create when the store is configured with
// a uniqueness constraint and the new edge would violate it. The
// constraint itself is caller-defined: by default no constraint is
// enforced.
type ConflictError struct {
	Type     Type
	SourceID string
	TargetID string
}

func (e *ConflictError) Error() string {
	return "edge: conflict on (" + string(e.Type) + ", " + e.SourceID + " -> " + e.TargetID + ")"
}
