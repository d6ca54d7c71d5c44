// Package engine defines the minimal interface a client replica
// requires from an embedded graph query engine: bulk-load a table into
// a named relation, run a parameterized pattern query, and apply
// single-row inserts/deletes. The core treats the engine as an
// opaque, substitutable external collaborator; this package only
// fixes the seam, not a specific engine. Two implementations ship:
// internal/engine/mem (the default, in-process) and
// internal/engine/dgraph (an optional adapter onto a real DGraph
// cluster, for operators who want to substitute a standalone engine).
package engine

import "context"

// Row is one record of a relation. Graph engines vary widely in their
// native row shape; the core only ever needs string-keyed scalar
// fields, so Row stays a flat map rather than committing to any one
// engine's type system.
type Row map[string]string

// Engine is the pluggable query-engine seam.
type Engine interface {
	// BulkLoad replaces the contents of relation with rows. Used on
	// client startup after a snapshot download, and after a re-snapshot
	// triggered by LAGGED/pre-watermark consistency errors.
	BulkLoad(ctx context.Context, relation string, rows []Row) error

	// Query executes a parameterized pattern against relation and
	// returns matching rows. pattern is engine-specific (the mem engine
	// treats it as an equality filter over params; the dgraph adapter
	// treats it as a DQL query template).
	Query(ctx context.Context, relation, pattern string, params map[string]string) ([]Row, error)

	// Insert applies a single-row insert, used by optimistic local
	// mutations.
	Insert(ctx context.Context, relation string, row Row) error

	// Delete applies a single-row delete, used to roll back an
	// optimistic mutation the server later rejects.
	Delete(ctx context.Context, relation string, match Row) error
}
