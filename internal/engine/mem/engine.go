// Package mem is the default embedded graph engine: a small in-process
// relation store. It is the engine a client replica bulk-loads into by
// default. internal/engine/dgraph implements the same seam, but its
// Query runs the pattern argument as DQL, while the client's queries
// pass an empty pattern plus equality params that only this engine
// interprets.
package mem

import (
	"context"
	"sync"

	"github.com/latticeauth/edgegraph/internal/engine"
)

// Engine stores each relation as a slice of rows behind a single mutex.
// It makes no attempt to index by arbitrary param keys: every Query is a
// linear scan of the relation, and the client replica's permission
// checks run through Query directly, with no index of their own.
type Engine struct {
	mu        sync.RWMutex
	relations map[string][]engine.Row
}

// New returns an empty in-process engine.
func New() *Engine {
	return &Engine{relations: make(map[string][]engine.Row)}
}

func (e *Engine) BulkLoad(_ context.Context, relation string, rows []engine.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]engine.Row, len(rows))
	copy(cp, rows)
	e.relations[relation] = cp
	return nil
}

// Query returns rows in relation matching every key/value in params.
// pattern is currently unused by this implementation (there being only
// one matching strategy), but is kept in the signature so callers are
// written against the general Engine interface.
func (e *Engine) Query(_ context.Context, relation, _ string, params map[string]string) ([]engine.Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []engine.Row
	for _, row := range e.relations[relation] {
		if rowMatches(row, params) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (e *Engine) Insert(_ context.Context, relation string, row engine.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relations[relation] = append(e.relations[relation], row)
	return nil
}

// Delete removes every row in relation matching every key/value in
// match. At least one field should be a unique key (e.g. "id") to avoid
// deleting more than intended.
func (e *Engine) Delete(_ context.Context, relation string, match engine.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows := e.relations[relation]
	kept := rows[:0]
	for _, row := range rows {
		if !rowMatches(row, match) {
			kept = append(kept, row)
		}
	}
	e.relations[relation] = kept
	return nil
}

func rowMatches(row engine.Row, params map[string]string) bool {
	for k, v := range params {
		if row[k] != v {
			return false
		}
	}
	return true
}
