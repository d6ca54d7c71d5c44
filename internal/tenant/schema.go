package tenant

import (
	"fmt"

	"github.com/latticeauth/edgegraph/internal/edge"
)

// Migration is one ordered, idempotent schema step. The coordinator
// persists a schema version integer alongside the log and every
// Migration must be safe to re-run. Version is the schema version a
// tenant is AT after Apply succeeds.
type Migration struct {
	Version int
	Name    string
	Apply   func(*edge.Store) error
}

// CurrentSchemaVersion is the version this build of the coordinator
// requires. A persisted version lower than this runs every Migration
// with Version > persisted, in order, before the tenant may reach
// READY.
const CurrentSchemaVersion = 1

// baseMigrations seeds a freshly COLD tenant (persisted version 0) up
// to CurrentSchemaVersion. Today that is a no-op registration step: the
// schema itself (edge types, capability-key convention) is fixed by the
// edge package, not by migrated data. Future schema changes append
// migrations here rather than mutating this one.
var baseMigrations = []Migration{
	{
		Version: 1,
		Name:    "register_base_edge_types",
		Apply: func(s *edge.Store) error {
			return nil
		},
	},
}

// runMigrations applies every migration with Version > from, in
// ascending order, up to CurrentSchemaVersion. It returns the version
// reached; callers persist it durably before transitioning to READY.
func runMigrations(store *edge.Store, from int) (int, error) {
	version := from
	for _, m := range baseMigrations {
		if m.Version <= from {
			continue
		}
		if err := m.Apply(store); err != nil {
			return version, fmt.Errorf("tenant: migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		version = m.Version
	}
	return version, nil
}
