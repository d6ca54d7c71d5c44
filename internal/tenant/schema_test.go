package tenant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeauth/edgegraph/internal/edge"
)

func TestRunMigrationsFromZeroReachesCurrent(t *testing.T) {
	reached, err := runMigrations(edge.New(nil), 0)
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, reached)
}

func TestRunMigrationsSkipsAlreadyApplied(t *testing.T) {
	reached, err := runMigrations(edge.New(nil), CurrentSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, reached)
}

func TestRunMigrationsPropagatesFailure(t *testing.T) {
	saved := baseMigrations
	t.Cleanup(func() { baseMigrations = saved })
	baseMigrations = []Migration{
		{Version: 1, Name: "boom", Apply: func(*edge.Store) error { return errors.New("boom") }},
	}

	reached, err := runMigrations(edge.New(nil), 0)
	require.Error(t, err)
	require.Equal(t, 0, reached)
}
