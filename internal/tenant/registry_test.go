package tenant

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryResolveCreatesLazily(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(func(tenantID string) Config {
		return DefaultConfig(tenantID, filepath.Join(dir, tenantID, "mutations.db"), filepath.Join(dir, tenantID, "snapshots"))
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { r.Stop(); r.CloseAll() })

	first, ok := r.Resolve("acme")
	require.True(t, ok)
	second, ok := r.Resolve("acme")
	require.True(t, ok)
	require.Same(t, first, second, "resolving the same tenant twice must return the same resident coordinator")
}

func TestMaybeEvictOnlyEvictsIdleReadyTenants(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("acme", filepath.Join(dir, "mutations.db"), filepath.Join(dir, "snapshots"))
	cfg.IdleTimeout = time.Millisecond
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.False(t, c.maybeEvict(), "a COLD coordinator has never been touched and must not be evicted")

	require.NoError(t, c.touch())
	time.Sleep(5 * time.Millisecond)
	require.True(t, c.maybeEvict())
	require.Equal(t, StateEvicted, c.State())
}
