package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/latticeauth/edgegraph/internal/audit"
	"github.com/latticeauth/edgegraph/internal/transport"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig("acme", filepath.Join(dir, "mutations.db"), filepath.Join(dir, "snapshots"))
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoordinatorStartsCold(t *testing.T) {
	c := newTestCoordinator(t)
	require.Equal(t, StateCold, c.State())
}

func TestTouchTransitionsColdToReady(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.touch())
	require.Equal(t, StateReady, c.State())
}

func TestMutateCreateRequiresProof(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, errp := c.Mutate(ctx, "CREATE",
		[]byte(`{"type":"HAS_PERMISSION","sourceId":"u:alice","targetId":"r:doc1","properties":{"capability":"read"}}`),
		nil, "idem-1")
	require.NotNil(t, errp)
	require.Equal(t, transport.ErrInvalidProof, errp.Code)
}

func TestMutateIdempotentRetryReturnsSameVersion(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	// Seed a grant edge authorizing u:admin to grant on r:doc1, then
	// directly poke it into the store to avoid bootstrapping via Mutate
	// (which would itself need a proof). The coordinator is brought to
	// READY first: initialization from COLD rebuilds the edge store from
	// durable state and would discard anything seeded before it.
	require.NoError(t, c.touch())
	seedEdge, err := c.edges.Create("HAS_PERMISSION", "u:admin", "r:doc1", map[string]string{"capability": "grant"})
	require.NoError(t, err)

	proof := &transport.Proof{EdgeIDs: []string{seedEdge.ID}, SubjectID: "u:admin"}
	payload := []byte(`{"type":"HAS_PERMISSION","sourceId":"u:alice","targetId":"r:doc1","properties":{"capability":"read"}}`)

	v1, errp := c.Mutate(ctx, "CREATE", payload, proof, "idem-key-1")
	require.Nil(t, errp)
	require.Equal(t, uint64(1), v1)

	v2, errp := c.Mutate(ctx, "CREATE", payload, proof, "idem-key-1")
	require.Nil(t, errp)
	require.Equal(t, v1, v2, "retrying the same idempotency key must not append a second entry")
	require.Equal(t, uint64(1), c.LatestVersion())
}

func TestMutateRevokeAlreadyRevokedIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.touch())
	grantEdge, err := c.edges.Create("HAS_PERMISSION", "u:admin", "r:doc1", map[string]string{"capability": "revoke"})
	require.NoError(t, err)
	target, err := c.edges.Create("HAS_PERMISSION", "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.NoError(t, err)

	proof := &transport.Proof{EdgeIDs: []string{grantEdge.ID}, SubjectID: "u:admin"}
	revokePayload := []byte(`{"edgeId":"` + target.ID + `"}`)

	v1, errp := c.Mutate(ctx, "REVOKE", revokePayload, proof, "revoke-1")
	require.Nil(t, errp)
	require.Equal(t, uint64(1), v1)

	v2, errp := c.Mutate(ctx, "REVOKE", revokePayload, proof, "revoke-2")
	require.Nil(t, errp)
	require.Equal(t, v1, v2, "revoking an already-revoked edge must not append a new entry")
}

func TestCheckRecordsAuditOutcome(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.touch())
	e, err := c.edges.Create("HAS_PERMISSION", "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.NoError(t, err)

	result := c.Check(ctx, []string{e.ID}, "u:alice", "r:doc1", "read")
	require.True(t, result.Valid)

	recent := c.audit.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, audit.OutcomeAllowed, recent[0].Outcome)
}
