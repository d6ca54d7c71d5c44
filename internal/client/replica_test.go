package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/engine"
	"github.com/latticeauth/edgegraph/internal/engine/mem"
	"github.com/latticeauth/edgegraph/internal/transport"
)

func mutationPayload(version uint64, kind string, e *edge.Edge) transport.MutationPayload {
	return transport.MutationPayload{Version: version, Kind: kind, Edge: *e}
}

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	r, err := New(DefaultConfig("acme", "ws://unused"), mem.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func seed(t *testing.T, r *Replica, edges ...*edge.Edge) {
	t.Helper()
	rows := make([]engine.Row, len(edges))
	for i, e := range edges {
		rows[i] = rowFromEdge(e)
	}
	require.NoError(t, r.eng.BulkLoad(context.Background(), edgesRelation, rows))
}

func grantEdge(id, subject, object, capability string) *edge.Edge {
	return &edge.Edge{ID: id, Type: edge.TypeHasPermission, SourceID: subject, TargetID: object, Properties: map[string]string{"capability": capability}}
}

func memberEdge(id, subject, group string) *edge.Edge {
	return &edge.Edge{ID: id, Type: edge.TypeMemberOf, SourceID: subject, TargetID: group}
}

func TestCanDirectGrant(t *testing.T) {
	r := newTestReplica(t)
	seed(t, r, grantEdge("e1", "u:alice", "r:doc1", "read"))

	allowed, edgeIDs, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, []string{"e1"}, edgeIDs)
}

func TestCanTwoHopViaGroup(t *testing.T) {
	r := newTestReplica(t)
	seed(t, r,
		memberEdge("e1", "u:alice", "g:eng"),
		grantEdge("e2", "g:eng", "r:doc1", "read"),
	)

	allowed, edgeIDs, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, []string{"e1", "e2"}, edgeIDs)
}

func TestCanDeniedWhenDisconnected(t *testing.T) {
	r := newTestReplica(t)
	seed(t, r,
		memberEdge("e1", "u:alice", "g:eng"),
		grantEdge("e2", "g:sales", "r:doc1", "read"),
	)

	allowed, _, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCanHonorsHopLimit(t *testing.T) {
	cfg := DefaultConfig("acme", "ws://unused")
	cfg.HopLimit = 1
	r, err := New(cfg, mem.New(), zaptest.NewLogger(t))
	require.NoError(t, err)

	seed(t, r,
		memberEdge("e1", "u:alice", "g:eng"),
		memberEdge("e2", "g:eng", "g:corp"),
		grantEdge("e3", "g:corp", "r:doc1", "read"),
	)

	allowed, _, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.False(t, allowed, "three-hop chain should exceed a hop limit of 1")
}

func TestCanUsesCacheOnSecondCall(t *testing.T) {
	r := newTestReplica(t)
	seed(t, r, grantEdge("e1", "u:alice", "r:doc1", "read"))

	allowed1, _, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed1)

	// Remove the edge directly from the engine; a cache hit should still
	// answer true until something invalidates it.
	require.NoError(t, r.eng.Delete(context.Background(), edgesRelation, engine.Row{"id": "e1"}))

	allowed2, _, err := r.Can(context.Background(), "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed2)
}

func TestFindAllObjectsWhereSubjectCan(t *testing.T) {
	r := newTestReplica(t)
	seed(t, r,
		grantEdge("e1", "u:alice", "r:doc1", "read"),
		memberEdge("e2", "u:alice", "g:eng"),
		grantEdge("e3", "g:eng", "r:doc2", "read"),
		grantEdge("e4", "g:eng", "r:doc3", "write"),
	)

	objects, err := r.FindAllObjectsWhereSubjectCan(context.Background(), "u:alice", "read")
	require.NoError(t, err)
	require.Equal(t, []string{"r:doc1", "r:doc2"}, objects)
}

func TestApplyMutationCreateThenRevoke(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	created := grantEdge("e1", "u:alice", "r:doc1", "read")
	require.NoError(t, r.ApplyMutation(ctx, mutationPayload(1, "CREATE", created)))

	allowed, _, err := r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, uint64(1), r.KnownVersion())

	revoked := created.Clone()
	now := created.CreatedAt
	revoked.RevokedAt = &now
	require.NoError(t, r.ApplyMutation(ctx, mutationPayload(2, "REVOKE", revoked)))

	allowed, _, err = r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, uint64(2), r.KnownVersion())
}
