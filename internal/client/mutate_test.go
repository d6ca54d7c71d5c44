package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/transport"
)

func TestGrantOptimisticThenAckSuccessDropsPending(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	seed(t, r, grantEdge("admin1", "u:admin", "r:doc1", "grant"))

	idemKey, err := r.Grant(ctx, "u:admin", edge.TypeHasPermission, "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.NoError(t, err)

	allowed, _, err := r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed, "optimistic grant should be locally visible before the ack arrives")

	r.handleAck(transport.AckPayload{IdempotencyKey: idemKey, Success: true, Version: 7})
	require.Equal(t, uint64(7), r.KnownVersion())

	r.pendingMu.Lock()
	_, stillPending := r.pending[idemKey]
	r.pendingMu.Unlock()
	require.False(t, stillPending)
}

func TestGrantRollsBackOnAckFailure(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	seed(t, r, grantEdge("admin1", "u:admin", "r:doc1", "grant"))

	idemKey, err := r.Grant(ctx, "u:admin", edge.TypeHasPermission, "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.NoError(t, err)

	allowed, _, err := r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed)

	r.handleAck(transport.AckPayload{
		IdempotencyKey: idemKey,
		Success:        false,
		Error:          &transport.ErrorPayload{Code: transport.ErrCapabilityMismatch, Message: "caller lacks grant capability"},
	})

	allowed, _, err = r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.False(t, allowed, "a rejected grant must be rolled back from the local replica")
}

func TestGrantDeniedWithoutLocalProof(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	_, err := r.Grant(ctx, "u:mallory", edge.TypeHasPermission, "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRevokeRollsBackOnAckFailure(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	seed(t, r,
		grantEdge("admin1", "u:admin", "r:doc1", "revoke"),
		grantEdge("e1", "u:alice", "r:doc1", "read"),
	)

	idemKey, err := r.Revoke(ctx, "u:admin", "e1")
	require.NoError(t, err)

	allowed, _, err := r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.False(t, allowed, "optimistic revoke should immediately deny")

	r.handleAck(transport.AckPayload{
		IdempotencyKey: idemKey,
		Success:        false,
		Error:          &transport.ErrorPayload{Code: transport.ErrCapabilityMismatch, Message: "caller lacks revoke capability"},
	})

	allowed, _, err = r.Can(ctx, "u:alice", "read", "r:doc1")
	require.NoError(t, err)
	require.True(t, allowed, "a rejected revoke must restore the original edge")
}

func TestAwaitReturnsAckError(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	seed(t, r, grantEdge("admin1", "u:admin", "r:doc1", "grant"))

	idemKey, err := r.Grant(ctx, "u:admin", edge.TypeHasPermission, "u:alice", "r:doc1", map[string]string{"capability": "read"})
	require.NoError(t, err)

	go r.handleAck(transport.AckPayload{
		IdempotencyKey: idemKey,
		Success:        false,
		Error:          &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "rejected"},
	})

	err = r.Await(ctx, idemKey)
	require.Error(t, err)
}
