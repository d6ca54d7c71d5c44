package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticeauth/edgegraph/internal/edge"
)

type fixtureStore map[string]*edge.Edge

func (f fixtureStore) Get(id string) (*edge.Edge, bool) {
	e, ok := f[id]
	return e, ok
}

func live(typ edge.Type, id, src, tgt string, props map[string]string) *edge.Edge {
	return &edge.Edge{ID: id, Type: typ, SourceID: src, TargetID: tgt, Properties: props, CreatedAt: time.Now()}
}

// direct permission allowed.
func TestValidateDirectGrant(t *testing.T) {
	e1 := live(edge.TypeHasPermission, "e1", "u:alice", "r:doc1", map[string]string{"capability": "read"})
	store := fixtureStore{"e1": e1}

	res := New(store).Validate([]string{"e1"}, "u:alice", "r:doc1", "read")
	require.True(t, res.Valid)
}

// two-hop via group.
func TestValidateTwoHopViaGroup(t *testing.T) {
	e1 := live(edge.TypeMemberOf, "e1", "u:alice", "g:eng", nil)
	e2 := live(edge.TypeHasPermission, "e2", "g:eng", "r:doc1", map[string]string{"capability": "read"})
	store := fixtureStore{"e1": e1, "e2": e2}

	res := New(store).Validate([]string{"e1", "e2"}, "u:alice", "r:doc1", "read")
	require.True(t, res.Valid)
}

// disconnected chain.
func TestValidateDisconnectedChain(t *testing.T) {
	e1 := live(edge.TypeMemberOf, "e1", "u:alice", "g:eng", nil)
	e3 := live(edge.TypeHasPermission, "e3", "g:sales", "r:doc1", map[string]string{"capability": "read"})
	store := fixtureStore{"e1": e1, "e3": e3}

	res := New(store).Validate([]string{"e1", "e3"}, "u:alice", "r:doc1", "")
	require.False(t, res.Valid)
	require.Equal(t, CodeDisconnectedAt, res.Code)
	require.Equal(t, 0, res.Index)
}

// revoked edge denies.
func TestValidateRevokedEdge(t *testing.T) {
	e1 := live(edge.TypeHasPermission, "e1", "u:alice", "r:doc1", map[string]string{"capability": "read"})
	now := time.Now()
	e1.RevokedAt = &now
	store := fixtureStore{"e1": e1}

	res := New(store).Validate([]string{"e1"}, "u:alice", "r:doc1", "read")
	require.False(t, res.Valid)
	require.Equal(t, CodeRevokedEdge, res.Code)
	require.Equal(t, "e1", res.EdgeID)
}

func TestValidateEmptyProof(t *testing.T) {
	res := New(fixtureStore{}).Validate(nil, "u:alice", "r:doc1", "")
	require.False(t, res.Valid)
	require.Equal(t, CodeInvalidProof, res.Code)
}

func TestValidateUnknownEdge(t *testing.T) {
	res := New(fixtureStore{}).Validate([]string{"ghost"}, "u:alice", "r:doc1", "")
	require.False(t, res.Valid)
	require.Equal(t, CodeUnknownEdge, res.Code)
	require.Equal(t, "ghost", res.EdgeID)
}

func TestValidateChainNotRooted(t *testing.T) {
	e1 := live(edge.TypeHasPermission, "e1", "u:bob", "r:doc1", map[string]string{"capability": "read"})
	store := fixtureStore{"e1": e1}

	res := New(store).Validate([]string{"e1"}, "u:alice", "r:doc1", "")
	require.False(t, res.Valid)
	require.Equal(t, CodeChainNotRooted, res.Code)
}

func TestValidateChainWrongTerminus(t *testing.T) {
	e1 := live(edge.TypeHasPermission, "e1", "u:alice", "r:doc2", map[string]string{"capability": "read"})
	store := fixtureStore{"e1": e1}

	res := New(store).Validate([]string{"e1"}, "u:alice", "r:doc1", "")
	require.False(t, res.Valid)
	require.Equal(t, CodeChainWrongTerminus, res.Code)
}

func TestValidateCapabilityMismatch(t *testing.T) {
	e1 := live(edge.TypeHasPermission, "e1", "u:alice", "r:doc1", map[string]string{"capability": "write"})
	store := fixtureStore{"e1": e1}

	res := New(store).Validate([]string{"e1"}, "u:alice", "r:doc1", "read")
	require.False(t, res.Valid)
	require.Equal(t, CodeCapabilityMismatch, res.Code)
}
