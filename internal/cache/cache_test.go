package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/latticeauth/edgegraph/internal/edge"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(DefaultConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestSetThenGetHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key{Subject: "u:alice", Capability: "read", Object: "r:doc1"}

	c.Set(ctx, key, Entry{Allowed: true, EdgeIDs: []string{"e1"}})
	c.l1.Wait()

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.True(t, got.Allowed)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(context.Background(), Key{Subject: "u:nobody", Capability: "read", Object: "r:doc1"})
	require.False(t, ok)
}

func TestExpiredEntryIsTreatedAsMiss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Millisecond
	c, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	key := Key{Subject: "u:alice", Capability: "read", Object: "r:doc1"}

	c.Set(ctx, key, Entry{Allowed: true})
	c.l1.Wait()
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, key)
	require.False(t, ok)
}

func TestInvalidateObjectOnlyDropsThatObject(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	k1 := Key{Subject: "u:alice", Capability: "read", Object: "r:doc1"}
	k2 := Key{Subject: "u:alice", Capability: "read", Object: "r:doc2"}
	c.Set(ctx, k1, Entry{Allowed: true})
	c.Set(ctx, k2, Entry{Allowed: true})
	c.l1.Wait()

	c.InvalidateObject("r:doc1")

	_, ok1 := c.Get(ctx, k1)
	require.False(t, ok1)
	_, ok2 := c.Get(ctx, k2)
	require.True(t, ok2)
}

func TestInvalidateForEdgeIsGlobalForStructuralEdges(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	k1 := Key{Subject: "u:alice", Capability: "read", Object: "r:doc1"}
	k2 := Key{Subject: "u:bob", Capability: "read", Object: "r:doc2"}
	c.Set(ctx, k1, Entry{Allowed: true})
	c.Set(ctx, k2, Entry{Allowed: true})
	c.l1.Wait()

	c.InvalidateForEdge(&edge.Edge{Type: edge.TypeMemberOf, SourceID: "u:alice", TargetID: "g:eng"})

	_, ok1 := c.Get(ctx, k1)
	require.False(t, ok1)
	_, ok2 := c.Get(ctx, k2)
	require.False(t, ok2)
}

func TestInvalidateForEdgeIsObjectScopedForGrants(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	k1 := Key{Subject: "u:alice", Capability: "read", Object: "r:doc1"}
	k2 := Key{Subject: "u:bob", Capability: "read", Object: "r:doc2"}
	c.Set(ctx, k1, Entry{Allowed: true})
	c.Set(ctx, k2, Entry{Allowed: true})
	c.l1.Wait()

	c.InvalidateForEdge(&edge.Edge{Type: edge.TypeHasPermission, SourceID: "g:eng", TargetID: "r:doc1"})

	_, ok1 := c.Get(ctx, k1)
	require.False(t, ok1)
	_, ok2 := c.Get(ctx, k2)
	require.True(t, ok2)
}
