package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticeauth/edgegraph/internal/engine"
)

func TestBulkLoadThenQuery(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.BulkLoad(ctx, "edges", []engine.Row{
		{"id": "e1", "sourceId": "u:alice", "targetId": "g:eng"},
		{"id": "e2", "sourceId": "u:bob", "targetId": "g:eng"},
	}))

	rows, err := e.Query(ctx, "edges", "", map[string]string{"targetId": "g:eng"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestInsertThenDelete(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, "edges", engine.Row{"id": "e1", "sourceId": "u:alice"}))
	rows, err := e.Query(ctx, "edges", "", map[string]string{"id": "e1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, e.Delete(ctx, "edges", engine.Row{"id": "e1"}))
	rows, err = e.Query(ctx, "edges", "", map[string]string{"id": "e1"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBulkLoadReplacesRelation(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.BulkLoad(ctx, "edges", []engine.Row{{"id": "e1"}}))
	require.NoError(t, e.BulkLoad(ctx, "edges", []engine.Row{{"id": "e2"}}))

	rows, err := e.Query(ctx, "edges", "", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e2", rows[0]["id"])
}
