package snapshot

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/latticeauth/edgegraph/internal/edge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.RetainHot = 2
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func sampleEdges() []*edge.Edge {
	now := time.Now().UTC().Truncate(time.Millisecond)
	revoked := now.Add(time.Minute)
	return []*edge.Edge{
		{ID: "e1", Type: edge.TypeMemberOf, SourceID: "u:alice", TargetID: "g:eng", CreatedAt: now},
		{ID: "e2", Type: edge.TypeHasPermission, SourceID: "g:eng", TargetID: "r:doc1",
			Properties: map[string]string{edge.CapabilityKey: "read", "note": "team-grant"}, CreatedAt: now},
		{ID: "e3", Type: edge.TypeHasPermission, SourceID: "u:bob", TargetID: "r:doc2",
			Properties: map[string]string{edge.CapabilityKey: "write"}, CreatedAt: now, RevokedAt: &revoked},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	edges := sampleEdges()

	_, err := s.Write(5, edges)
	require.NoError(t, err)

	manifest, loaded, err := s.LoadLatest()
	require.NoError(t, err)
	require.EqualValues(t, 5, manifest.Version)
	require.Len(t, loaded, len(edges))

	byID := map[string]*edge.Edge{}
	for _, e := range loaded {
		byID[e.ID] = e
	}
	require.Equal(t, "read", byID["e2"].Properties[edge.CapabilityKey])
	require.Equal(t, "team-grant", byID["e2"].Properties["note"])
	require.False(t, byID["e3"].Live())
	require.True(t, byID["e1"].Live())
}

func TestDigestMismatchIsFatal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(1, sampleEdges())
	require.NoError(t, err)

	versions, err := s.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// Corrupt one CSV file in place.
	dir := s.versionDir(s.hotDir, 1)
	path := dir + "/edges_MEMBER_OF.csv"
	require.NoError(t, appendByte(path))

	_, _, err = s.LoadAt(1)
	require.Error(t, err)
}

func TestPruneMigratesOldestToCold(t *testing.T) {
	s := newTestStore(t)
	for v := uint64(1); v <= 3; v++ {
		_, err := s.Write(v, sampleEdges())
		require.NoError(t, err)
	}

	require.NoError(t, s.Prune())

	hot, err := s.ListVersions()
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, hot)

	// Version 1 migrated but still loadable from cold storage.
	manifest, _, err := s.LoadAt(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, manifest.Version)
}

func appendByte(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("x")
	return err
}
