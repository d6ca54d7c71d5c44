package mutationlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutations.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestAppendVersionsAreDenseAndIncreasing(t *testing.T) {
	l := openTestLog(t)

	e1, deduped, err := l.Append(KindCreate, "e1", map[string]string{"a": "1"}, "")
	require.NoError(t, err)
	require.False(t, deduped)
	require.EqualValues(t, 1, e1.Version)

	e2, _, err := l.Append(KindCreate, "e2", nil, "")
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Version)
	require.EqualValues(t, 2, l.Latest())
}

func TestAppendDeduplicatesByIdempotencyKey(t *testing.T) {
	l := openTestLog(t)

	first, deduped1, err := l.Append(KindCreate, "e1", nil, "req-123")
	require.NoError(t, err)
	require.False(t, deduped1)

	second, deduped2, err := l.Append(KindCreate, "e1", nil, "req-123")
	require.NoError(t, err)
	require.True(t, deduped2)
	require.Equal(t, first.Version, second.Version)
	require.EqualValues(t, 1, l.Latest(), "a deduped resubmission must not consume a new version")
}

// catch-up: coordinator at version 10, client knows 5, expects 6..10.
func TestTailReturnsMissedEntriesInOrder(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 10; i++ {
		_, _, err := l.Append(KindCreate, "e", nil, "")
		require.NoError(t, err)
	}

	tail, err := l.Tail(5)
	require.NoError(t, err)
	require.Len(t, tail, 5)
	for i, e := range tail {
		require.EqualValues(t, 6+i, e.Version)
	}
}

func TestTruncateBeforeRemovesOnlyOlderEntries(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, _, err := l.Append(KindCreate, "e", nil, "")
		require.NoError(t, err)
	}

	require.NoError(t, l.TruncateBefore(3))

	oldest, err := l.Oldest()
	require.NoError(t, err)
	require.EqualValues(t, 3, oldest)

	tail, err := l.Tail(0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
}

func TestOpenRecoversLatestVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.db")
	l, err := Open(path)
	require.NoError(t, err)
	_, _, err = l.Append(KindCreate, "e1", nil, "")
	require.NoError(t, err)
	_, _, err = l.Append(KindCreate, "e2", nil, "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 2, reopened.Latest())
}
