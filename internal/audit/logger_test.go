package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func syncConfig() Config {
	cfg := DefaultConfig()
	cfg.AsyncMode = false
	return cfg
}

func TestLogCheckAllowedHasNoAttackFlag(t *testing.T) {
	l := New(syncConfig(), nil, nil, nil, zaptest.NewLogger(t))
	l.LogCheck(context.Background(), "t1", "u:alice", "r:doc1", "read", []string{"e1"}, true, "", "")

	recent := l.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, OutcomeAllowed, recent[0].Outcome)
	require.False(t, recent[0].Attack)
}

// a disconnected chain must be flagged as an attack.
func TestLogCheckDisconnectedIsAttack(t *testing.T) {
	l := New(syncConfig(), nil, nil, nil, zaptest.NewLogger(t))
	l.LogCheck(context.Background(), "t1", "u:alice", "r:doc1", "", []string{"e1", "e3"}, false, "DISCONNECTED_AT", "index 0")

	recent := l.Recent(1)
	require.True(t, recent[0].Attack)
}

func TestLogCheckRevokedIsNotAttack(t *testing.T) {
	l := New(syncConfig(), nil, nil, nil, zaptest.NewLogger(t))
	l.LogCheck(context.Background(), "t1", "u:alice", "r:doc1", "read", []string{"e1"}, false, "REVOKED_EDGE", "")

	recent := l.Recent(1)
	require.False(t, recent[0].Attack)
}

func TestHotBufferEvictsOldest(t *testing.T) {
	cfg := syncConfig()
	cfg.HotCapacity = 2
	l := New(cfg, nil, nil, nil, zaptest.NewLogger(t))

	l.Log(context.Background(), Event{ID: "a", Timestamp: time.Now()})
	l.Log(context.Background(), Event{ID: "b", Timestamp: time.Now()})
	l.Log(context.Background(), Event{ID: "c", Timestamp: time.Now()})

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].ID)
	require.Equal(t, "c", recent[1].ID)
}
