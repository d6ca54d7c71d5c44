package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/latticeauth/edgegraph/internal/edge"
)

// newWSPair spins up an httptest server that upgrades the single
// expected connection, returning both endpoints' *Session.
func newWSPair(t *testing.T) (server *Session, client *Session, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		srvCh <- conn
	}))

	wsURL := "ws" + ts.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	srvConn := <-srvCh

	logger := zaptest.NewLogger(t)
	server = NewSession(srvConn, logger)
	client = NewSession(clientConn, logger)

	return server, client, func() {
		server.Close()
		client.Close()
		ts.Close()
	}
}

func TestHubBroadcastDeliversInOrder(t *testing.T) {
	server, client, cleanup := newWSPair(t)
	defer cleanup()

	hub := NewHub(zaptest.NewLogger(t), nil)
	hub.Register(server)
	defer func() { require.Equal(t, 1, hub.Count()) }()

	e1 := &edge.Edge{ID: "e1", Type: edge.TypeHasPermission, SourceID: "u:alice", TargetID: "r:doc1"}
	e2 := &edge.Edge{ID: "e2", Type: edge.TypeHasPermission, SourceID: "u:bob", TargetID: "r:doc2"}

	hub.Broadcast(1, "CREATE", e1)
	hub.Broadcast(2, "CREATE", e2)

	env1, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, KindMutation, env1.Kind)
	var m1 MutationPayload
	require.NoError(t, Decode(env1, &m1))
	require.Equal(t, uint64(1), m1.Version)
	require.Equal(t, "e1", m1.Edge.ID)

	env2, err := client.Recv()
	require.NoError(t, err)
	var m2 MutationPayload
	require.NoError(t, Decode(env2, &m2))
	require.Equal(t, uint64(2), m2.Version)
	require.Equal(t, "e2", m2.Edge.ID)
}

func TestHubDropsLaggedSubscriber(t *testing.T) {
	server, _, cleanup := newWSPair(t)
	defer cleanup()

	var lagged string
	hub := NewHub(zaptest.NewLogger(t), func(id string) { lagged = id })
	hub.queueSize = 0
	sub := hub.Register(server)

	e := &edge.Edge{ID: "e1", Type: edge.TypeHasPermission, SourceID: "u:alice", TargetID: "r:doc1"}
	hub.Broadcast(1, "CREATE", e)

	require.Eventually(t, func() bool { return lagged == sub.ID }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, hub.Count())
}
