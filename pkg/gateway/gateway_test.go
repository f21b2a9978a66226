package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/session"
	"github.com/skylab-hpc/skylab/pkg/store"
)

type recordingSink struct {
	mu      sync.Mutex
	reports map[string]time.Time
}

func newRecordingSink() *recordingSink {
	return &recordingSink{reports: make(map[string]time.Time)}
}

func (r *recordingSink) ReportActivity(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[sessionID] = at
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, store.Store, *session.TokenIssuer, *recordingSink) {
	t.Helper()
	st := store.NewMemory()
	issuer, err := session.NewTokenIssuer("test-key", time.Hour)
	require.NoError(t, err)

	sink := newRecordingSink()
	gw, err := New(Config{
		HandshakeTimeout:   time.Second,
		ActivityInterval:   5 * time.Millisecond,
		RouteCheckInterval: 5 * time.Millisecond,
	}, st, issuer, sink, nil, zap.NewNop())
	require.NoError(t, err)
	return gw, st, issuer, sink
}

// activateSession writes an Active session and its route, returning the
// minted connection token.
func activateSession(t *testing.T, st store.Store, issuer *session.TokenIssuer, sessionID, nodeAddr string) string {
	t.Helper()
	ctx := context.Background()

	token, tokenID, err := issuer.Mint(sessionID, "alice", "node-1")
	require.NoError(t, err)

	sess := cluster.SessionRecord{
		ID:      sessionID,
		Owner:   "alice",
		Class:   "desktop",
		State:   cluster.SessionActive,
		NodeID:  "node-1",
		TokenID: tokenID,
	}
	value, err := cluster.Encode(&sess)
	require.NoError(t, err)
	_, err = st.ConditionalPut(ctx, store.SessionKey(sessionID), 0, value)
	require.NoError(t, err)

	route := cluster.RouteRecord{
		TokenID:   tokenID,
		SessionID: sessionID,
		NodeID:    "node-1",
		Address:   nodeAddr,
	}
	value, err = cluster.Encode(&route)
	require.NoError(t, err)
	_, err = st.ConditionalPut(ctx, store.RouteKey(tokenID), 0, value)
	require.NoError(t, err)

	return token
}

// dialTo returns a Dialer handing out one end of a fresh pipe and a channel
// delivering the peer ends.
func dialTo() (Dialer, chan net.Conn) {
	backends := make(chan net.Conn, 1)
	return func(ctx context.Context, address string) (net.Conn, error) {
		server, peer := net.Pipe()
		backends <- peer
		return server, nil
	}, backends
}

func handshake(t *testing.T, conn net.Conn, token string) *bufio.Reader {
	t.Helper()
	_, err := fmt.Fprintf(conn, "SKYLAB/1 %s\n", token)
	require.NoError(t, err)
	return bufio.NewReader(conn)
}

func TestHandshakeInvalidToken(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)

	client, server := net.Pipe()
	go gw.HandleConn(context.Background(), server, "test")

	reader := handshake(t, client, "garbage-token")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR InvalidToken\n", line)
}

func TestHandshakeMalformedLine(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)

	client, server := net.Pipe()
	go gw.HandleConn(context.Background(), server, "test")

	_, err := fmt.Fprintf(client, "GET / HTTP/1.1\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR InvalidToken\n", line)
}

func TestHandshakeSessionNotActive(t *testing.T) {
	gw, st, issuer, _ := newTestGateway(t)
	ctx := context.Background()

	// Token verifies but its route was retracted and the session is
	// Terminating: the client learns the session state.
	token, tokenID, err := issuer.Mint("sess-1", "alice", "node-1")
	require.NoError(t, err)
	sess := cluster.SessionRecord{
		ID:      "sess-1",
		State:   cluster.SessionTerminating,
		TokenID: tokenID,
	}
	value, err := cluster.Encode(&sess)
	require.NoError(t, err)
	_, err = st.ConditionalPut(ctx, store.SessionKey("sess-1"), 0, value)
	require.NoError(t, err)

	client, server := net.Pipe()
	go gw.HandleConn(ctx, server, "test")

	reader := handshake(t, client, token)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR SessionNotActive\n", line)
}

func TestHandshakeStaleTokenRejected(t *testing.T) {
	gw, st, issuer, _ := newTestGateway(t)
	ctx := context.Background()

	token := activateSession(t, st, issuer, "sess-1", "backend:1")

	// Retract the route and delete the session: the well-signed token is
	// now stale.
	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, store.RouteKey(claims.ID)))
	require.NoError(t, st.Delete(ctx, store.SessionKey("sess-1")))

	client, server := net.Pipe()
	go gw.HandleConn(ctx, server, "test")

	reader := handshake(t, client, token)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR InvalidToken\n", line)
}

func TestHandshakeBackendUnavailable(t *testing.T) {
	gw, st, issuer, _ := newTestGateway(t)
	token := activateSession(t, st, issuer, "sess-1", "backend:1")

	gw.SetDialer(func(ctx context.Context, address string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	})

	client, server := net.Pipe()
	go gw.HandleConn(context.Background(), server, "test")

	reader := handshake(t, client, token)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR NodeUnavailable\n", line)
}

func TestProxyCarriesBothDirections(t *testing.T) {
	gw, st, issuer, sink := newTestGateway(t)
	token := activateSession(t, st, issuer, "sess-1", "backend:1")

	c2nBefore := testutil.ToFloat64(observability.GatewayProxiedBytesTotal.WithLabelValues("client_to_node"))
	n2cBefore := testutil.ToFloat64(observability.GatewayProxiedBytesTotal.WithLabelValues("node_to_client"))

	dial, backends := dialTo()
	gw.SetDialer(dial)

	client, server := net.Pipe()
	go gw.HandleConn(context.Background(), server, "test")

	reader := handshake(t, client, token)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK\n", line)

	backend := <-backends
	defer backend.Close()

	// Client to backend.
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = backend.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// Backend to client.
	_, err = backend.Write([]byte("world"))
	require.NoError(t, err)
	_, err = reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	// Proxied traffic surfaces as session activity.
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		_, ok := sink.reports["sess-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	client.Close()

	// Teardown accounts each splice direction separately.
	assert.Eventually(t, func() bool {
		c2n := testutil.ToFloat64(observability.GatewayProxiedBytesTotal.WithLabelValues("client_to_node"))
		n2c := testutil.ToFloat64(observability.GatewayProxiedBytesTotal.WithLabelValues("node_to_client"))
		return c2n >= c2nBefore+5 && n2c >= n2cBefore+5
	}, time.Second, 5*time.Millisecond)
}

func TestRouteRetractionClosesProxy(t *testing.T) {
	gw, st, issuer, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := activateSession(t, st, issuer, "sess-1", "backend:1")
	claims, err := issuer.Verify(token)
	require.NoError(t, err)

	dial, backends := dialTo()
	gw.SetDialer(dial)
	go gw.WatchRoutes(ctx)

	client, server := net.Pipe()
	go gw.HandleConn(ctx, server, "test")

	reader := handshake(t, client, token)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK\n", line)
	backend := <-backends
	defer backend.Close()

	// Retract the route; the watcher must tear the proxy down.
	require.NoError(t, st.Delete(ctx, store.RouteKey(claims.ID)))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadByte()
	assert.Error(t, err, "proxy must close once its route is retracted")
}
