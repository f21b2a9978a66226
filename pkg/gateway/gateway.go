// Package gateway is the connection front door for interactive sessions.
// Clients present a connection token in a one-line handshake; the gateway
// resolves it through the published route table and splices the connection to
// the backend host. The gateway never infers placement: no route, no proxy.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/session"
	"github.com/skylab-hpc/skylab/pkg/store"
)

// handshakePrefix opens every client connection. The single space-separated
// argument is the connection token.
const handshakePrefix = "SKYLAB/1 "

// maxHandshakeLine bounds the handshake read; tokens are well under this.
const maxHandshakeLine = 8192

// RejectCode is the error code sent to a client whose handshake is refused.
type RejectCode string

const (
	RejectInvalidToken     RejectCode = "InvalidToken"
	RejectSessionNotActive RejectCode = "SessionNotActive"
	RejectNodeUnavailable  RejectCode = "NodeUnavailable"
)

// TokenVerifier validates connection tokens. *session.TokenIssuer satisfies
// this.
type TokenVerifier interface {
	Verify(token string) (*session.TokenClaims, error)
}

// ActivitySink receives last-traffic reports for proxied sessions.
// *session.Engine satisfies this.
type ActivitySink interface {
	ReportActivity(ctx context.Context, sessionID string, at time.Time) error
}

// Config holds gateway settings.
type Config struct {
	// TCPAddr is the plain TCP listen address; empty disables the listener.
	TCPAddr string

	// QUICAddr is the QUIC listen address; empty disables the listener.
	QUICAddr string

	// HandshakeTimeout bounds the wait for a client's handshake line.
	HandshakeTimeout time.Duration

	// ActivityInterval throttles last-activity reports per proxy.
	ActivityInterval time.Duration

	// RouteCheckInterval is how often live proxies re-verify their route.
	RouteCheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ActivityInterval <= 0 {
		c.ActivityInterval = time.Second
	}
	if c.RouteCheckInterval <= 0 {
		c.RouteCheckInterval = time.Second
	}
}

// Dialer opens connections to backend hosts. Swappable for tests.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Gateway proxies client transports to backend hosts by route lookup.
type Gateway struct {
	config   Config
	store    store.Store
	verifier TokenVerifier
	activity ActivitySink
	dial     Dialer
	events   *observability.EventStream
	logger   *zap.Logger

	mu      sync.Mutex
	proxies map[uint64]*proxyConn
	nextID  uint64
}

// proxyConn is one live spliced connection.
type proxyConn struct {
	tokenID   string
	sessionID string

	closeOnce sync.Once
	closeFn   func()

	clientBytes atomic.Int64 // client to node
	nodeBytes   atomic.Int64 // node to client
	lastByte    atomic.Int64 // unix nanos of the most recent proxied byte
}

func (p *proxyConn) close() {
	p.closeOnce.Do(p.closeFn)
}

// New creates a gateway.
func New(cfg Config, st store.Store, verifier TokenVerifier, activity ActivitySink, events *observability.EventStream, logger *zap.Logger) (*Gateway, error) {
	if st == nil || verifier == nil || logger == nil {
		return nil, fmt.Errorf("store, token verifier, and logger are required")
	}
	cfg.applyDefaults()

	return &Gateway{
		config:   cfg,
		store:    st,
		verifier: verifier,
		activity: activity,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", address)
		},
		events:  events,
		logger:  logger,
		proxies: make(map[uint64]*proxyConn),
	}, nil
}

// SetDialer overrides the backend dialer. Test hook.
func (g *Gateway) SetDialer(dial Dialer) { g.dial = dial }

// ServeTCP accepts plain TCP clients until ctx is cancelled.
func (g *Gateway) ServeTCP(ctx context.Context) error {
	if g.config.TCPAddr == "" {
		return nil
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", g.config.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.TCPAddr, err)
	}
	g.logger.Info("Gateway TCP listener started", zap.String("address", g.config.TCPAddr))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}
		go g.HandleConn(ctx, conn, conn.RemoteAddr().String())
	}
}

// WatchRoutes closes proxies whose route has been retracted, so revoked
// tokens stop carrying traffic without waiting for the client to hang up.
func (g *Gateway) WatchRoutes(ctx context.Context) {
	ticker := time.NewTicker(g.config.RouteCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		live := make([]*proxyConn, 0, len(g.proxies))
		for _, p := range g.proxies {
			live = append(live, p)
		}
		g.mu.Unlock()

		for _, p := range live {
			_, err := g.store.Get(ctx, store.RouteKey(p.tokenID))
			if store.IsNotFound(err) {
				g.logger.Info("Closing proxy for retracted route",
					zap.String("session_id", p.sessionID),
					zap.String("token_id", p.tokenID),
				)
				p.close()
			}
		}
	}
}

// HandleConn runs the handshake and, on success, proxies rwc to the session's
// backend until either side closes or the route is retracted. Works for TCP
// connections and QUIC streams alike.
func (g *Gateway) HandleConn(ctx context.Context, rwc io.ReadWriteCloser, remote string) {
	defer rwc.Close()

	if conn, ok := rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		conn.SetReadDeadline(time.Now().Add(g.config.HandshakeTimeout))
	}

	// The buffered reader survives past the handshake so client bytes sent
	// on its heels are proxied, not dropped.
	reader := bufio.NewReaderSize(rwc, maxHandshakeLine)
	token, err := readHandshake(reader)
	if err != nil {
		g.reject(rwc, remote, RejectInvalidToken, err)
		return
	}

	route, code, err := g.resolve(ctx, token)
	if err != nil {
		g.reject(rwc, remote, code, err)
		return
	}

	if conn, ok := rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		conn.SetReadDeadline(time.Time{})
	}

	backend, err := g.dial(ctx, route.Address)
	if err != nil {
		g.reject(rwc, remote, RejectNodeUnavailable, err)
		return
	}
	defer backend.Close()

	if _, err := io.WriteString(rwc, "OK\n"); err != nil {
		return
	}

	observability.GatewayConnectionsTotal.WithLabelValues("accepted").Inc()
	if g.events != nil {
		g.events.Record(observability.Event{
			Type:        observability.EventConnectionOpened,
			ResourceID:  route.SessionID,
			Description: "client connected via gateway",
		})
	}
	g.logger.Info("Proxying connection",
		zap.String("remote", remote),
		zap.String("session_id", route.SessionID),
		zap.String("backend", route.Address),
	)

	g.proxy(ctx, rwc, reader, backend, route)
}

// resolve maps a presented token to its published route. A verifiable token
// whose route is gone is stale; the session's own state decides whether the
// client learns "not active" or just "invalid".
func (g *Gateway) resolve(ctx context.Context, token string) (cluster.RouteRecord, RejectCode, error) {
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return cluster.RouteRecord{}, RejectInvalidToken, err
	}

	rec, err := g.store.Get(ctx, store.RouteKey(claims.ID))
	if store.IsNotFound(err) {
		if state, ok := g.sessionState(ctx, claims.SessionID); ok && state != cluster.SessionActive {
			return cluster.RouteRecord{}, RejectSessionNotActive,
				fmt.Errorf("session %s is %s", claims.SessionID, state)
		}
		return cluster.RouteRecord{}, RejectInvalidToken,
			fmt.Errorf("no route for token %s", claims.ID)
	}
	if err != nil {
		return cluster.RouteRecord{}, RejectNodeUnavailable, err
	}

	var route cluster.RouteRecord
	if err := cluster.Decode(rec.Value, &route); err != nil {
		return cluster.RouteRecord{}, RejectNodeUnavailable, err
	}
	if route.SessionID != claims.SessionID {
		return cluster.RouteRecord{}, RejectInvalidToken,
			fmt.Errorf("token %s does not match its route", claims.ID)
	}
	return route, "", nil
}

func (g *Gateway) sessionState(ctx context.Context, sessionID string) (cluster.SessionState, bool) {
	rec, err := g.store.Get(ctx, store.SessionKey(sessionID))
	if err != nil {
		return "", false
	}
	var session cluster.SessionRecord
	if err := cluster.Decode(rec.Value, &session); err != nil {
		return "", false
	}
	return session.State, true
}

func (g *Gateway) reject(w io.Writer, remote string, code RejectCode, cause error) {
	observability.GatewayConnectionsTotal.WithLabelValues("rejected").Inc()
	if g.events != nil {
		g.events.Record(observability.Event{
			Type:        observability.EventConnectionRejected,
			Description: "gateway rejected connection: " + string(code),
			Error:       cause.Error(),
		})
	}
	g.logger.Warn("Rejected connection",
		zap.String("remote", remote),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
	fmt.Fprintf(w, "ERR %s\n", code)
}

// proxy splices client and backend, counting bytes in both directions and
// reporting last-traffic timestamps to the activity sink.
func (g *Gateway) proxy(ctx context.Context, client io.ReadWriteCloser, clientReader io.Reader, backend net.Conn, route cluster.RouteRecord) {
	p := &proxyConn{
		tokenID:   route.TokenID,
		sessionID: route.SessionID,
	}
	p.closeFn = func() {
		client.Close()
		backend.Close()
	}

	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.proxies[id] = p
	g.mu.Unlock()
	observability.GatewayActiveProxies.Inc()

	defer func() {
		g.mu.Lock()
		delete(g.proxies, id)
		g.mu.Unlock()
		observability.GatewayActiveProxies.Dec()
		p.close()

		clientBytes := p.clientBytes.Load()
		nodeBytes := p.nodeBytes.Load()
		observability.GatewayProxiedBytesTotal.WithLabelValues("client_to_node").Add(float64(clientBytes))
		observability.GatewayProxiedBytesTotal.WithLabelValues("node_to_client").Add(float64(nodeBytes))
		if g.events != nil {
			g.events.Record(observability.Event{
				Type:        observability.EventConnectionClosed,
				ResourceID:  route.SessionID,
				Description: fmt.Sprintf("connection closed after %d bytes", clientBytes+nodeBytes),
			})
		}
	}()

	reportCtx, stopReports := context.WithCancel(ctx)
	defer stopReports()
	go g.reportActivity(reportCtx, p)

	done := make(chan struct{}, 2)
	splice := func(dst io.Writer, src io.Reader) {
		io.Copy(dst, src)
		p.close()
		done <- struct{}{}
	}
	go splice(backend, &countingReader{r: clientReader, count: &p.clientBytes, p: p})
	go splice(client, &countingReader{r: backend, count: &p.nodeBytes, p: p})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			p.close()
			<-done
		}
	}
}

// reportActivity forwards last-byte timestamps to the activity sink at most
// once per interval, so idle tracking sees traffic without a write per byte.
func (g *Gateway) reportActivity(ctx context.Context, p *proxyConn) {
	if g.activity == nil {
		return
	}

	ticker := time.NewTicker(g.config.ActivityInterval)
	defer ticker.Stop()

	var reported int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := p.lastByte.Load()
			if last == 0 || last == reported {
				continue
			}
			if err := g.activity.ReportActivity(ctx, p.sessionID, time.Unix(0, last)); err != nil {
				g.logger.Warn("Failed to report session activity",
					zap.String("session_id", p.sessionID),
					zap.Error(err),
				)
				continue
			}
			reported = last
		}
	}
}

// Close shuts every live proxy down.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.proxies {
		p.close()
	}
}

// countingReader tracks proxied bytes and their timestamps for one direction.
type countingReader struct {
	r     io.Reader
	count *atomic.Int64
	p     *proxyConn
}

func (cr *countingReader) Read(buf []byte) (int, error) {
	n, err := cr.r.Read(buf)
	if n > 0 {
		cr.count.Add(int64(n))
		cr.p.lastByte.Store(time.Now().UnixNano())
	}
	return n, err
}

// readHandshake consumes the client's opening line and extracts the token.
func readHandshake(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read handshake: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, handshakePrefix) {
		return "", fmt.Errorf("malformed handshake")
	}
	token := strings.TrimSpace(strings.TrimPrefix(line, handshakePrefix))
	if token == "" {
		return "", fmt.Errorf("handshake carries no token")
	}
	return token, nil
}
