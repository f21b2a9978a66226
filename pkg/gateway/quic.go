package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// quicProtocol is the ALPN protocol clients must negotiate.
const quicProtocol = "skylab-gateway"

// ServeQUIC accepts QUIC clients until ctx is cancelled. Each stream on a
// connection carries its own handshake, so one client connection can
// multiplex several session channels.
func (g *Gateway) ServeQUIC(ctx context.Context, tlsConfig *tls.Config) error {
	if g.config.QUICAddr == "" {
		return nil
	}
	if tlsConfig == nil {
		return fmt.Errorf("QUIC listener requires a TLS config")
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = append([]string{quicProtocol}, tlsConfig.NextProtos...)

	udpAddr, err := net.ResolveUDPAddr("udp", g.config.QUICAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
	listener, err := quic.Listen(udpConn, tlsConfig, quicConfig)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	g.logger.Info("Gateway QUIC listener started", zap.String("address", g.config.QUICAddr))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Error("Failed to accept QUIC connection", zap.Error(err))
			continue
		}
		go g.handleQUICConn(ctx, conn)
	}
}

func (g *Gateway) handleQUICConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Debug("QUIC connection done", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		go g.HandleConn(ctx, &quicStreamConn{stream: stream}, remote)
	}
}

// quicStreamConn adapts a QUIC stream to the gateway's connection handling.
// Close cancels the read side as well, matching net.Conn semantics.
type quicStreamConn struct {
	stream quic.Stream
}

func (s *quicStreamConn) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStreamConn) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStreamConn) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

func (s *quicStreamConn) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}
