// Package transport carries the buffer protocol over QUIC. Every client
// connection opens one bidirectional stream that holds the whole session.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by both ends.
const ALPN = "bufsched/1"

// ErrNoStream reports a connection that closed or failed before opening its
// session stream. The listener stays usable.
var ErrNoStream = errors.New("transport: no session stream")

// Config holds QUIC connection settings shared by Listen and Dial.
type Config struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

func (c Config) quicConfig() *quic.Config {
	idle := c.MaxIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: c.KeepAlivePeriod,
	}
}

// Listener accepts buffer sessions.
type Listener struct {
	log *slog.Logger
	ln  *quic.Listener
}

// Listen starts a QUIC listener on addr serving cert.
func Listen(addr string, cert tls.Certificate, cfg Config, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{log: log.With("component", "transport"), ln: ln}
	l.log.Info("listening", "addr", ln.Addr())
	return l, nil
}

// Addr returns the local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next connection and its session stream.
func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, net.Addr, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("accept connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no session stream")
		return nil, nil, fmt.Errorf("%w from %s: %v", ErrNoStream, conn.RemoteAddr(), err)
	}
	l.log.Debug("session accepted", "remote", conn.RemoteAddr())
	return &streamConn{stream: stream, conn: conn}, conn.RemoteAddr(), nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a buffer host and opens the session stream. tlsConf must
// verify the host; its NextProtos is overwritten with ALPN.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (io.ReadWriteCloser, error) {
	if tlsConf == nil {
		return nil, errors.New("transport: nil TLS config")
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "cannot open session stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &streamConn{stream: stream, conn: conn}, nil
}

// streamConn ties a stream to its connection so Close tears down both and
// unblocks a pending Read.
type streamConn struct {
	stream quic.Stream
	conn   quic.Connection
}

func (s *streamConn) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *streamConn) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *streamConn) Close() error {
	s.stream.CancelRead(0)
	err := s.stream.Close()
	if cerr := s.conn.CloseWithError(0, "session closed"); err == nil {
		err = cerr
	}
	return err
}
