package acceptor

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/certstore"
	"github.com/rpxy-go/rpxy/internal/reqcount"
)

// snapshotHolder is an atomic pointer cell for *certstore.Snapshot
// (spec.md §5 "Certificate snapshot: immutable once published").
type snapshotHolder struct {
	v atomic.Pointer[certstore.Snapshot]
}

func (h *snapshotHolder) store(s *certstore.Snapshot) { h.v.Store(s) }
func (h *snapshotHolder) load() *certstore.Snapshot   { return h.v.Load() }

// noHandshakeListener wraps a net.Listener whose Accept must not
// perform (or be wrapped to perform) the TLS handshake itself; it
// exists only so tls.NewListener receives a plain net.Listener while
// handshakeTimeoutListener independently bounds the handshake step.
type noHandshakeListener struct {
	net.Listener
}

// handshakeTimeoutListener performs the TLS handshake explicitly on
// Accept, bounded by timeout (spec.md §4.8: "the whole handshake
// (steps 1-4) is bounded by TLS_HANDSHAKE_TIMEOUT_SEC"). A connection
// that fails or times out during handshake (including a missing or
// unresolvable SNI, per getConfigForClientHello) is dropped silently;
// Accept loops to the next connection rather than propagating the
// failure as a listener-level error, so one bad client never brings
// the acceptor down.
type handshakeTimeoutListener struct {
	net.Listener // a *tls.Listener wrapping a noHandshakeListener
	timeout      time.Duration
	tlsConfig    *tls.Config
}

func (l *handshakeTimeoutListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			// Shouldn't happen: l.Listener is always a *tls.Listener.
			return conn, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err = tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			log.Debug("dropping connection: TLS handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			_ = conn.Close()
			continue
		}
		return tlsConn, nil
	}
}

// countingListener gates concurrently accepted connections against
// maxClients, matching original_source/rpxy-lib/src/proxy/proxy_main.rs's
// serve_connection: "if request_count.increment() > max_clients {
// request_count.decrement(); return }" drops the connection outright
// rather than queuing it.
type countingListener struct {
	net.Listener
	counter    *reqcount.Counter
	maxClients int64
}

func (l *countingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.counter.Increment() > l.maxClients {
			l.counter.Decrement()
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
}
