// Package h3listener implements the HTTP/3 over QUIC listener of
// spec.md §4.9 — C9: a UDP acceptor carrying the aggregated TLS
// configuration published by C2, with a global request-body budget and
// a per-connection stream-count gate, dispatching every request to C7.
//
// Grounded on caddyserver/caddy's listeners.go ListenQUIC (the
// quic.Transport + http3.ConfigureTLSConfig + quic.Config pairing used
// to build a QUIC early listener on top of a plain net.PacketConn) and
// on original_source/rpxy-lib/src/proxy/proxy_h3.rs /
// proxy_quic_quinn.rs for the per-stream body-budget accounting and the
// per-connection "max_clients exceeded -> shut down with error 0"
// policy. This listener's domain dependency is entirely
// quic-go/quic-go + quic-go/http3, the same module the teacher vendors
// for its own QUIC listener.
package h3listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/certstore"
	"github.com/rpxy-go/rpxy/internal/handler"
	"github.com/rpxy-go/rpxy/internal/netutil"
)

var log = caddyutil.Named("log.h3listener")

// Config describes one HTTP/3 listening socket (spec.md §4.9
// "Transport limits come from configuration").
type Config struct {
	Addr               string
	MaxClients         int64 // per-connection concurrent-stream gate
	RequestMaxBodySize int64 // h3_request_max_body_size
	MaxConcurrentBidi  int64
	MaxConcurrentUni   int64
	MaxIdleTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 100
	}
	if c.RequestMaxBodySize <= 0 {
		c.RequestMaxBodySize = 16 << 20
	}
	if c.MaxConcurrentBidi <= 0 {
		c.MaxConcurrentBidi = 100
	}
	if c.MaxConcurrentUni <= 0 {
		c.MaxConcurrentUni = 100
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 30 * time.Second
	}
	return c
}

// Listener serves one UDP socket as an HTTP/3 endpoint.
type Listener struct {
	cfg      Config
	handler  *handler.Handler
	snapshot atomic.Pointer[certstore.Snapshot]
	server   *http3.Server
}

// New builds a Listener for cfg, dispatching requests to h.
func New(cfg Config, h *handler.Handler) *Listener {
	return &Listener{cfg: cfg.withDefaults(), handler: h}
}

// UpdateSnapshot atomically swaps the aggregated TLS config consulted
// by new QUIC handshakes (spec.md §4.9 "On snapshot update, the QUIC
// endpoint's server config is swapped atomically"). Because a QUIC
// endpoint commits to a TLS config once per connection attempt rather
// than per-listener, the swap is expressed through
// GetConfigForClientHello on the config installed at Serve time, so no
// listener restart is required.
func (l *Listener) UpdateSnapshot(snap *certstore.Snapshot) {
	l.snapshot.Store(snap)
}

// Serve binds cfg.Addr and runs until ctx is canceled or a fatal
// listener error occurs.
func (l *Listener) Serve(ctx context.Context) error {
	pc, err := netutil.ListenUDP(ctx, l.cfg.Addr)
	if err != nil {
		return err
	}

	tlsConf := &tls.Config{
		GetConfigForClientHello: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			snap := l.snapshot.Load()
			if snap == nil || snap.Aggregated == nil {
				return nil, errSnapshotNotReady
			}
			return snap.Aggregated, nil
		},
	}

	tr := &quic.Transport{Conn: pc}
	earlyLn, err := tr.ListenEarly(
		http3.ConfigureTLSConfig(tlsConf),
		&quic.Config{
			MaxIncomingStreams:    l.cfg.MaxConcurrentBidi,
			MaxIncomingUniStreams: l.cfg.MaxConcurrentUni,
			MaxIdleTimeout:        l.cfg.MaxIdleTimeout,
		},
	)
	if err != nil {
		_ = pc.Close()
		return err
	}

	baseHandler := http.HandlerFunc(l.serveHTTP)
	l.server = &http3.Server{
		Handler: newConnGate(baseHandler, l.cfg.MaxClients),
		ConnContext: func(cctx context.Context, c *quic.Conn) context.Context {
			return withGateConn(cctx, c)
		},
	}

	go func() {
		<-ctx.Done()
		_ = l.server.Close()
		_ = pc.Close()
	}()

	log.Info("h3 listener serving", zap.String("addr", l.cfg.Addr))
	err = l.server.ServeListener(earlyLn)
	if errors.Is(err, http3.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errSnapshotNotReady = errors.New("h3listener: certificate snapshot not yet published")

// serveHTTP enforces the global request-body budget (spec.md §4.9 step
// 2) via http.MaxBytesReader, then dispatches to the message handler.
func (l *Listener) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Body != nil {
		req.Body = http.MaxBytesReader(w, req.Body, l.cfg.RequestMaxBodySize)
	}
	sni := ""
	if req.TLS != nil {
		sni = req.TLS.ServerName
	}
	l.handler.HandleRequest(w, req, handler.RequestMeta{
		ClientAddr:    remoteAddr(req),
		ListenAddr:    stringAddr(l.cfg.Addr),
		TLSEnabled:    true,
		TLSServerName: sni,
	})
}
