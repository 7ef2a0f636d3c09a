// Package acceptor implements the TCP acceptor of spec.md §4.8 — C8:
// a lazy TLS handshake bound to the current certificate snapshot,
// serving HTTP/1.1 and H2 (or plaintext HTTP/1.1 and H2C on the
// non-TLS listener) and dispatching every request to C7.
//
// Grounded on caddyserver/caddy's modules/caddyhttp/app.go, which
// wires http2.ConfigureServer onto the same *http.Server used for
// HTTP/1.1 and layers golang.org/x/net/http2/h2c.NewHandler on top for
// prior-knowledge H2C, and on
// original_source/rpxy-lib/src/tls/... + backend acceptor task
// descriptions in spec.md §4.8 for the lazy-ClientHello/SNI-lookup
// handshake policy.
package acceptor

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/certstore"
	"github.com/rpxy-go/rpxy/internal/handler"
	"github.com/rpxy-go/rpxy/internal/netutil"
	"github.com/rpxy-go/rpxy/internal/reqcount"
)

var log = caddyutil.Named("log.acceptor")

// DefaultHandshakeTimeout is TLS_HANDSHAKE_TIMEOUT_SEC's default
// (spec.md §4.8).
const DefaultHandshakeTimeout = 15 * time.Second

// Config describes one listening socket.
type Config struct {
	Addr             string
	Backlog          int
	TLSEnabled       bool
	H2CEnabled       bool // plaintext listeners only: accept prior-knowledge H2C
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int

	// Counter and MaxClients gate concurrently accepted connections
	// (spec.md §5's request-count policy); MaxClients<=0 disables the
	// gate.
	Counter    *reqcount.Counter
	MaxClients int64
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Acceptor serves one listening socket, dispatching every request to
// a Handler and reading its per-connection TLS configuration from a
// snapshot that can be swapped at any time without interrupting
// connections already past the handshake (spec.md §4.8's "an in-flight
// handshake uses the snapshot it captured").
type Acceptor struct {
	cfg      Config
	handler  *handler.Handler
	snapshot snapshotHolder
	server   *http.Server
}

// New builds an Acceptor for cfg, dispatching requests to h.
func New(cfg Config, h *handler.Handler) *Acceptor {
	return &Acceptor{cfg: cfg.withDefaults(), handler: h}
}

// UpdateSnapshot atomically swaps the certificate snapshot consulted
// by new handshakes (spec.md §4.8 "the snapshot reference is updated
// from the cert watch channel").
func (a *Acceptor) UpdateSnapshot(snap *certstore.Snapshot) {
	a.snapshot.store(snap)
}

// Serve binds cfg.Addr and runs until ctx is canceled or a fatal
// listener error occurs.
func (a *Acceptor) Serve(ctx context.Context) error {
	ln, err := netutil.ListenTCP(ctx, a.cfg.Addr, a.cfg.Backlog)
	if err != nil {
		return err
	}

	baseHandler := http.HandlerFunc(a.serveHTTP)

	h2server := &http2.Server{}
	a.server = &http.Server{
		Handler:        baseHandler,
		IdleTimeout:    a.cfg.IdleTimeout,
		MaxHeaderBytes: a.cfg.MaxHeaderBytes,
	}
	if a.cfg.Counter != nil && a.cfg.MaxClients > 0 {
		counter := a.cfg.Counter
		a.server.ConnState = func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				counter.Decrement()
			}
		}
	}

	if a.cfg.TLSEnabled {
		if err := http2.ConfigureServer(a.server, h2server); err != nil {
			return err
		}
		tlsConfig := &tls.Config{
			GetConfigForClientHello: a.getConfigForClientHello,
		}
		ln = &handshakeTimeoutListener{
			Listener:  tls.NewListener(&noHandshakeListener{ln}, tlsConfig),
			timeout:   a.cfg.HandshakeTimeout,
			tlsConfig: tlsConfig,
		}
	} else if a.cfg.H2CEnabled {
		a.server.Handler = h2c.NewHandler(baseHandler, h2server)
	}

	if a.cfg.Counter != nil && a.cfg.MaxClients > 0 {
		// Wrapped last (outermost Accept) so only connections that
		// already cleared the TLS handshake, if any, are counted — a
		// handshake failure or timeout is dropped by
		// handshakeTimeoutListener before it ever reaches here and so
		// never needs a matching decrement.
		ln = &countingListener{Listener: ln, counter: a.cfg.Counter, maxClients: a.cfg.MaxClients}
	}

	go func() {
		<-ctx.Done()
		_ = a.server.Close()
	}()

	log.Info("acceptor listening", zap.String("addr", a.cfg.Addr), zap.Bool("tls", a.cfg.TLSEnabled))
	err = a.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Acceptor) serveHTTP(w http.ResponseWriter, req *http.Request) {
	tlsEnabled := req.TLS != nil
	sni := ""
	if tlsEnabled {
		sni = req.TLS.ServerName
	}
	a.handler.HandleRequest(w, req, handler.RequestMeta{
		ClientAddr:    addrFromString(req.RemoteAddr),
		ListenAddr:    addrFromString(a.cfg.Addr),
		TLSEnabled:    tlsEnabled,
		TLSServerName: sni,
	})
}

// getConfigForClientHello implements spec.md §4.8 steps 2–3: require
// SNI, then resolve it against the current snapshot; either failure
// aborts the handshake.
func (a *Acceptor) getConfigForClientHello(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if hello.ServerName == "" {
		return nil, errNoSNI
	}
	snap := a.snapshot.load()
	if snap == nil {
		return nil, errSnapshotNotReady
	}
	cfg, ok := snap.ConfigForSNI(hello.ServerName)
	if !ok {
		return nil, errNoCertForSNI
	}
	return cfg, nil
}

var (
	errNoSNI            = errors.New("acceptor: ClientHello carries no SNI")
	errSnapshotNotReady = errors.New("acceptor: certificate snapshot not yet published")
	errNoCertForSNI     = errors.New("acceptor: no certificate for requested SNI")
)

func addrFromString(s string) net.Addr {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return stringAddr(s)
	}
	return &net.TCPAddr{IP: net.ParseIP(host), Port: atoiOr(port)}
}

func atoiOr(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }
