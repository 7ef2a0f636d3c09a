// Package forwarder implements the upstream HTTP client pool of
// spec.md §4.5 — C5, "Forwarder": a version-negotiating H1/H2 client,
// an H2-only (TLS) client, and an H2C-only (cleartext) client,
// dispatched on the incoming request's protocol version and the
// upstream's scheme.
//
// Grounded on the HTTPTransport pattern in
// other_examples/bhaswanth88-caddy's
// modules/caddyhttp/reverseproxy/httptransport.go (http.Transport +
// http2.ConfigureTransport, a hand-built h2c-capable http2.Transport
// whose DialTLSContext "pretend[s] to dial TLS" by just opening a
// plain connection, for prior-knowledge H2C) and
// original_source/rpxy-lib/src/forwarder.rs for the dispatch rule
// itself.
package forwarder

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
)

var log = caddyutil.Named("log.forwarder")

// Config tunes the upstream clients: DialTimeout applies to all three,
// the remaining fields to the dual H1/H2 client only.
type Config struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
}

// defaults mirror HTTPTransport's Provision defaults: 3s dial
// timeout, 32 idle conns per host, 2m idle timeout.
func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 32
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 2 * time.Minute
	}
	return c
}

// Forwarder holds the dual H1/H2 client, the H2-only (TLS) client,
// and an H2C-only (cleartext, prior-knowledge) client, and dispatches
// each outgoing request to whichever fits its protocol version and
// upstream scheme (spec.md §4.5).
type Forwarder struct {
	dual   *http.Transport
	h2Only *http2.Transport
	h2c    *http2.Transport
}

// New builds a Forwarder. TLS roots default to the platform trust
// store (tlsConfig may be nil).
func New(cfg Config, tlsConfig *tls.Config) (*Forwarder, error) {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	dualTLS := tlsConfig.Clone()
	if dualTLS == nil {
		dualTLS = &tls.Config{}
	}
	dualTLS.NextProtos = []string{"h2", "http/1.1"}

	dual := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       dualTLS,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(dual); err != nil {
		return nil, fmt.Errorf("forwarder: configuring h2 on dual transport: %w", err)
	}

	h2TLS := tlsConfig.Clone()
	if h2TLS == nil {
		h2TLS = &tls.Config{}
	}
	h2TLS.NextProtos = []string{"h2"}

	h2Only := &http2.Transport{
		TLSClientConfig: h2TLS,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := tls.Dialer{NetDialer: dialer, Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
		AllowHTTP: true,
	}

	// h2c is a second H2-only transport for forced-H2 upstreams
	// reached over plain http:// — it must never attempt a TLS
	// handshake against a cleartext server, so DialTLSContext is
	// "kind of a hack, but for plaintext/H2C requests, pretend to dial
	// TLS" (httptransport.go's h2cTransport): it just opens a plain
	// TCP connection.
	h2c := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		AllowHTTP: true,
	}

	return &Forwarder{dual: dual, h2Only: h2Only, h2c: h2c}, nil
}

// ErrFailedToFetchFromUpstream wraps any transport-level failure
// reaching the upstream, per spec.md §4.5 "Errors are lifted to a
// FailedToFetchFromUpstream and surfaced; the caller decides the
// status code."
type ErrFailedToFetchFromUpstream struct {
	Cause error
}

func (e *ErrFailedToFetchFromUpstream) Error() string {
	return fmt.Sprintf("forwarder: failed to fetch from upstream: %v", e.Cause)
}

func (e *ErrFailedToFetchFromUpstream) Unwrap() error { return e.Cause }

// RoundTrip dispatches req to one of the H2-only clients iff req's
// incoming protocol version is HTTP/2, else to the dual H1/H2 client
// (spec.md §4.5). Of the two H2-only clients, the cleartext one is
// used whenever the upstream scheme is http — a forced-H2 request to
// a plaintext (H2C) upstream must never go through h2Only, which
// always performs a real TLS handshake and would fail against a
// plaintext server.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error
	switch {
	case req.ProtoMajor == 2 && req.URL.Scheme == "http":
		resp, err = f.h2c.RoundTrip(req)
	case req.ProtoMajor == 2:
		resp, err = f.h2Only.RoundTrip(req)
	default:
		resp, err = f.dual.RoundTrip(req)
	}
	if err != nil {
		log.Debug("upstream round trip failed", zap.Error(err))
		return nil, &ErrFailedToFetchFromUpstream{Cause: err}
	}
	return resp, nil
}
