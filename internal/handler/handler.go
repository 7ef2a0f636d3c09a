package handler

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/backend"
	"github.com/rpxy-go/rpxy/internal/cache"
	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/loadbalance"
)

var log = caddyutil.Named("log.handler")

// Config carries the handler's request-independent policy knobs,
// sourced from the proxy's top-level configuration (spec.md §4.7/§6).
type Config struct {
	// SNIConsistency enforces step 3's SNI == Host check for TLS
	// connections.
	SNIConsistency bool
	// HTTPSPort is used both for the https_redirection Location and
	// for the Alt-Svc advertisement. 0 (or 443) omits an explicit port
	// from the Location; 0 disables the Alt-Svc advertisement.
	HTTPSPort int
	// H3Enabled controls whether Alt-Svc is advertised on non-mTLS
	// hosts.
	H3Enabled      bool
	H3AltSvcMaxAge int
	// UpstreamTimeout bounds each forwarded request; 0 disables the
	// timeout.
	UpstreamTimeout time.Duration
}

// RoundTripper is the subset of *forwarder.Forwarder the handler
// depends on, so tests can substitute a stub.
type RoundTripper interface {
	RoundTrip(req *http.Request) (*http.Response, error)
}

// Handler is the per-request state machine of spec.md §4.7 — C7.
// One Handler is shared across every connection a listener accepts.
type Handler struct {
	Registry  *backend.Registry
	Forwarder RoundTripper
	Cache     *cache.Cache // nil disables response caching
	Config    Config
}

// NewHandler builds a Handler; cch may be nil to disable caching.
func NewHandler(registry *backend.Registry, fwd RoundTripper, cch *cache.Cache, cfg Config) *Handler {
	return &Handler{Registry: registry, Forwarder: fwd, Cache: cch, Config: cfg}
}

// RequestMeta carries the per-connection facts the state machine
// needs but that don't travel on the request itself: addresses, TLS
// state, and the SNI observed at the TLS acceptor (C8).
type RequestMeta struct {
	ClientAddr    net.Addr
	ListenAddr    net.Addr
	TLSEnabled    bool
	TLSServerName string
}

// HandleRequest runs the full spec.md §4.7 pipeline, writing the
// final response (success, redirect, or synthetic error) to w.
func (h *Handler) HandleRequest(w http.ResponseWriter, req *http.Request, meta RequestMeta) {
	// Step 1: reject CONNECT.
	if req.Method == http.MethodConnect {
		h.writeSynthetic(w, KindUnsupportedMethod, nil)
		return
	}

	// Step 2: host parsing + URI/Host consistency.
	host, err := parseHost(req)
	if err != nil {
		h.writeSynthetic(w, errKind(err, KindNoHostInRequest), err)
		return
	}
	if err := checkHostConsistency(req); err != nil {
		h.writeSynthetic(w, errKind(err, KindInvalidHostInRequest), err)
		return
	}

	// Step 3: SNI consistency.
	if meta.TLSEnabled && h.Config.SNIConsistency {
		if !strings.EqualFold(host, meta.TLSServerName) {
			h.writeSynthetic(w, KindSniHostInconsistency, nil)
			return
		}
	}

	// Step 4: backend lookup with default-app fallback.
	app, ok := h.Registry.Get(host)
	if !ok {
		app, ok = h.Registry.Default()
		if !ok {
			h.writeSynthetic(w, KindNoMatchingBackendApp, nil)
			return
		}
		log.Debug("serving by default app", zap.String("host", host))
	}

	// Step 5: plaintext -> https redirect.
	if !meta.TLSEnabled && app.HTTPSRedirection {
		h.redirectToHTTPS(w, req, app)
		return
	}

	// Step 6: path routing.
	candidates, ok := app.Paths.Get(req.URL.Path)
	if !ok {
		h.writeSynthetic(w, KindNoUpstreamCandidates, nil)
		return
	}

	// Step 7: upgrade extraction, HTTP/1.1-only.
	upgradeReq := extractUpgrade(req.Header)
	if upgradeReq != "" && req.ProtoMajor != 1 {
		h.writeSynthetic(w, KindFailedToUpgrade, nil)
		return
	}

	// Cache lookup (non-upgrade GET/HEAD only), spec.md §4.6/§4.7 step 10.
	cacheURI := req.URL.String()
	if upgradeReq == "" && h.Cache != nil && (req.Method == http.MethodGet || req.Method == http.MethodHead) {
		if status, hdr, body, ok := h.Cache.Get(req, cacheURI); ok {
			h.writeCached(w, status, hdr)
			if req.Method != http.MethodHead {
				_, _ = w.Write(body)
			}
			return
		}
	}

	// Step 8: build the forwarded request.
	outReq, stickyCookie, err := h.buildForwardedRequest(req, meta, candidates, upgradeReq)
	if err != nil {
		h.writeSynthetic(w, errKind(err, KindFailedToGenerateUpstreamRequest), err)
		return
	}

	if h.Config.UpstreamTimeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), h.Config.UpstreamTimeout)
		defer cancel()
		outReq = outReq.WithContext(ctx)
	}

	log.Debug("forwarding request", zap.String("upstream", outReq.URL.String()))

	// Step 9: forward.
	resp, err := h.Forwarder.RoundTrip(outReq)
	if err != nil {
		h.writeSynthetic(w, KindFailedToGetResponseFromBackend, err)
		return
	}
	defer resp.Body.Close()

	if stickyCookie != nil {
		setStickyCookie(resp.Header, *stickyCookie)
	}

	// Step 10: response handling.
	if resp.StatusCode == http.StatusSwitchingProtocols {
		h.handleUpgradeResponse(w, resp, upgradeReq)
		return
	}

	h.rewriteDownstreamResponse(resp, app)
	h.writeHeaders(w, resp.StatusCode, resp.Header)

	if h.Cache != nil && req.Method == http.MethodGet && upgradeReq == "" {
		h.forwardAndTee(w, req, resp, cacheURI)
		return
	}
	_, _ = io.Copy(w, resp.Body)
}

// errKind recovers the Kind embedded in err by buildForwardedRequest
// et al., falling back to fallback when err isn't a *Error.
func errKind(err error, fallback Kind) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return fallback
}

// writeSynthetic writes the fixed, empty-body error response for k
// (spec.md §7).
func (h *Handler) writeSynthetic(w http.ResponseWriter, k Kind, cause error) {
	traceID := uuid.New().String()
	if cause != nil {
		log.Debug("request failed", zap.String("trace_id", traceID), zap.String("kind", k.String()), zap.Error(cause))
	} else {
		log.Debug("request failed", zap.String("trace_id", traceID), zap.String("kind", k.String()))
	}
	w.WriteHeader(k.Status())
}

// redirectToHTTPS implements spec.md §4.7 step 5: a 301 redirect from
// plaintext to the same host and path over TLS, grounded on
// utils_synth_response.rs's secure_redirection.
func (h *Handler) redirectToHTTPS(w http.ResponseWriter, req *http.Request, app *backend.App) {
	authority := app.ServerName.String()
	if h.Config.HTTPSPort != 0 && h.Config.HTTPSPort != 443 {
		authority = authority + ":" + strconv.Itoa(h.Config.HTTPSPort)
	}
	loc := "https://" + authority + req.URL.RequestURI()
	w.Header().Set("Location", loc)
	w.WriteHeader(http.StatusMovedPermanently)
}

func (h *Handler) writeHeaders(w http.ResponseWriter, status int, header http.Header) {
	dst := w.Header()
	for k, vv := range header {
		dst[k] = vv
	}
	w.WriteHeader(status)
}

func (h *Handler) writeCached(w http.ResponseWriter, status int, header http.Header) {
	h.writeHeaders(w, status, header)
}

// forwardAndTee streams resp.Body to w while also buffering a copy to
// populate the cache on success, without blocking the client on the
// full body first. The copy is the whole body, held in memory with no
// size bound during the stream; a body over the cache's MaxEachSize is
// rejected by Cache.Put only after the stream has finished, and the
// SHA-256 is computed by Put over the complete buffer.
func (h *Handler) forwardAndTee(w http.ResponseWriter, req *http.Request, resp *http.Response, uri string) {
	policy := cache.NewPolicy(req, resp)
	if !policy.Storable {
		_, _ = io.Copy(w, resp.Body)
		return
	}

	var buf bytes.Buffer
	tee := io.TeeReader(resp.Body, &buf)
	_, copyErr := io.Copy(w, tee)
	if copyErr != nil {
		return
	}
	if err := h.Cache.Put(uri, resp.StatusCode, resp.Header, buf.Bytes(), policy); err != nil {
		log.Debug("failed to populate cache", zap.String("uri", uri), zap.Error(err))
	}
}

// buildForwardedRequest implements spec.md §4.7 step 8: header
// rewrite, upstream selection, option application, URI rewrite, and
// version adjustment, grounded on handler_main.rs's
// generate_request_forwarded.
func (h *Handler) buildForwardedRequest(req *http.Request, meta RequestMeta, candidates *backend.UpstreamCandidates, upgrade string) (*http.Request, *loadbalance.StickyCookie, error) {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""

	hasTETrailers := teTrailers(outReq.Header)

	// a. strip Connection-listed then hop-by-hop headers.
	removeConnectionHeader(outReq.Header)
	removeHopHeaders(outReq.Header)

	// b, c, e. forwarding headers (XFF w/ Forwarded-chain rebuild,
	// cookie single-lining, proto/port/real-ip/ssl/original-uri/proxy).
	addForwardingHeaders(outReq.Header, meta.ClientAddr, meta.ListenAddr, meta.TLSEnabled, req.URL.String())

	if hasTETrailers {
		outReq.Header.Set("Te", "trailers")
	}

	// d. Host missing -> set from URI authority (the parsed host).
	if outReq.Host == "" {
		outReq.Host = req.Host
	}
	if outReq.Host == "" {
		hostName, err := parseHost(req)
		if err == nil {
			outReq.Host = hostName
		}
	}

	// f. select upstream, taking out any sticky-affinity cookie first.
	inbound := takeoutStickyCookie(outReq.Header, stickyCookieNameOf(candidates))
	upstream, stickyCookie, ok := candidates.Select(inbound)
	if !ok {
		return nil, nil, newError(KindFailedToGenerateUpstreamRequest, nil)
	}

	// g. apply upstream options to headers (SetUpstreamHost,
	// UpgradeInsecureRequests, ForwardedHeader). Represent Host as a
	// header value during rewriting, then finalize onto outReq.Host.
	outReq.Header.Set("Host", outReq.Host)
	applyUpstreamOptionsToHeader(outReq.Header, candidates.Options, upstream.Authority)
	outReq.Host = outReq.Header.Get("Host")
	outReq.Header.Del("Host")

	// h. rewrite URI.
	if err := rewriteUpstreamURI(outReq, upstream, candidates); err != nil {
		return nil, nil, err
	}

	// i. Connection: upgrade.
	if upgrade != "" {
		outReq.Header.Set("Upgrade", upgrade)
		outReq.Header.Set("Connection", "upgrade")
	}

	// j. version adjustment, then force_httpNN_upstream overrides —
	// unless gRPC already locked the version, which always wins.
	if locked := adjustRequestVersion(outReq, upstream.Scheme); !locked {
		applyUpstreamOptionsToRequestLine(outReq, candidates.Options)
	}

	return outReq, stickyCookie, nil
}

func stickyCookieNameOf(candidates *backend.UpstreamCandidates) string {
	if sticky, ok := candidates.Policy.(*loadbalance.StickyRoundRobin); ok {
		name := sticky.Config.Name
		if name == "" {
			name = loadbalance.DefaultStickyCookieName
		}
		return strings.ToLower(name)
	}
	return ""
}

// handleUpgradeResponse implements spec.md §4.7 step 10's 101 branch:
// verify the Upgrade tokens match case-insensitively, then splice the
// hijacked client connection to resp.Body (which, for a 101 response,
// Go's http.Transport exposes as the raw io.ReadWriteCloser backend
// connection) with a bidirectional byte copy.
func (h *Handler) handleUpgradeResponse(w http.ResponseWriter, resp *http.Response, upgradeReq string) {
	upgradeResp := extractUpgrade(resp.Header)
	if upgradeReq == "" || !strings.EqualFold(upgradeReq, upgradeResp) {
		log.Debug("upgrade mismatch", zap.String("requested", upgradeReq), zap.String("accepted", upgradeResp))
		h.writeSynthetic(w, KindFailedToUpgrade, nil)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.writeSynthetic(w, KindFailedToUpgrade, nil)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		h.writeSynthetic(w, KindFailedToUpgrade, err)
		return
	}
	defer clientConn.Close()

	backendConn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		log.Debug("upstream response has no hijackable connection for upgrade")
		return
	}
	defer backendConn.Close()

	if err := resp.Write(clientBuf); err != nil {
		log.Debug("failed to write upgrade response line to client", zap.Error(err))
		return
	}
	if err := clientBuf.Flush(); err != nil {
		log.Debug("failed to flush upgrade response to client", zap.Error(err))
		return
	}

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(backendConn, clientBuf)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, backendConn)
		errc <- err
	}()
	<-errc
}
