package handler

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rpxy-go/rpxy/internal/backend"
)

// parseHost extracts the request's target host, lowercased and with
// any IPv6 brackets and port stripped, following utils_request.rs's
// ParseHost: the URI's own host (set on proxy-form / :authority
// requests) takes priority; otherwise the Host header is parsed,
// handling a bracketed IPv6 literal and the unbracketed-IPv6
// heuristic (more than one colon means an unbracketed IPv6 address
// with no port, returned whole; exactly one colon means host:port).
func parseHost(req *http.Request) (string, error) {
	if h := req.URL.Host; h != "" {
		return stripPort(h)
	}
	if req.Host != "" {
		return stripPort(req.Host)
	}
	return "", newError(KindNoHostInRequest, nil)
}

func stripPort(hostport string) (string, error) {
	if strings.HasPrefix(hostport, "[") {
		host, _, err := net.SplitHostPort(hostport)
		if err != nil {
			// no port present; strip the brackets directly
			if strings.HasSuffix(hostport, "]") {
				return strings.ToLower(hostport[1 : len(hostport)-1]), nil
			}
			return "", newError(KindInvalidHostInRequest, err)
		}
		return strings.ToLower(host), nil
	}
	if strings.Count(hostport, ":") > 1 {
		// Unbracketed IPv6 literal, no port.
		return strings.ToLower(hostport), nil
	}
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 {
		return strings.ToLower(hostport[:idx]), nil
	}
	return strings.ToLower(hostport), nil
}

// checkHostConsistency requires that a Host header present alongside
// an absolute-form request URI names the same host, per spec.md §4.7
// step 2 "Mismatch between URI host and Host header ⇒ InvalidHost".
func checkHostConsistency(req *http.Request) error {
	if req.URL.Host == "" || req.Host == "" {
		return nil
	}
	uriHost, err := stripPort(req.URL.Host)
	if err != nil {
		return err
	}
	hostHeaderHost, err := stripPort(req.Host)
	if err != nil {
		return err
	}
	if uriHost != hostHeaderHost {
		return newError(KindInvalidHostInRequest, fmt.Errorf("uri host %q != Host header %q", uriHost, hostHeaderHost))
	}
	return nil
}

// applyUpstreamOptionsToRequestLine mirrors
// apply_upstream_options_to_request_line in utils_request.rs:
// force_http11_upstream / force_http2_upstream override whatever
// version adjustment step 8.j already computed.
func applyUpstreamOptionsToRequestLine(req *http.Request, opts backend.OptionSet) {
	switch {
	case opts.Has(backend.OptForceHTTP11Upstream):
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.1", 1, 1
	case opts.Has(backend.OptForceHTTP2Upstream):
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2.0", 2, 0
	}
}

// adjustRequestVersion implements spec.md §4.7 step 8.j's default
// version policy before upstream-option overrides are applied: HTTP
// upstream ⇒ HTTP/1.1; HTTP/3 inbound ⇒ HTTP/2 (no H3-to-upstream
// support); a gRPC content type forces HTTP/2, matching the Rust
// original's workaround comment in handler_main.rs plus spec.md's
// added gRPC rule.
//
// It reports whether the version is now locked: update_request_line
// in utils_request.rs returns immediately after setting HTTP/2 for
// gRPC, so force_http11_upstream/force_http2_upstream are never
// consulted for a gRPC request — gRPC always wins. The caller must
// skip applyUpstreamOptionsToRequestLine when locked is true.
func adjustRequestVersion(req *http.Request, upstreamScheme string) (locked bool) {
	if req.ProtoMajor == 3 {
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2.0", 2, 0
	}
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/grpc") {
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2.0", 2, 0
		return true
	}
	if req.ProtoMajor != 1 && upstreamScheme == "http" {
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.1", 1, 1
	}
	return false
}

// rewriteUpstreamURI rebuilds req.URL to target the chosen upstream,
// applying the route's replace_path substitution if configured
// (spec.md §4.7 step 8.h).
func rewriteUpstreamURI(req *http.Request, upstream backend.Upstream, candidates *backend.UpstreamCandidates) error {
	origPath := req.URL.Path
	newPath := origPath

	if candidates.ReplacePath != nil {
		matched := candidates.Path.String()
		if len(origPath) < len(matched) {
			return newError(KindFailedToGenerateUpstreamRequest, fmt.Errorf("request path %q shorter than matched prefix %q", origPath, matched))
		}
		replacement := candidates.ReplacePath.String()
		suffix := origPath[len(matched):]
		if strings.HasSuffix(replacement, "/") && strings.HasPrefix(suffix, "/") {
			replacement = strings.TrimSuffix(replacement, "/")
		}
		newPath = replacement + suffix
		if newPath == "" {
			newPath = "/"
		}
	}

	req.URL.Scheme = upstream.Scheme
	req.URL.Host = upstream.Authority
	req.URL.Path = newPath
	return nil
}

// teTrailers reports whether the request's TE header lists "trailers",
// which must be preserved verbatim across the hop-header strip
// (handler_main.rs "Add te: trailer if contained in original request").
func teTrailers(h http.Header) bool {
	for _, field := range strings.FieldsFunc(h.Get("Te"), func(r rune) bool { return r == ',' || r == ' ' }) {
		if strings.EqualFold(field, "trailers") {
			return true
		}
	}
	return false
}
