package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/rpxy-go/rpxy/internal/backend"
	"github.com/rpxy-go/rpxy/internal/loadbalance"
)

// hopHeaders lists the headers stripped in both directions
// (spec.md §6 "Hop-by-hop headers stripped"), grounded on
// utils_headers.rs's HOP_HEADERS constant.
var hopHeaders = []string{
	"Connection",
	"Te",
	"Trailer",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Transfer-Encoding",
	"Upgrade",
}

// removeConnectionHeader deletes every header named in the peer's
// Connection header, then the Connection header itself is removed by
// removeHopHeaders (utils_headers.rs's remove_connection_header).
func removeConnectionHeader(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				h.Del(name)
			}
		}
	}
}

// removeHopHeaders strips the fixed hop-by-hop set.
func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// extractUpgrade returns the Upgrade header's value if Connection
// lists "upgrade" (case-insensitively), else "".
func extractUpgrade(h http.Header) string {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "Upgrade") {
				return h.Get("Upgrade")
			}
		}
	}
	return ""
}

// makeCookieSingleLine coalesces every Cookie header line into one,
// joined by "; " (utils_headers.rs's make_cookie_single_line). HTTP/2
// may legally carry multiple Cookie header fields; HTTP/1.1 does not,
// so downstream forwarding always normalizes to a single line.
func makeCookieSingleLine(h http.Header) {
	values := h.Values("Cookie")
	if len(values) == 0 {
		return
	}
	joined := strings.Join(values, "; ")
	h.Del("Cookie")
	if joined != "" {
		h.Set("Cookie", joined)
	}
}

// addForwardingHeaders applies the fixed rewrite rules of spec.md §6's
// request-header table (X-Forwarded-For/Proto/Port, X-Real-IP,
// X-Forwarded-Ssl, X-Original-URI, Proxy), grounded on
// utils_headers.rs's add_forwarding_header.
func addForwardingHeaders(h http.Header, clientAddr, listenAddr net.Addr, tlsEnabled bool, originalURI string) {
	clientIP := canonicalIP(clientAddr)

	// If the incoming request already carried a Forwarded header,
	// rebuild X-Forwarded-For from its "for=" chain first so the two
	// headers stay consistent (spec.md §4.7 step 8.b).
	if chain := xffFromForwarded(h); chain != "" {
		h.Set("X-Forwarded-For", chain)
	}
	appendWithComma(h, "X-Forwarded-For", clientIP)

	makeCookieSingleLine(h)

	if h.Get("X-Forwarded-Proto") == "" {
		if tlsEnabled {
			h.Set("X-Forwarded-Proto", "https")
		} else {
			h.Set("X-Forwarded-Proto", "http")
		}
	}
	if h.Get("X-Forwarded-Port") == "" {
		h.Set("X-Forwarded-Port", listenPort(listenAddr))
	}

	h.Set("X-Real-IP", clientIP)
	if tlsEnabled {
		h.Set("X-Forwarded-Ssl", "on")
	} else {
		h.Set("X-Forwarded-Ssl", "off")
	}
	h.Set("X-Original-URI", originalURI)
	h.Set("Proxy", "")
}

func appendWithComma(h http.Header, key, value string) {
	existing := h.Get(key)
	if existing == "" {
		h.Set(key, value)
		return
	}
	h.Set(key, existing+", "+value)
}

func canonicalIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

func listenPort(addr net.Addr) string {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

// xffFromForwarded extracts the "for=" tokens from a RFC 7239
// Forwarded header, in order, as a comma-joined X-Forwarded-For style
// chain with surrounding brackets/quotes stripped. Returns "" if no
// Forwarded header or no "for=" tokens are present.
func xffFromForwarded(h http.Header) string {
	values := h.Values("Forwarded")
	if len(values) == 0 {
		return ""
	}
	var fors []string
	for _, line := range values {
		for _, element := range strings.Split(line, ",") {
			for _, pair := range strings.Split(element, ";") {
				pair = strings.TrimSpace(pair)
				if !strings.HasPrefix(strings.ToLower(pair), "for=") {
					continue
				}
				v := pair[len("for="):]
				v = strings.Trim(v, `"`)
				v = strings.TrimPrefix(v, "[")
				v = strings.TrimSuffix(v, "]")
				if v != "" {
					fors = append(fors, v)
				}
			}
		}
	}
	return strings.Join(fors, ", ")
}

// rebuildForwardedFromXFF regenerates a RFC 7239 Forwarded header from
// the (already comma-appended) X-Forwarded-For chain plus Host, so it
// stays consistent with X-Forwarded-For (spec.md §4.7 step 8.g
// ForwardedHeader option).
func rebuildForwardedFromXFF(h http.Header) {
	xff := h.Get("X-Forwarded-For")
	if xff == "" {
		return
	}
	host := h.Get("Host")
	parts := strings.Split(xff, ",")
	entries := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		forEntry := "for=" + forwardedNode(p)
		if host != "" {
			forEntry += ";host=" + host
		}
		entries = append(entries, forEntry)
	}
	h.Set("Forwarded", strings.Join(entries, ", "))
}

// forwardedNode quotes a node identifier per RFC 7239 §4 when it is an
// IPv6 literal (must be bracketed and quoted).
func forwardedNode(ip string) string {
	if strings.Contains(ip, ":") {
		return `"[` + ip + `]"`
	}
	return ip
}

// takeoutStickyCookie removes the sticky-affinity cookie (if present)
// from the Cookie header before the request is forwarded upstream,
// returning it as inbound load-balancer context
// (utils_headers.rs's takeout_sticky_cookie_lb_context).
func takeoutStickyCookie(h http.Header, cookieName string) loadbalance.Context {
	raw := h.Get("Cookie")
	if raw == "" || cookieName == "" {
		return loadbalance.Context{}
	}
	parts := strings.Split(raw, ";")
	var sticky string
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if strings.HasPrefix(trimmed, cookieName) {
			sticky = trimmed
			continue
		}
		kept = append(kept, trimmed)
	}
	if sticky == "" {
		return loadbalance.Context{}
	}
	h.Set("Cookie", strings.Join(kept, "; "))

	value, err := loadbalance.ParseStickyCookieValue(sticky, cookieName)
	if err != nil {
		return loadbalance.Context{}
	}
	return loadbalance.Context{InboundID: value.Value}
}

// setStickyCookie appends or overwrites the sticky Set-Cookie header
// with cookie's serialization (utils_headers.rs's
// set_sticky_cookie_lb_context). Multiple existing Set-Cookie lines
// for other cookies are preserved.
func setStickyCookie(h http.Header, cookie loadbalance.StickyCookie) {
	newLine := cookie.String()
	existing := h.Values("Set-Cookie")
	replaced := false
	out := make([]string, 0, len(existing)+1)
	for _, line := range existing {
		if strings.HasPrefix(line, cookie.Value.Name) {
			out = append(out, newLine)
			replaced = true
		} else {
			out = append(out, line)
		}
	}
	if !replaced {
		out = append(out, newLine)
	}
	h.Del("Set-Cookie")
	for _, line := range out {
		h.Add("Set-Cookie", line)
	}
}

// applyUpstreamOptionsToHeader applies the header-affecting subset of
// backend.OptionSet: SetUpstreamHost (unless KeepOriginalHost) and
// UpgradeInsecureRequests (utils_headers.rs's
// apply_upstream_options_to_header, renamed OverrideHost ->
// SetUpstreamHost per spec.md's option set).
func applyUpstreamOptionsToHeader(h http.Header, opts backend.OptionSet, upstreamAuthority string) {
	if opts.Has(backend.OptSetUpstreamHost) && !opts.Has(backend.OptKeepOriginalHost) {
		h.Set("Host", upstreamAuthority)
	}
	if opts.Has(backend.OptUpgradeInsecureRequests) {
		if h.Get("Upgrade-Insecure-Requests") == "" {
			h.Set("Upgrade-Insecure-Requests", "1")
		}
	}
	if opts.Has(backend.OptForwardedHeader) || h.Get("Forwarded") != "" {
		rebuildForwardedFromXFF(h)
	}
}
