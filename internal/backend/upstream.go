// Package backend implements the server-name-to-application registry
// and per-application path router of spec.md §4.3 — C3, "Backend
// registry" in the system overview.
//
// Grounded on original_source/rpxy-lib/src/backend/{backend_main,upstream,upstream_opts}.rs
// and on caddyserver/caddy's reverseproxy upstream pool
// (modules/caddyhttp/reverseproxy/upstreams_test.go documents the
// expected Select/host-header behaviors this package feeds into
// internal/handler).
package backend

import (
	"fmt"
	"net/url"

	"github.com/rpxy-go/rpxy/internal/loadbalance"
	"github.com/rpxy-go/rpxy/internal/namekey"
)

// Upstream is a single backend destination: an absolute URI with
// scheme and authority, carrying no path component (the path is
// supplied per-request by the incoming request plus the route's
// ReplacePath rewriting). Grounded on Upstream in upstream.rs.
type Upstream struct {
	// Scheme is "http" or "https".
	Scheme string
	// Authority is host[:port].
	Authority string
}

// String renders the upstream as "scheme://authority", the exact
// form UpstreamID hashes (matching Upstream::calculate_id_with_index's
// use of the URI's Display implementation).
func (u Upstream) String() string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.Authority)
}

// ParseUpstream validates that raw is an absolute URI with scheme and
// authority only — no path, query, or fragment — per spec.md §3
// "each an absolute URI with scheme+authority, no path".
func ParseUpstream(raw string) (Upstream, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, fmt.Errorf("backend: invalid upstream URI %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Upstream{}, fmt.Errorf("backend: upstream URI %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return Upstream{}, fmt.Errorf("backend: upstream URI %q has no authority", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return Upstream{}, fmt.Errorf("backend: upstream URI %q must not carry a path", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return Upstream{}, fmt.Errorf("backend: upstream URI %q must not carry a query or fragment", raw)
	}
	return Upstream{Scheme: parsed.Scheme, Authority: parsed.Host}, nil
}

// Option is one of the upstream-forwarding toggles spec.md §3 lists.
type Option string

// The full option set an OptionSet is drawn from (spec.md §3).
const (
	OptKeepOriginalHost        Option = "keep_original_host"
	OptSetUpstreamHost         Option = "set_upstream_host"
	OptUpgradeInsecureRequests Option = "upgrade_insecure_requests"
	OptForceHTTP11Upstream     Option = "force_http11_upstream"
	OptForceHTTP2Upstream      Option = "force_http2_upstream"
	OptForwardedHeader         Option = "forwarded_header"
)

// ParseOption validates a raw option string, mirroring
// UpstreamOption::try_from in upstream_opts.rs.
func ParseOption(raw string) (Option, error) {
	switch Option(raw) {
	case OptKeepOriginalHost, OptSetUpstreamHost, OptUpgradeInsecureRequests,
		OptForceHTTP11Upstream, OptForceHTTP2Upstream, OptForwardedHeader:
		return Option(raw), nil
	default:
		return "", fmt.Errorf("backend: unsupported upstream option %q", raw)
	}
}

// OptionSet is the activated-option set attached to one
// UpstreamCandidates (spec.md §3).
type OptionSet map[Option]struct{}

// NewOptionSet builds an OptionSet from raw option strings, silently
// dropping any that fail to parse (matching upstream.rs's
// filter_map(...).collect()).
func NewOptionSet(raw []string) OptionSet {
	set := make(OptionSet, len(raw))
	for _, r := range raw {
		if opt, err := ParseOption(r); err == nil {
			set[opt] = struct{}{}
		}
	}
	return set
}

// Has reports whether opt is activated.
func (s OptionSet) Has(opt Option) bool {
	_, ok := s[opt]
	return ok
}

// UpstreamCandidates is one reverse-proxy route: the path prefix it is
// mounted on, the ordered upstream pool, an optional path-replacement
// prefix, a load-balance policy, and the activated forwarding options
// (spec.md §3).
type UpstreamCandidates struct {
	Path        namekey.PathName
	ReplacePath *namekey.PathName
	Upstreams   []Upstream
	Policy      loadbalance.Policy
	Options     OptionSet
}

// Select picks an upstream for this candidate set given the inbound
// sticky-cookie context, delegating to the configured load-balance
// Policy (spec.md §4.4).
func (c *UpstreamCandidates) Select(inbound loadbalance.Context) (Upstream, *loadbalance.StickyCookie, bool) {
	if len(c.Upstreams) == 0 {
		return Upstream{}, nil, false
	}
	idx, cookie := c.Policy.Select(len(c.Upstreams), inbound)
	if idx < 0 || idx >= len(c.Upstreams) {
		return Upstream{}, nil, false
	}
	return c.Upstreams[idx], cookie, true
}
