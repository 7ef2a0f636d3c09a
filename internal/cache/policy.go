// Package cache implements the RFC 7234 response cache of spec.md
// §4.6 — C6 — with hybrid memory/disk storage keyed by request URI
// and SHA-256 body integrity.
//
// Grounded on original_source/rpxy-lib/src/forwarder/cache/cache_main.rs
// for the exact memory-vs-file threshold and SHA-256 hash verification.
// File bodies are read whole and then hashed on a hit, not streamed;
// the file of an entry the LRU evicts on Add is not deleted at eviction
// time but by a later Cache.Sweep. Cacheability-header
// parsing follows the rules gregjones/httpcache applies internally
// (other_examples' forwardcache.go wraps it), reimplemented directly
// against stdlib net/http since spec.md's split architecture (compute
// policy once, store independently of the forward) doesn't fit that
// library's RoundTripper-only surface.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy is the cacheability + freshness verdict for one
// request/response pair, computed once when the response is first
// received (spec.md §4.6 "compute a cache policy from (request,
// response) using RFC 7234 semantics; store only if the policy
// reports storable").
type Policy struct {
	Storable  bool
	reqMethod string
	noCache   bool
	maxAge    time.Duration
	expires   time.Time
	hasExpiry bool
	date      time.Time
	vary      []string
	varyVals  map[string]string
}

// NewPolicy computes a Policy from the request that produced resp and
// resp itself.
func NewPolicy(req *http.Request, resp *http.Response) Policy {
	p := Policy{reqMethod: req.Method}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return p // not storable
	}

	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	reqCC := parseCacheControl(req.Header.Get("Cache-Control"))

	if _, ok := cc["no-store"]; ok {
		return p
	}
	if _, ok := reqCC["no-store"]; ok {
		return p
	}
	if hasAuth := req.Header.Get("Authorization") != ""; hasAuth {
		if _, public := cc["public"]; !public {
			if _, mustRevalidate := cc["must-revalidate"]; !mustRevalidate {
				return p
			}
		}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusNotFound,
		http.StatusMethodNotAllowed, http.StatusGone, http.StatusRequestURITooLong,
		http.StatusNotImplemented:
		// cacheable-by-default statuses per RFC 7231 §6.1, unless
		// explicitly forbidden above.
	default:
		return p
	}

	if _, ok := cc["no-cache"]; ok {
		p.noCache = true
	}

	if maxAgeStr, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(maxAgeStr); err == nil {
			p.maxAge = time.Duration(secs) * time.Second
			p.hasExpiry = true
		}
	} else if expiresHdr := resp.Header.Get("Expires"); expiresHdr != "" {
		if t, err := http.ParseTime(expiresHdr); err == nil {
			p.expires = t
			p.hasExpiry = true
		}
	}

	if dateHdr := resp.Header.Get("Date"); dateHdr != "" {
		if t, err := http.ParseTime(dateHdr); err == nil {
			p.date = t
		}
	}
	if p.date.IsZero() {
		p.date = time.Now()
	}

	if varyHdr := resp.Header.Values("Vary"); len(varyHdr) > 0 {
		for _, v := range varyHdr {
			for _, field := range strings.Split(v, ",") {
				p.vary = append(p.vary, strings.TrimSpace(field))
			}
		}
		p.varyVals = make(map[string]string, len(p.vary))
		for _, field := range p.vary {
			if field == "*" {
				// "*" means never a match; leave varyVals empty so
				// Fresh() always fails the vary check below.
				continue
			}
			p.varyVals[field] = req.Header.Get(field)
		}
	}

	if !p.hasExpiry && !p.noCache {
		// Without explicit freshness information the response is
		// treated as storable-but-immediately-stale: it is stored, but
		// Fresh() never reports it fresh (no heuristic freshness and no
		// conditional-request/ETag revalidation is implemented), so the
		// next Get evicts it.
		p.Storable = true
		return p
	}

	p.Storable = true
	return p
}

// Fresh reports whether the cached response still satisfies req —
// the method must match, any Vary'd request headers must match the
// values recorded at store time, and the response must not have
// exceeded its max-age/Expires (spec.md §4.6 "Get").
func (p Policy) Fresh(req *http.Request) bool {
	if !p.Storable || p.noCache {
		return false
	}
	if req.Method != p.reqMethod {
		return false
	}
	for field, want := range p.varyVals {
		if req.Header.Get(field) != want {
			return false
		}
	}
	if !p.hasExpiry {
		return false
	}
	if !p.expires.IsZero() {
		return time.Now().Before(p.expires)
	}
	return time.Now().Before(p.date.Add(p.maxAge))
}

func parseCacheControl(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		if idx := strings.IndexByte(directive, '='); idx >= 0 {
			key := strings.ToLower(strings.TrimSpace(directive[:idx]))
			val := strings.Trim(strings.TrimSpace(directive[idx+1:]), `"`)
			out[key] = val
		} else {
			out[strings.ToLower(directive)] = ""
		}
	}
	return out
}
