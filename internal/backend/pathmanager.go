package backend

import (
	"fmt"
	"time"

	"github.com/rpxy-go/rpxy/internal/loadbalance"
	"github.com/rpxy-go/rpxy/internal/namekey"
)

// RouteConfig is the external (config-layer) description of one
// reverse-proxy entry, the input PathManager is built from — the Go
// analogue of a single element of AppConfig.reverse_proxy in
// backend_main.rs / upstream.rs.
type RouteConfig struct {
	// Path is the prefix this route is mounted on; empty means "/".
	Path string
	// ReplacePath, if non-empty, replaces Path in the forwarded
	// request's URI.
	ReplacePath string
	// Upstreams are the raw upstream URIs, in candidate order.
	Upstreams []string
	// LoadBalance names the policy: "", "fix_to_first", "random",
	// "round_robin", or "sticky_round_robin".
	LoadBalance string
	// StickyCookieName/StickyDuration configure StickyRoundRobin;
	// ignored for other policies. The cookie's domain is the app's
	// server name and its path is this route's prefix.
	StickyCookieName string
	StickyDuration   int64 // seconds; defaults to 300 if zero and policy is sticky.
	// Options are raw upstream option strings.
	Options []string
}

// PathManager resolves an incoming request path to its
// UpstreamCandidates by longest matching prefix (spec.md §3/§4.3).
type PathManager struct {
	byPrefix map[string]*UpstreamCandidates
}

// NewPathManager builds a PathManager from routes, matching
// PathManager::try_from in upstream.rs: missing path defaults to "/",
// at most one route may omit an explicit path, and duplicate prefixes
// are a construction error.
func NewPathManager(serverName string, routes []RouteConfig) (*PathManager, error) {
	pm := &PathManager{byPrefix: make(map[string]*UpstreamCandidates, len(routes))}

	defaultCount := 0
	for _, r := range routes {
		if r.Path == "" {
			defaultCount++
		}
	}
	if defaultCount >= 2 {
		return nil, fmt.Errorf("backend: %s: multiple default reverse proxy routes (empty path)", serverName)
	}

	for _, r := range routes {
		pathStr := r.Path
		if pathStr == "" {
			pathStr = "/"
		}
		pathName := namekey.NewPathName(pathStr)
		if _, exists := pm.byPrefix[pathName.String()]; exists {
			return nil, fmt.Errorf("backend: %s: duplicate reverse proxy path prefix %q", serverName, pathStr)
		}

		upstreams := make([]Upstream, 0, len(r.Upstreams))
		uris := make([]string, 0, len(r.Upstreams))
		for _, raw := range r.Upstreams {
			u, err := ParseUpstream(raw)
			if err != nil {
				return nil, err
			}
			upstreams = append(upstreams, u)
			uris = append(uris, u.String())
		}

		opts := NewOptionSet(r.Options)
		if opts.Has(OptForceHTTP11Upstream) && opts.Has(OptForceHTTP2Upstream) {
			return nil, fmt.Errorf("backend: %s: %q: force_http11_upstream and force_http2_upstream are mutually exclusive", serverName, pathStr)
		}

		policy, err := buildPolicy(r, uris, serverName, pathStr)
		if err != nil {
			return nil, err
		}

		var replacePath *namekey.PathName
		if r.ReplacePath != "" {
			rp := namekey.NewPathName(r.ReplacePath)
			replacePath = &rp
		}

		pm.byPrefix[pathName.String()] = &UpstreamCandidates{
			Path:        pathName,
			ReplacePath: replacePath,
			Upstreams:   upstreams,
			Policy:      policy,
			Options:     opts,
		}
	}

	return pm, nil
}

// Get returns the UpstreamCandidates whose prefix P satisfies path ==
// P or path[len(P)] == '/', the longest such P winning — spec.md
// §4.3 "Routing". A missing prefix is a miss.
func (pm *PathManager) Get(path string) (*UpstreamCandidates, bool) {
	reqPath := namekey.NewPathName(path)

	var best *UpstreamCandidates
	bestLen := -1
	for prefixStr, candidates := range pm.byPrefix {
		prefix := candidates.Path
		if !reqPath.StartsWith(prefix) {
			continue
		}
		boundaryOK := prefix.Len() == 1 // "/" always matches as default
		if !boundaryOK {
			if prefix.Len() == reqPath.Len() {
				boundaryOK = true // exact match
			} else if reqPath.Get(prefix.Len()) == '/' {
				boundaryOK = true // sub-path
			}
		}
		if !boundaryOK {
			continue
		}
		if len(prefixStr) > bestLen {
			best = candidates
			bestLen = len(prefixStr)
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// buildPolicy constructs the load-balance Policy named by
// r.LoadBalance, mirroring UpstreamCandidatesBuilder::load_balance in
// upstream.rs. An empty name defaults to FixToFirst
// (LoadBalance::default() in the original).
func buildPolicy(r RouteConfig, uris []string, serverName, path string) (loadbalance.Policy, error) {
	switch r.LoadBalance {
	case "fix_to_first", "":
		return loadbalance.FixToFirst{}, nil
	case "random":
		return loadbalance.Random{}, nil
	case "round_robin":
		return &loadbalance.RoundRobin{}, nil
	case "sticky_round_robin":
		duration := r.StickyDuration
		if duration <= 0 {
			duration = 300
		}
		cfg := loadbalance.StickyCookieConfig{
			Name:     r.StickyCookieName,
			Domain:   serverName,
			Path:     path,
			Duration: time.Duration(duration) * time.Second,
		}
		return loadbalance.NewStickyRoundRobin(uris, cfg), nil
	default:
		return nil, fmt.Errorf("backend: %s: %q: unrecognized load_balance policy %q", serverName, path, r.LoadBalance)
	}
}
