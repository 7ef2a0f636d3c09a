// Package loadbalance implements the four LoadBalance variants of
// spec.md §3/§4.4 — FixToFirst, Random, RoundRobin, StickyRoundRobin —
// and the sticky-cookie serialization they share.
//
// Grounded on caddyserver/caddy's reverseproxy selection policies
// (modules/caddyhttp/reverseproxy/selectionpolicies_test.go:
// RoundRobinSelection's atomic counter, CookieHashSelection's
// set-cookie-on-miss behavior) and on
// original_source/rpxy-lib/src/backend/load_balance/*.rs for the exact
// SHA-256-derived sticky id spec.md §4.4/§9 requires.
package loadbalance

import (
	weakrand "math/rand"
	"sync/atomic"
)

// Context carries sticky-session state across a request/response
// pair: an incoming sticky cookie value on the request, or a fully
// populated StickyCookie on the response (spec.md §3
// "LoadBalanceContext").
type Context struct {
	// InboundID is the sticky id read off the incoming request's
	// cookie header, if any.
	InboundID string
}

// Policy selects an upstream index out of N candidates, and may emit
// an outbound StickyCookie to attach to the response.
type Policy interface {
	// Select returns the chosen index and, if non-nil, a sticky
	// cookie that must be attached to the response.
	Select(n int, inbound Context) (index int, outbound *StickyCookie)
}

// FixToFirst always selects index 0.
type FixToFirst struct{}

// Select implements Policy.
func (FixToFirst) Select(int, Context) (int, *StickyCookie) { return 0, nil }

// Random selects uniformly in [0, n).
type Random struct{}

// Select implements Policy.
func (Random) Select(n int, _ Context) (int, *StickyCookie) {
	if n <= 1 {
		return 0, nil
	}
	//nolint:gosec // load-balancing index choice, not a security decision
	return weakrand.Intn(n), nil
}

// RoundRobin distributes requests via a monotonic counter taken
// modulo N with relaxed-atomic semantics: thread-safe under
// parallelism with monotonic fairness, but not strict round-robin
// under contention between the read and the reset (spec.md §4.4,
// §5 "Round-robin counters").
type RoundRobin struct {
	counter atomic.Uint64
}

// Select implements Policy.
func (r *RoundRobin) Select(n int, _ Context) (int, *StickyCookie) {
	return r.next(n), nil
}

// next implements the exact counter semantics spec.md §4.4 specifies:
// "let c = atomic relaxed load; if c < N-1 fetch-add 1 returning prior
// value; else fetch-and 0 returning prior value".
func (r *RoundRobin) next(n int) int {
	if n <= 0 {
		return 0
	}
	c := r.counter.Load()
	if c < uint64(n-1) {
		prior := r.counter.Add(1) - 1
		return int(prior % uint64(n))
	}
	prior := r.counter.Swap(0)
	return int(prior % uint64(n))
}
