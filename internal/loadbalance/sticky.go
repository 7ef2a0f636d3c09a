package loadbalance

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync/atomic"
)

// UpstreamID computes the collision-resistant sticky id for an
// upstream at a given candidate index: base64url (no padding) of
// SHA-256("<uri>&index=<index>"). Grounded on
// Upstream::calculate_id_with_index in
// original_source/rpxy-lib/src/backend/upstream.rs. The index is
// folded into the hash so that two upstreams sharing a URI (legal,
// e.g. the same backend listed twice for extra weight) still resolve
// to distinct ids.
func UpstreamID(uri string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s&index=%d", uri, index)))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// StickyRoundRobin is round-robin selection augmented with session
// affinity: a request presenting a valid, known sticky id is routed
// back to that same upstream; only requests with no cookie or an
// unrecognized one advance the round-robin pointer. Grounded on
// LoadBalanceSticky in
// original_source/rpxy-lib/src/backend/load_balance/load_balance_sticky.rs.
type StickyRoundRobin struct {
	Config StickyCookieConfig

	counter atomic.Uint64
	// ids is the index->id map computed once at construction time,
	// fixed for the lifetime of the policy (the upstream set is
	// immutable within one BackendApp generation).
	ids  []string
	byID map[string]int
}

// NewStickyRoundRobin builds a StickyRoundRobin over the given
// upstream URIs, in candidate order. cfg.Name defaults to
// DefaultStickyCookieName and cfg.Path to "/" if left empty (see
// StickyCookieConfig.Build).
func NewStickyRoundRobin(upstreamURIs []string, cfg StickyCookieConfig) *StickyRoundRobin {
	ids := make([]string, len(upstreamURIs))
	byID := make(map[string]int, len(upstreamURIs))
	for i, uri := range upstreamURIs {
		id := UpstreamID(uri, i)
		ids[i] = id
		byID[id] = i
	}
	return &StickyRoundRobin{Config: cfg, ids: ids, byID: byID}
}

// Select implements Policy. A valid inbound sticky id short-circuits
// straight to its upstream index without touching the round-robin
// counter; everything else falls back to the plain round-robin
// sequence, per get_ptr in load_balance_sticky.rs.
func (s *StickyRoundRobin) Select(n int, inbound Context) (int, *StickyCookie) {
	var index int
	if inbound.InboundID != "" {
		if idx, ok := s.byID[inbound.InboundID]; ok && idx < n {
			index = idx
			cookie := s.Config.Build(s.idFor(index, n))
			return index, &cookie
		}
	}
	index = s.next(n)
	cookie := s.Config.Build(s.idFor(index, n))
	return index, &cookie
}

// idFor returns the precomputed id for index, recomputing it on the
// fly if the pool has since grown beyond what was precomputed at
// construction time (defensive: the pool is expected to be static).
func (s *StickyRoundRobin) idFor(index, n int) string {
	if index < len(s.ids) {
		return s.ids[index]
	}
	return UpstreamID(fmt.Sprintf("upstream-%d", index), index)
}

// next implements the identical relaxed-atomic counter semantics as
// RoundRobin.next.
func (s *StickyRoundRobin) next(n int) int {
	if n <= 0 {
		return 0
	}
	c := s.counter.Load()
	if c < uint64(n-1) {
		prior := s.counter.Add(1) - 1
		return int(prior % uint64(n))
	}
	prior := s.counter.Swap(0)
	return int(prior % uint64(n))
}
