// Package reqcount provides the connection counter gating max_clients
// for the TCP acceptor (C8); the H3 listener (C9) gates streams with
// its own per-connection counter instead. Grounded on original_source/rpxy-lib/src/count.rs's
// RequestCount: an increment-on-accept, decrement-on-completion atomic
// counter whose post-increment value is compared against max_clients
// (spec.md §5 "Request count: atomic counter incremented on accept,
// decremented on completion; max_clients check uses the
// post-increment value and, if over, decrements and rejects").
package reqcount

import "sync/atomic"

// Counter is safe for concurrent use by multiple goroutines.
type Counter struct {
	v atomic.Int64
}

// Current returns the live count.
func (c *Counter) Current() int64 { return c.v.Load() }

// Increment bumps the counter and returns the value after the
// increment.
func (c *Counter) Increment() int64 { return c.v.Add(1) }

// Decrement drops the counter by one, never below zero, mirroring the
// compare-and-swap retry loop in RequestCount::decrement.
func (c *Counter) Decrement() int64 {
	for {
		cur := c.v.Load()
		if cur <= 0 {
			return 0
		}
		if c.v.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
