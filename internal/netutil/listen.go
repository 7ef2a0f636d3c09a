// Package netutil builds the TCP and UDP sockets the acceptor (C8) and
// the H3/QUIC listener (C9) bind to, with SO_REUSEADDR/SO_REUSEPORT,
// grounded on caddyserver/caddy's listen.go /
// listen_unix.go / listen_linux.go reuse-port control functions.
package netutil

import (
	"context"
	"fmt"
	"net"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
)

// DefaultBacklog is the value ListenTCP substitutes for a non-positive
// backlog argument (spec.md §6); see ListenTCP for how the backlog is
// used.
const DefaultBacklog = 1024

var log = caddyutil.Named("log.netutil")

// ListenTCP opens a TCP listener on addr with SO_REUSEADDR and
// SO_REUSEPORT set. The backlog argument (0 means DefaultBacklog) is
// passed to reuseControl, which does not apply it: the listen(2)
// backlog is the one Go's net package chooses itself.
func ListenTCP(ctx context.Context, addr string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	cfg := net.ListenConfig{Control: reuseControl(backlog)}
	ln, err := cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// ListenUDP opens a UDP socket on addr with SO_REUSEADDR and
// SO_REUSEPORT set, non-blocking, for the QUIC endpoint (C9).
func ListenUDP(ctx context.Context, addr string) (net.PacketConn, error) {
	cfg := net.ListenConfig{Control: reuseControl(0)}
	pc, err := cfg.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen udp %s: %w", addr, err)
	}
	return pc, nil
}
