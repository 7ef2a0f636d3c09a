package h3listener

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// gateState is allocated once per QUIC connection (http3.Server's
// ConnContext callback runs once per accepted connection) and threads
// the connection handle plus its live-stream counter through every
// request context derived from it, implementing spec.md §4.9 step 4:
// "Shared per-connection counter: if streams > max_clients, shut down
// the connection with error 0."
type gateState struct {
	conn    *quic.Conn
	streams atomic.Int64
}

type gateStateKey struct{}

func withGateConn(ctx context.Context, c *quic.Conn) context.Context {
	return context.WithValue(ctx, gateStateKey{}, &gateState{conn: c})
}

func gateStateFrom(ctx context.Context) *gateState {
	gs, _ := ctx.Value(gateStateKey{}).(*gateState)
	return gs
}

// connGate wraps the per-request handler with the max_clients gate
// described above; its CloseWithError(0, ...) mirrors h3's
// h3_conn.shutdown(0) in proxy_h3.rs.
type connGate struct {
	next       http.Handler
	maxClients int64
}

func newConnGate(next http.Handler, maxClients int64) http.Handler {
	return &connGate{next: next, maxClients: maxClients}
}

func (g *connGate) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	gs := gateStateFrom(req.Context())
	if gs == nil {
		g.next.ServeHTTP(w, req)
		return
	}
	if gs.streams.Add(1) > g.maxClients {
		gs.streams.Add(-1)
		if gs.conn != nil {
			_ = gs.conn.CloseWithError(0, "max_clients exceeded")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer gs.streams.Add(-1)
	g.next.ServeHTTP(w, req)
}

// remoteAddr recovers a net.Addr from req.RemoteAddr for the handler's
// RequestMeta (QUIC connections don't expose req.RemoteAddr as a
// net.Addr directly, only its string form).
func remoteAddr(req *http.Request) net.Addr {
	host, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return stringAddr(req.RemoteAddr)
	}
	return &net.UDPAddr{IP: net.ParseIP(host), Port: atoiOr(port)}
}

type stringAddr string

func (a stringAddr) Network() string { return "udp" }
func (a stringAddr) String() string  { return string(a) }

func atoiOr(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
