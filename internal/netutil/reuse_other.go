//go:build !unix

package netutil

import "syscall"

// reuseControl is a no-op outside unix-like platforms, which don't
// support SO_REUSEPORT in the same way.
func reuseControl(_ int) func(network, address string, c syscall.RawConn) error {
	return nil
}
