//go:build unix

package netutil

import (
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// reuseControl returns a net.ListenConfig.Control function that sets
// SO_REUSEADDR and SO_REUSEPORT on the socket before bind(2). The
// backlog argument is ignored: the listen(2) call, and its backlog,
// are issued by the runtime's net.ListenConfig, not here.
func reuseControl(_ int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				log.Error("setting SO_REUSEADDR", zap.String("network", network), zap.String("address", address), zap.Error(err))
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				log.Error("setting SO_REUSEPORT", zap.String("network", network), zap.String("address", address), zap.Error(err))
			}
		})
		if err != nil {
			ctrlErr = err
		}
		return ctrlErr
	}
}
