//go:build !windows

package rendezvous

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl lets the hole-punch dial and the hole-punch accept
// listener share the same local port, which is the entire trick behind NAT
// punching: the NAT only ever sees one local port leave the machine.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			// SO_REUSEPORT is Linux/BSD/macOS; ignore ENOPROTOOPT-style failures
			// on platforms without it, SO_REUSEADDR above is still sufficient
			// for the dial-then-listen sequence we use.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
