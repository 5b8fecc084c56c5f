//go:build windows

package rendezvous

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reusePortControl mirrors reuseport_unix.go's SO_REUSEADDR trick using the
// Winsock equivalent option.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
