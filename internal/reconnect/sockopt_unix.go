//go:build unix

package reconnect

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dialControl sets SO_REUSEADDR on every outbound socket.
func dialControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
