//go:build !unix

package reconnect

import "syscall"

func dialControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
