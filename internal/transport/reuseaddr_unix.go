//go:build unix

package transport

import "syscall"

// reuseAddr sets SO_REUSEADDR on the listening socket so a coordinator
// restarted immediately after a crash doesn't fail to bind while the old
// socket lingers in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
