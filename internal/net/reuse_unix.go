//go:build unix

package net

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets an outgoing socket bind a local port that still has connections in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
