//go:build linux

package gateway

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// deferAccept asks the kernel to hold accepted connections until the client
// has sent data. Only used for WebSocket forwards, where the client speaks
// first; VNC servers speak first on raw forwards.
func deferAccept(seconds int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, seconds)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
