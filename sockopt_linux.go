//go:build linux

package ftcomm

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// socketControl returns a dialer/listener Control hook that sets
// TCP_USER_TIMEOUT, or nil when d is zero. Accepted sockets inherit the
// option from the listener.
func socketControl(d time.Duration) func(network, address string, c syscall.RawConn) error {
	if d <= 0 {
		return nil
	}
	ms := int(d / time.Millisecond)
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
