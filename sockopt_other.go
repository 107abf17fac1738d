//go:build !linux

package ftcomm

import (
	"log/slog"
	"syscall"
	"time"
)

func socketControl(d time.Duration) func(network, address string, c syscall.RawConn) error {
	if d > 0 {
		slog.Warn("TCP user timeout is only supported on linux, ignoring", "timeout", d)
	}
	return nil
}
