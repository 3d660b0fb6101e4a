//go:build darwin

package socket

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr sets SO_REUSEADDR on the listening socket before bind.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// applyPlatform: QuickAck and DeferAccept are Linux-only; nothing extra to
// do on Darwin beyond what the portable path already set.
func applyPlatform(tc *net.TCPConn, cfg *Config) {}

func applyListenerPlatform(tl *net.TCPListener, cfg *Config) error {
	return nil
}
