//go:build linux

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

// applyPlatform sets the Linux-only per-connection options.
func applyPlatform(tc *net.TCPConn, cfg *Config) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if cfg.QuickAck {
			// Not sticky: the kernel clears it after some ACKs. Setting
			// it once at accept still trims the first-response latency.
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
		}
	})
}

// applyListenerPlatform sets TCP_DEFER_ACCEPT so the accepting thread only
// wakes once request bytes are queued.
func applyListenerPlatform(tl *net.TCPListener, cfg *Config) error {
	if !cfg.DeferAccept {
		return nil
	}
	raw, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
