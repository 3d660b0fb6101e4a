//go:build !linux && !darwin

package socket

import (
	"net"
	"syscall"
)

func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}

func applyPlatform(tc *net.TCPConn, cfg *Config) {}

func applyListenerPlatform(tl *net.TCPListener, cfg *Config) error {
	return nil
}
