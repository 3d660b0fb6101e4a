// Package socket owns listener creation and per-connection TCP tuning.
// The listener is always created with SO_REUSEADDR; everything else
// (TCP_NODELAY, buffer sizes, keepalive) is policy the embedding
// application applies from its connection setup hook.
package socket

import (
	"context"
	"net"
	"time"
)

// Config selects per-connection socket options. Zero values mean "leave the
// system default alone".
type Config struct {
	// TCP_NODELAY. HTTP request/response traffic wants Nagle off.
	NoDelay bool

	// SO_RCVBUF / SO_SNDBUF in bytes.
	RecvBuffer int
	SendBuffer int

	// SO_KEEPALIVE, with the interval handed to the kernel.
	KeepAlive         bool
	KeepAliveInterval time.Duration

	// TCP_QUICKACK (Linux only): immediate ACKs instead of the delayed
	// ACK timer.
	QuickAck bool

	// TCP_DEFER_ACCEPT (Linux only, listener option): don't wake the
	// accepting thread until request data has arrived.
	DeferAccept bool
}

// DefaultConfig is the recommended tuning for request/response HTTP
// traffic.
func DefaultConfig() *Config {
	return &Config{
		NoDelay:           true,
		KeepAlive:         true,
		KeepAliveInterval: 30 * time.Second,
		QuickAck:          true,
	}
}

// Listen creates the server's TCP listener with SO_REUSEADDR set, so a
// restarted server can rebind its port while old connections linger in
// TIME_WAIT.
func Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Apply sets the per-connection options from cfg on conn. Non-TCP
// connections (as handed out by net.Pipe in tests, or a setup hook's
// wrapper) are left untouched. Only TCP_NODELAY failures are reported;
// the rest are best-effort.
func Apply(conn net.Conn, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if cfg.NoDelay {
		if err := tc.SetNoDelay(true); err != nil {
			return err
		}
	}
	if cfg.RecvBuffer > 0 {
		_ = tc.SetReadBuffer(cfg.RecvBuffer)
	}
	if cfg.SendBuffer > 0 {
		_ = tc.SetWriteBuffer(cfg.SendBuffer)
	}
	if cfg.KeepAlive {
		_ = tc.SetKeepAlive(true)
		if cfg.KeepAliveInterval > 0 {
			_ = tc.SetKeepAlivePeriod(cfg.KeepAliveInterval)
		}
	}

	applyPlatform(tc, cfg)
	return nil
}

// ApplyListener sets listener-side options (TCP_DEFER_ACCEPT on Linux).
// Must be called before the first Accept.
func ApplyListener(ln net.Listener, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil
	}
	return applyListenerPlatform(tl, cfg)
}
