package server

import "net"

// ConnectionSetupHook runs right after accept, before any bytes are read.
// It may replace the stream (wrapping, socket tuning via socket.Apply,
// deadlines) or drop the connection by returning false, which closes the
// socket immediately without a response.
type ConnectionSetupHook func(conn net.Conn) (net.Conn, bool)

// PreRoutingHook runs after the request head is parsed and before route
// resolution. It may write a response through res and short-circuit the
// request by returning false: the connection then closes after whatever
// the hook wrote.
//
// Hook invocations for one connection are strictly ordered (setup, then
// pre-routing/handler pairs, then teardown) and never run concurrently
// with themselves for that connection.
type PreRoutingHook func(ctx *RequestContext, res *ResponseHandle, conn *Conn) bool

// ConnectionTeardownHook runs once per connection after the socket is
// closed, receiving the last I/O or protocol error (nil on a clean close).
// Under the epoll scheduler conn is the driver's fd-backed net.Conn.
type ConnectionTeardownHook func(conn net.Conn, lastErr error)
