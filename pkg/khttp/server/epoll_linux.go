//go:build linux

package server

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// The readiness-driven scheduler: a single event-loop thread owns an epoll
// set of edge-triggered, oneshot, non-blocking sockets and dispatches
// readable connections to a small worker pool. A dispatched connection runs
// request/response cycles to completion on its worker — the driver never
// suspends user code — and is re-armed in the epoll set once its buffered
// input is exhausted. The payoff is parking many idle keep-alive
// connections without a goroutine each.
type epollLoop struct {
	s     *Server
	epfd  int
	lnfd  int
	jobs  chan *Conn
	mu    sync.Mutex
	conns map[int]*Conn
}

func (s *Server) serveEpoll(addr string) error {
	lnfd, err := listenFD(addr)
	if err != nil {
		return err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(lnfd)
		return pkgerrors.Wrap(err, "epoll_create1")
	}

	ep := &epollLoop{
		s:     s,
		epfd:  epfd,
		lnfd:  lnfd,
		jobs:  make(chan *Conn, 256),
		conns: make(map[int]*Conn),
	}
	defer unix.Close(epfd)
	defer unix.Close(lnfd)

	if sa, err := unix.Getsockname(lnfd); err == nil {
		if a := sockaddrToAddr(sa); a != nil {
			s.boundAddr.Store(a)
		}
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lnfd,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lnfd)}); err != nil {
		return pkgerrors.Wrap(err, "epoll_ctl add listener")
	}

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.epollWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for c := range ep.jobs {
				s.inFlight.Add(1)
				ep.runConn(c)
				s.inFlight.Done()
			}
		}()
	}

	ep.loop()

	close(ep.jobs)
	workers.Wait()
	ep.closeIdle()
	return ErrServerClosed
}

// loop is the event-loop thread.
func (ep *epollLoop) loop() {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(ep.epfd, events, 500)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			ep.s.log.WithError(err).Error("epoll_wait failed")
			return
		}
		if ep.s.shutdown.Load() {
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == ep.lnfd {
				ep.acceptReady()
				continue
			}
			ep.mu.Lock()
			c := ep.conns[fd]
			ep.mu.Unlock()
			if c != nil {
				ep.jobs <- c
			}
		}
	}
}

// acceptReady drains the accept queue, registering each new connection in
// the epoll set. Nothing is dispatched until request bytes arrive.
func (ep *epollLoop) acceptReady() {
	for {
		fd, sa, err := unix.Accept4(ep.lnfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			ep.s.log.WithError(err).Error("accept failed")
			return
		}
		metricConnections.Inc()

		var nc net.Conn = &fdConn{fd: fd, remote: sockaddrToAddr(sa)}
		if ep.s.setupHook != nil {
			replacement, ok := ep.s.setupHook(nc)
			if !ok {
				_ = nc.Close()
				continue
			}
			nc = replacement
		}

		c := ep.s.newConn(nc)
		ep.mu.Lock()
		ep.conns[fd] = c
		ep.mu.Unlock()

		if err := unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT,
			Fd:     int32(fd),
		}); err != nil {
			ep.s.log.WithError(err).Error("epoll_ctl add conn")
			ep.drop(fd, c, err)
		}
	}
}

// runConn serves cycles on a readable connection until it either closes or
// runs out of buffered input, then re-arms it in the epoll set. The
// oneshot registration guarantees no second worker can pick the fd up
// while this one owns it.
func (ep *epollLoop) runConn(c *Conn) {
	fd := connFD(c)
	for {
		if !c.serveCycle() {
			ep.drop(fd, c, c.lastErr)
			return
		}
		if c.br.Buffered() > 0 {
			// The next head (or part of it) arrived with the last read;
			// edge-triggered epoll will not fire again for it.
			continue
		}
		if err := unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT,
			Fd:     int32(fd),
		}); err != nil {
			ep.drop(fd, c, err)
		}
		return
	}
}

func (ep *epollLoop) drop(fd int, c *Conn, lastErr error) {
	ep.mu.Lock()
	delete(ep.conns, fd)
	ep.mu.Unlock()
	_ = c.rwc.Close()
	c.release()
	if ep.s.teardown != nil {
		ep.s.teardown(c.rwc, lastErr)
	}
}

func (ep *epollLoop) closeIdle() {
	ep.mu.Lock()
	conns := make([]*Conn, 0, len(ep.conns))
	for _, c := range ep.conns {
		conns = append(conns, c)
	}
	ep.conns = map[int]*Conn{}
	ep.mu.Unlock()
	for _, c := range conns {
		_ = c.rwc.Close()
		c.release()
		if ep.s.teardown != nil {
			ep.s.teardown(c.rwc, nil)
		}
	}
}

// connFD digs the raw fd back out of the connection. Setup hooks that wrap
// the stream must preserve the Unwrap chain to stay epoll-compatible.
func connFD(c *Conn) int {
	nc := c.rwc
	for {
		if f, ok := nc.(*fdConn); ok {
			return f.fd
		}
		u, ok := nc.(interface{ Unwrap() net.Conn })
		if !ok {
			return -1
		}
		nc = u.Unwrap()
	}
}

// listenFD creates the non-blocking listening socket the readiness loop
// polls: SO_REUSEADDR, bound to addr, backlog 1024.
func listenFD(addr string) (int, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, pkgerrors.Wrapf(err, "resolve %s", addr)
	}

	family := unix.AF_INET
	if ta.IP != nil && ta.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, pkgerrors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, pkgerrors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var sa4 unix.SockaddrInet4
		copy(sa4.Addr[:], ta.IP.To4())
		sa4.Port = ta.Port
		sa = &sa4
	} else {
		var sa6 unix.SockaddrInet6
		copy(sa6.Addr[:], ta.IP.To16())
		sa6.Port = ta.Port
		sa = &sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, pkgerrors.Wrapf(err, "bind %s", addr)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, pkgerrors.Wrap(err, "listen")
	}
	return fd, nil
}

// fdConn is the raw-fd net.Conn the readiness driver hands to the serving
// core. Reads and writes block the worker via poll(2) when the socket
// would block mid-cycle; between cycles the fd is parked in the epoll set
// instead.
type fdConn struct {
	fd     int
	closed atomic.Bool
	remote net.Addr
}

func (f *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		switch {
		case n > 0:
			return n, nil
		case n == 0 && err == nil:
			return 0, io.EOF
		case err == unix.EAGAIN:
			if perr := pollWait(f.fd, unix.POLLIN); perr != nil {
				return 0, perr
			}
		case err == unix.EINTR:
			// retry
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

func (f *fdConn) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := unix.Write(f.fd, p[written:])
		if n > 0 {
			written += n
			continue
		}
		switch err {
		case unix.EAGAIN:
			if perr := pollWait(f.fd, unix.POLLOUT); perr != nil {
				return written, perr
			}
		case unix.EINTR:
			// retry
		default:
			return written, os.NewSyscallError("write", err)
		}
	}
	return written, nil
}

func (f *fdConn) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}

func (f *fdConn) RemoteAddr() net.Addr { return f.remote }
func (f *fdConn) LocalAddr() net.Addr  { return nil }

// Deadlines are per-socket options the setup hook can set via
// SO_RCVTIMEO/SO_SNDTIMEO; the Go deadline API is not supported on raw
// fds.
func (f *fdConn) SetDeadline(t time.Time) error      { return os.ErrNoDeadline }
func (f *fdConn) SetReadDeadline(t time.Time) error  { return os.ErrNoDeadline }
func (f *fdConn) SetWriteDeadline(t time.Time) error { return os.ErrNoDeadline }

func pollWait(fd int, events int16) error {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		return nil
	}
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
