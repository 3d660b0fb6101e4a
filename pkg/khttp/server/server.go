// Package server is the connection-serving core: a builder-configured
// HTTP/1.1 server with per-connection request/response cycles, keep-alive,
// hook points, and a choice of thread-per-connection or readiness-driven
// scheduling.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/karlivory/khttp/pkg/khttp/router"
	"github.com/karlivory/khttp/pkg/khttp/socket"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown
// or Close.
var ErrServerClosed = errors.New("server: closed")

// Server is the frozen product of a Builder. It is stateless across
// restarts; all state is per-connection.
type Server struct {
	cfg        config
	routes     *router.Trie[Handler]
	fallback   Handler
	setupHook  ConnectionSetupHook
	preRouting PreRoutingHook
	teardown   ConnectionTeardownHook
	log        *logrus.Logger

	mu        sync.Mutex
	ln        net.Listener
	inFlight  sync.WaitGroup
	shutdown  atomic.Bool
	boundAddr atomic.Value // net.Addr
}

// Addr returns the listener's bound address once Serve or ListenAndServe
// has bound it, and nil before that. Useful with ":0" addresses.
func (s *Server) Addr() net.Addr {
	if a, ok := s.boundAddr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// ListenAndServe binds addr (with SO_REUSEADDR) and serves until Shutdown
// or Close. With the epoll scheduler configured it runs the readiness
// loop instead of the thread pool.
func (s *Server) ListenAndServe(addr string) error {
	if s.cfg.epoll {
		return s.serveEpoll(addr)
	}
	ln, err := socket.Listen(addr)
	if err != nil {
		return pkgerrors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ln)
}

// Serve runs the thread-per-connection scheduler on ln: a bounded pool of
// workers accepts from the shared listener, and each worker owns a
// connection for its entire lifetime. Overflow connections wait in the OS
// backlog (or in the connection limiter when MaxConns is set).
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.maxConns)
	}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.boundAddr.Store(ln.Addr())

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.threadCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.acceptLoop(ln)
		}()
	}
	workers.Wait()
	return ErrServerClosed
}

// acceptLoop is one worker: accept, serve the connection to completion,
// repeat.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			s.log.WithError(err).Error("accept failed")
			return
		}
		s.inFlight.Add(1)
		s.serveConn(nc)
		s.inFlight.Done()
	}
}

// Shutdown stops accepting and waits for in-flight connections to finish
// their current request. Connections parked in keep-alive notice the
// shutdown at their next cycle boundary.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting without waiting for in-flight connections.
func (s *Server) Close() error {
	s.closeListener()
	return nil
}

func (s *Server) closeListener() {
	s.shutdown.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
}

func (s *Server) closing() bool {
	return s.shutdown.Load()
}
