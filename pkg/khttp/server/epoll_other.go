//go:build !linux

package server

import "errors"

// The readiness-driven scheduler is built on epoll and is Linux-only.
func (s *Server) serveEpoll(addr string) error {
	return errors.New("server: the epoll scheduler requires linux")
}
