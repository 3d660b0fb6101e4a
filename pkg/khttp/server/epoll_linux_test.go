//go:build linux

package server

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karlivory/khttp/pkg/khttp/http11"
)

func startEpollServer(t *testing.T, b *Builder) string {
	t.Helper()
	srv := b.EpollScheduler(4).Build()
	go srv.ListenAndServe("127.0.0.1:0") //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("epoll server did not bind")
		}
		time.Sleep(time.Millisecond)
	}
	return srv.Addr().String()
}

func TestEpollServeBasic(t *testing.T) {
	addr := startEpollServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 200, resp.code())
	assert.Equal(t, "hi", resp.body)
}

// Keep-alive across re-arms: the connection is parked in the epoll set
// between requests and must come back readable for each new head.
func TestEpollServeKeepAlive(t *testing.T) {
	addr := startEpollServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		// A pause between requests forces the idle park/re-arm path
		// rather than the buffered fast path.
		if i > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		resp := readResponse(t, br)
		require.Equal(t, 200, resp.code(), "request %d", i)
	}
}

// Many idle keep-alive connections at once is the scheduler's whole point.
func TestEpollServeManyIdleConns(t *testing.T) {
	addr := startEpollServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))

	const n = 32
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		require.NoError(t, err)
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	// First a request on every connection, then a second round in
	// reverse order: each conn must have been re-armed correctly.
	for _, c := range conns {
		fmt.Fprint(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	}
	readers := make([]*bufio.Reader, n)
	for i, c := range conns {
		readers[i] = bufio.NewReader(c)
		resp := readResponse(t, readers[i])
		require.Equal(t, 200, resp.code())
	}
	for i := n - 1; i >= 0; i-- {
		fmt.Fprint(conns[i], "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		resp := readResponse(t, readers[i])
		require.Equal(t, 200, resp.code())
	}
}
