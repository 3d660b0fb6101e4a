package socket

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndApply(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, ApplyListener(ln, DefaultConfig()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		assert.NoError(t, Apply(conn, DefaultConfig()))
		assert.NoError(t, Apply(conn, nil), "nil config falls back to defaults")
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-done
}

func TestApplyIgnoresNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.NoError(t, Apply(a, DefaultConfig()))
}

func TestListenReusesAddr(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	// SO_REUSEADDR lets the same port rebind immediately.
	ln2, err := Listen(addr)
	require.NoError(t, err)
	defer ln2.Close()
}
