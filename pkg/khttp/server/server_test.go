package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karlivory/khttp/pkg/khttp/http11"
)

// startServer builds the server from b, serves it on a loopback port, and
// returns its address. The server is torn down with the test.
func startServer(t *testing.T, b *Builder) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := b.Build()
	go srv.Serve(ln) //nolint:errcheck // returns ErrServerClosed on shutdown
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// response is a parsed raw response, for byte-level assertions.
type response struct {
	statusLine string
	headers    map[string]string
	body       string
}

func (r *response) code() int {
	parts := strings.SplitN(r.statusLine, " ", 3)
	n, _ := strconv.Atoi(parts[1])
	return n
}

// readResponse parses one response off the wire: status line, headers,
// then a body framed by Content-Length or chunked encoding.
func readResponse(t *testing.T, br *bufio.Reader) *response {
	t.Helper()
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)

	resp := &response{
		statusLine: strings.TrimRight(statusLine, "\r\n"),
		headers:    map[string]string{},
	}
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		require.True(t, found, "bad header line %q", line)
		resp.headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}

	if te := resp.headers["transfer-encoding"]; te == "chunked" {
		var body bytes.Buffer
		for {
			sizeLine, err := br.ReadString('\n')
			require.NoError(t, err)
			n, err := strconv.ParseInt(strings.TrimRight(sizeLine, "\r\n"), 16, 64)
			require.NoError(t, err)
			if n == 0 {
				_, err = br.ReadString('\n') // trailing CRLF
				require.NoError(t, err)
				break
			}
			chunk := make([]byte, n+2)
			_, err = io.ReadFull(br, chunk)
			require.NoError(t, err)
			body.Write(chunk[:n])
		}
		resp.body = body.String()
		return resp
	}

	if cl, ok := resp.headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		body := make([]byte, n)
		_, err = io.ReadFull(br, body)
		require.NoError(t, err)
		resp.body = string(body)
	}
	return resp
}

func textHandler(body string) Handler {
	return func(ctx *RequestContext, res *ResponseHandle) error {
		return res.OK(http11.Empty(), []byte(body))
	}
}

// Scenario 1: plain GET with Content-Length framing and a Date header.
func TestServeSimpleGET(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))

	assert.Equal(t, "HTTP/1.1 200 OK", resp.statusLine)
	assert.Equal(t, "2", resp.headers["content-length"])
	assert.NotEmpty(t, resp.headers["date"])
	assert.Equal(t, "hi", resp.body)
}

// Scenario 2: POST body read and transformed.
func TestServePOSTUppercase(t *testing.T) {
	b := New().Route(http11.MethodPOST, "/uppercase", func(ctx *RequestContext, res *ResponseHandle) error {
		body, err := ctx.Body().Bytes(1 << 20)
		if err != nil {
			return err
		}
		return res.OK(http11.Empty(), bytes.ToUpper(body))
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "POST /uppercase HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	resp := readResponse(t, bufio.NewReader(conn))

	assert.Equal(t, 200, resp.code())
	assert.Equal(t, "5", resp.headers["content-length"])
	assert.Equal(t, "HELLO", resp.body)
}

// Scenario 3: named parameter capture.
func TestServeRouteParam(t *testing.T) {
	b := New().Route(http11.MethodGET, "/user/:id", func(ctx *RequestContext, res *ResponseHandle) error {
		id, _ := ctx.Param("id")
		return res.OK(http11.Empty(), id)
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET /user/42 HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "42", resp.body)
}

// Scenario 4: catch-all capture.
func TestServeCatchAll(t *testing.T) {
	b := New().Route(http11.MethodGET, "/static/**", func(ctx *RequestContext, res *ResponseHandle) error {
		rest, _ := ctx.Param("*")
		return res.OK(http11.Empty(), rest)
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET /static/a/b.js HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "a/b.js", resp.body)
}

// Scenario 5: unmatched path falls back to 404.
func TestServeDefaultFallback404(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/only", textHandler("x")))
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET /nope HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 404, resp.code())
}

func TestServeCustomFallbackRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	b := New().FallbackRoute(func(ctx *RequestContext, res *ResponseHandle) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return res.Send0(http11.StatusOf(418), http11.Empty())
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET /anything HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 418, resp.code())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

// Scenario 6: pre-routing hook rejects custom methods with 405 and drops.
func TestServePreRoutingHookDrop(t *testing.T) {
	b := New().
		Route(http11.MethodGET, "/", textHandler("hi")).
		PreRouting(func(ctx *RequestContext, res *ResponseHandle, conn *Conn) bool {
			if ctx.Method().IsCustom() {
				_ = res.Send0(http11.StatusMethodNotAllowed, http11.Close())
				return false
			}
			return true
		})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "FOO / HTTP/1.1\r\nHost: x\r\n\r\n")
	br := bufio.NewReader(conn)
	resp := readResponse(t, br)
	assert.Equal(t, 405, resp.code())
	assert.Equal(t, "close", resp.headers["connection"])

	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "connection must be closed after the drop")
}

// Scenario 7: HTTP/1.0 gets Connection: close and the socket closes.
func TestServeHTTP10Closes(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.0\r\n\r\n")
	br := bufio.NewReader(conn)
	resp := readResponse(t, br)
	assert.Equal(t, 200, resp.code())
	assert.Equal(t, "close", resp.headers["connection"])

	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

// Scenario 8: chunked request body echoed back with identity framing.
func TestServeChunkedRequestBody(t *testing.T) {
	b := New().Route(http11.MethodPOST, "/", func(ctx *RequestContext, res *ResponseHandle) error {
		body, err := ctx.Body().Bytes(0)
		if err != nil {
			return err
		}
		return res.OK(http11.Empty(), body)
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "5", resp.headers["content-length"])
	assert.Equal(t, "hello", resp.body)
}

// Keep-alive invariant: an HTTP/1.1 connection serves a second request
// after a clean cycle.
func TestServeKeepAlive(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		resp := readResponse(t, br)
		require.Equal(t, 200, resp.code(), "request %d", i)
		require.Equal(t, "hi", resp.body)
	}
}

func TestServeConnectionCloseHonored(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	resp := readResponse(t, br)
	assert.Equal(t, "close", resp.headers["connection"])
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

// Request index: strictly increasing per connection, starting at 0, as
// observed by the pre-routing hook.
func TestServeRequestIndexMonotonic(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64
	b := New().
		Route(http11.MethodGET, "/", textHandler("hi")).
		PreRouting(func(ctx *RequestContext, res *ResponseHandle, conn *Conn) bool {
			mu.Lock()
			seen = append(seen, conn.Index())
			mu.Unlock()
			return true
		})
	addr := startServer(t, b)
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		readResponse(t, br)
	}
	mu.Lock()
	assert.Equal(t, []uint64{0, 1, 2}, seen)
	mu.Unlock()
}

// Head size guard: an oversized head yields 413 and a closed connection.
func TestServeHeadTooLarge(t *testing.T) {
	addr := startServer(t, New().MaxRequestHeadSize(512).Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nX-Fill: %s\r\n\r\n", strings.Repeat("a", 2048))
	br := bufio.NewReader(conn)
	resp := readResponse(t, br)
	assert.Equal(t, 413, resp.code())
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeAmbiguousFramingRejected(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodPOST, "/", textHandler("x")))
	conn := dial(t, addr)

	fmt.Fprint(conn, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 400, resp.code())
}

func TestServeMalformedHeadClosesSilently(t *testing.T) {
	addr := startServer(t, New().Route(http11.MethodGET, "/", textHandler("hi")))
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nBroken Header Line\r\n\r\n")
	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, buf, "malformed heads are dropped without a response")
}

func TestServeUnconsumedHandleSynthesizes500(t *testing.T) {
	b := New().Route(http11.MethodGET, "/", func(ctx *RequestContext, res *ResponseHandle) error {
		return nil // never touches res
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	br := bufio.NewReader(conn)
	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	assert.Equal(t, 500, resp.code())
	assert.Equal(t, "close", resp.headers["connection"])
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeBodyCeiling(t *testing.T) {
	b := New().MaxBodySize(4).Route(http11.MethodPOST, "/cap", func(ctx *RequestContext, res *ResponseHandle) error {
		if _, err := ctx.BodyBytes(); err != nil {
			return res.Send0(http11.StatusPayloadTooLarge, http11.Close())
		}
		return res.Send0(http11.StatusOK, http11.Empty())
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "POST /cap HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n0123456789")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 413, resp.code())
}

func TestServeHandlerErrorBeforeWriteGets500(t *testing.T) {
	b := New().Route(http11.MethodGET, "/", func(ctx *RequestContext, res *ResponseHandle) error {
		return fmt.Errorf("boom")
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, 500, resp.code())
}

func TestServeConsumeTwiceFails(t *testing.T) {
	errs := make(chan error, 1)
	b := New().Route(http11.MethodGET, "/", func(ctx *RequestContext, res *ResponseHandle) error {
		_ = res.OK(http11.Empty(), []byte("one"))
		errs <- res.OK(http11.Empty(), []byte("two"))
		return nil
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "one", resp.body)
	assert.ErrorIs(t, <-errs, http11.ErrAlreadySent)
}

func TestServeUndrainedBodyIsDrainedForReuse(t *testing.T) {
	b := New().Route(http11.MethodPOST, "/drop", func(ctx *RequestContext, res *ResponseHandle) error {
		// Never reads the body.
		return res.OK(http11.Empty(), []byte("ok"))
	})
	addr := startServer(t, b)
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	fmt.Fprint(conn, "POST /drop HTTP/1.1\r\nHost: x\r\nContent-Length: 7\r\n\r\npayload")
	resp := readResponse(t, br)
	require.Equal(t, 200, resp.code())

	// The body must have been drained, not parsed as the next head.
	fmt.Fprint(conn, "POST /drop HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\nxy")
	resp = readResponse(t, br)
	assert.Equal(t, 200, resp.code())
}

func TestServeHEADOmitsBody(t *testing.T) {
	b := New().
		Route(http11.MethodGET, "/res", textHandler("payload")).
		Route(http11.MethodHEAD, "/res", textHandler("payload"))
	addr := startServer(t, b)
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	fmt.Fprint(conn, "HEAD /res HTTP/1.1\r\nHost: x\r\n\r\n")

	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine)
	var contentLength string
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			contentLength = strings.TrimRight(v, "\r\n")
		}
	}
	assert.Equal(t, "7", contentLength, "framing computed as though the body were sent")

	// Keep-alive must survive a HEAD: the next request works and no body
	// bytes are in between.
	fmt.Fprint(conn, "GET /res HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	assert.Equal(t, "payload", resp.body)
}

func TestServeSetupHookDrop(t *testing.T) {
	b := New().
		Route(http11.MethodGET, "/", textHandler("hi")).
		ConnectionSetup(func(conn net.Conn) (net.Conn, bool) {
			return nil, false
		})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, buf, "dropped connections get no response")
}

func TestServeTeardownHookSeesError(t *testing.T) {
	type teardown struct {
		err error
	}
	got := make(chan teardown, 1)
	b := New().
		Route(http11.MethodGET, "/", textHandler("hi")).
		ConnectionTeardown(func(conn net.Conn, lastErr error) {
			got <- teardown{err: lastErr}
		})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GARBAGE\r\n\r\n")
	_, _ = io.ReadAll(conn)

	select {
	case td := <-got:
		assert.Error(t, td.err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook not invoked")
	}
}

func TestServeStreamedResponse(t *testing.T) {
	b := New().Route(http11.MethodGET, "/stream", func(ctx *RequestContext, res *ResponseHandle) error {
		return res.OKReader(http11.Empty(), strings.NewReader("streamed data"))
	})
	addr := startServer(t, b)
	conn := dial(t, addr)

	fmt.Fprint(conn, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "chunked", resp.headers["transfer-encoding"])
	assert.Equal(t, "streamed data", resp.body)
}

func TestServeIdleConnCloseIsSilent(t *testing.T) {
	got := make(chan error, 1)
	b := New().
		Route(http11.MethodGET, "/", textHandler("hi")).
		ConnectionTeardown(func(conn net.Conn, lastErr error) {
			got <- lastErr
		})
	addr := startServer(t, b)
	conn := dial(t, addr)

	// Close without sending anything: idle socket closure before any
	// bytes is a silent drop.
	_ = conn.Close()
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook not invoked")
	}
}

func TestShutdownStopsAccepting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New().Route(http11.MethodGET, "/", textHandler("hi")).Build()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	_, _ = io.ReadAll(conn)
	conn.Close()

	require.NoError(t, srv.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
