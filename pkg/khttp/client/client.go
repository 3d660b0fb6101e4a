// Package client is a small synchronous HTTP/1.1 client built on the same
// wire primitives as the server: it writes a request head over a TCP
// socket, parses the response head with the http11 parser, and selects the
// response body framing by the same rules. One connection per request;
// responses advertising gzip, deflate, or brotli content encoding are
// decoded transparently.
package client

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/karlivory/khttp/pkg/khttp"
	"github.com/karlivory/khttp/pkg/khttp/http11"
)

// Client issues HTTP/1.1 requests. The zero value is usable.
type Client struct {
	// DialTimeout bounds connection establishment; zero means no bound.
	DialTimeout time.Duration

	// Timeout is set as the socket read/write deadline for the whole
	// exchange; zero means no deadline.
	Timeout time.Duration

	// DisableDecompression turns off the Accept-Encoding offer and the
	// transparent decoding of encoded response bodies.
	DisableDecompression bool
}

// Request describes one exchange.
type Request struct {
	Method  http11.Method
	URL     string // "http://host[:port]/path[?query]"
	Headers http11.Headers

	// Body streams the request entity. With ContentLength >= 0 identity
	// framing is used; with a Body and ContentLength < 0 the body is
	// sent chunked.
	Body          io.Reader
	ContentLength int64
}

// Response is the parsed result. Body must be read and Closed by the
// caller; Close releases the connection and its buffer.
type Response struct {
	Status  http11.Status
	Version uint8
	Headers http11.Headers

	Body io.ReadCloser
}

// Get issues a GET.
func (c *Client) Get(url string) (*Response, error) {
	return c.Do(&Request{Method: http11.MethodGET, URL: url, ContentLength: 0})
}

// Post issues a POST with a buffered body.
func (c *Client) Post(url, contentType string, body []byte) (*Response, error) {
	req := &Request{
		Method:        http11.MethodPOST,
		URL:           url,
		Body:          bytes.NewReader(body),
		ContentLength: int64(len(body)),
	}
	req.Headers.AddString("Content-Type", contentType)
	return c.Do(req)
}

// Do performs one request/response exchange on a fresh connection. The
// request always carries "Connection: close": connection reuse is the
// server core's concern, not this client's.
func (c *Client) Do(req *Request) (*Response, error) {
	host, target, err := splitURL(req.URL)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", host, c.DialTimeout)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "dial %s", host)
	}
	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	if err := c.writeRequest(conn, req, host, target); err != nil {
		conn.Close()
		return nil, pkgerrors.Wrap(err, "write request")
	}

	resp, err := c.readResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) writeRequest(conn net.Conn, req *Request, host, target string) error {
	w := bufio.NewWriter(conn)

	method := req.Method
	if method.IsZero() {
		method = http11.MethodGET
	}
	w.WriteString(method.String())
	w.WriteByte(' ')
	w.WriteString(target)
	w.WriteString(" HTTP/1.1\r\n")

	writeHeaderLine(w, "Host", host)
	writeHeaderLine(w, "Connection", "close")
	if !c.DisableDecompression {
		writeHeaderLine(w, "Accept-Encoding", "gzip, deflate, br")
	}
	req.Headers.Visit(func(name, value []byte) bool {
		w.Write(name)
		w.WriteString(": ")
		w.Write(value)
		w.WriteString("\r\n")
		return true
	})

	chunked := req.Body != nil && req.ContentLength < 0
	if chunked {
		writeHeaderLine(w, "Transfer-Encoding", "chunked")
	} else if req.Body != nil || req.ContentLength > 0 || method == http11.MethodPOST || method == http11.MethodPUT {
		writeHeaderLine(w, "Content-Length", strconv.FormatInt(max64(req.ContentLength, 0), 10))
	}
	w.WriteString("\r\n")

	if req.Body != nil {
		if chunked {
			cw := http11.NewChunkedWriter(w)
			if _, err := io.Copy(cw, req.Body); err != nil {
				return err
			}
			if err := cw.Close(); err != nil {
				return err
			}
		} else if req.ContentLength > 0 {
			if _, err := io.CopyN(w, req.Body, req.ContentLength); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func (c *Client) readResponse(conn net.Conn) (*Response, error) {
	buf := khttp.Default.Get(khttp.BufferSize16KB)
	br := http11.NewReader(conn, buf)

	var head http11.ResponseHead
	for {
		err := http11.ParseResponseHead(br, http11.DefaultMaxHeadSize, &head)
		if err == nil {
			break
		}
		if err == http11.ErrIncomplete {
			if ferr := br.Fill(); ferr != nil {
				khttp.Default.Put(buf)
				if ferr == io.EOF {
					ferr = http11.ErrUnexpectedEOF
				}
				return nil, pkgerrors.Wrap(ferr, "read response head")
			}
			continue
		}
		khttp.Default.Put(buf)
		return nil, err
	}

	resp := &Response{
		Status:  head.Status,
		Version: head.Version,
		Headers: cloneHeaders(&head.Headers),
	}

	body := selectBody(&resp.Headers, br)
	if !c.DisableDecompression {
		if enc, ok := resp.Headers.Get(http11.HeaderContentEncoding); ok {
			decoded, err := DecodeReader(string(enc), body)
			if err != nil {
				khttp.Default.Put(buf)
				conn.Close()
				return nil, err
			}
			body = decoded
		}
	}
	resp.Body = &bodyCloser{r: body, conn: conn, buf: buf}
	return resp, nil
}

// selectBody picks the response body framing: chunked, Content-Length, or
// read-to-EOF (legal for responses on a closing connection, unlike
// requests).
func selectBody(hdrs *http11.Headers, br *http11.Reader) io.Reader {
	if te, ok := hdrs.Get(http11.HeaderTransferEncoding); ok && strings.EqualFold(string(te), "chunked") {
		return http11.NewChunkedReader(br)
	}
	if cl, ok := hdrs.Get(http11.HeaderContentLength); ok {
		if n, err := strconv.ParseInt(string(cl), 10, 64); err == nil && n >= 0 {
			return io.LimitReader(br, n)
		}
	}
	return br
}

// cloneHeaders deep-copies parsed headers out of the pooled read buffer so
// the Response can outlive it.
func cloneHeaders(h *http11.Headers) http11.Headers {
	var out http11.Headers
	h.Visit(func(name, value []byte) bool {
		out.Add(append([]byte(nil), name...), append([]byte(nil), value...))
		return true
	})
	return out
}

type bodyCloser struct {
	r    io.Reader
	conn net.Conn
	buf  []byte
}

func (b *bodyCloser) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *bodyCloser) Close() error {
	if b.buf != nil {
		khttp.Default.Put(b.buf)
		b.buf = nil
	}
	return b.conn.Close()
}

// splitURL splits "http://host[:port]/path" into dial address and request
// target. Only plain http is supported.
func splitURL(url string) (host, target string, err error) {
	rest, ok := strings.CutPrefix(url, "http://")
	if !ok {
		return "", "", pkgerrors.Errorf("client: unsupported url %q", url)
	}
	host = rest
	target = "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, target = rest[:i], rest[i:]
	}
	if host == "" {
		return "", "", pkgerrors.Errorf("client: missing host in %q", url)
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, target, nil
}

func writeHeaderLine(w *bufio.Writer, name, value string) {
	w.WriteString(name)
	w.WriteString(": ")
	w.WriteString(value)
	w.WriteString("\r\n")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
