package server

import (
	"bufio"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/karlivory/khttp/pkg/khttp"
	"github.com/karlivory/khttp/pkg/khttp/http11"
	"github.com/karlivory/khttp/pkg/khttp/router"
)

// Conn is the per-connection state: the socket, the fixed read buffer, the
// buffered writer, the request index, and the keep-alive verdict for the
// next cycle. A Conn is owned by exactly one goroutine at a time; its
// buffers are never shared across threads.
type Conn struct {
	srv     *Server
	rwc     net.Conn
	readBuf []byte
	br      *http11.Reader
	bw      *bufio.Writer

	index     uint64
	keepAlive bool
	lastErr   error

	head   http11.RequestHead
	params router.Params
}

// Index returns the zero-based, strictly increasing request counter for
// this connection. The pre-routing hook observes it before each request.
func (c *Conn) Index() uint64 {
	return c.index
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rwc.RemoteAddr()
}

// Stream returns the underlying connection, e.g. for a handler taking over
// an upgraded socket.
func (c *Conn) Stream() net.Conn {
	return c.rwc
}

func (c *Conn) logger() *logrus.Logger {
	return c.srv.log
}

func (s *Server) newConn(rwc net.Conn) *Conn {
	buf := khttp.Default.Get(s.cfg.readBufferSize)
	return &Conn{
		srv:       s,
		rwc:       rwc,
		readBuf:   buf,
		br:        http11.NewReader(rwc, buf[:s.cfg.readBufferSize]),
		bw:        bufio.NewWriterSize(rwc, s.cfg.writeBufferSize),
		keepAlive: true,
	}
}

func (c *Conn) release() {
	khttp.Default.Put(c.readBuf)
	c.readBuf = nil
}

// serveConn drives one accepted connection through its whole lifecycle:
// setup hook, request/response cycles, teardown hook.
func (s *Server) serveConn(nc net.Conn) {
	metricConnections.Inc()

	if s.setupHook != nil {
		replacement, ok := s.setupHook(nc)
		if !ok {
			// Hook dropped the connection: close immediately, no
			// response, no teardown.
			_ = nc.Close()
			return
		}
		nc = replacement
	}

	c := s.newConn(nc)
	defer c.release()

	for c.serveCycle() {
	}

	_ = nc.Close()
	if s.teardown != nil {
		s.teardown(nc, c.lastErr)
	}
	if c.lastErr != nil {
		s.log.WithFields(logrus.Fields{
			"remote":   nc.RemoteAddr(),
			"requests": c.index,
		}).WithError(c.lastErr).Debug("connection closed with error")
	}
}

// serveCycle runs one request/response cycle. It returns true when the
// connection may be reused for another request.
func (c *Conn) serveCycle() bool {
	s := c.srv

	if !c.readHead() {
		return false
	}
	metricRequests.Inc()

	body, err := http11.NewBodyReader(&c.head, c.br)
	if err != nil {
		// Framing ambiguity or a garbled Content-Length: the head
		// parsed, so a 400 can still be delivered.
		metricProtocolErrors.Inc()
		c.reject(http11.StatusBadRequest)
		c.lastErr = err
		return false
	}

	c.params = c.params[:0]
	ctx := RequestContext{Head: &c.head, conn: c, body: body}
	res := ResponseHandle{
		conn: c,
		opt: http11.WriteOptions{
			HeadRequest:    c.head.Method == http11.MethodHEAD,
			RequestVersion: c.head.Version,
			KeepAlive:      c.head.KeepAlivePreferred(),
		},
	}

	if s.preRouting != nil && !s.preRouting(&ctx, &res, c) {
		// Drop: the connection closes after whatever the hook wrote.
		c.lastErr = res.err
		return false
	}

	h, matched := s.routes.Match(c.head.Method, c.head.URI.Path(), &c.params)
	if !matched {
		h = s.fallback
	}
	ctx.Params = c.params

	if herr := h(&ctx, &res); herr != nil {
		metricHandlerErrors.Inc()
		if !res.sent {
			c.reject(http11.StatusInternalServerError)
		}
		c.lastErr = herr
		return false
	}

	if !res.sent {
		// Framing violation: the handler returned without consuming its
		// handle. The peer is owed a response for this request, so one
		// is synthesized, and the connection cannot be trusted further.
		s.log.WithField("path", string(c.head.URI.Path())).
			Warn("handler returned without sending a response")
		c.reject(http11.StatusInternalServerError)
		c.lastErr = errors.New("server: handler returned without sending a response")
		return false
	}
	if res.err != nil {
		// I/O failure mid-response is fatal; nothing more can be
		// written on this socket.
		c.lastErr = errors.Wrap(res.err, "write response")
		return false
	}

	c.keepAlive = !res.result.CloseConn && !s.closing()

	if err := body.Drain(s.cfg.drainBudget); err != nil {
		// Undrained body bytes would be parsed as the next request
		// head. Close instead of serving garbage.
		c.lastErr = err
		c.keepAlive = false
	}

	if !c.keepAlive {
		return false
	}

	c.index++
	c.br.Compact()
	return true
}

// readHead parses the next request head, refilling the read buffer as
// needed. Returns false when the connection must close; protocol-error
// responses are emitted best-effort here.
func (c *Conn) readHead() bool {
	s := c.srv
	for {
		err := http11.ParseRequestHead(c.br, s.cfg.maxHeadSize, &c.head)
		if err == nil {
			return true
		}
		switch {
		case err == http11.ErrIncomplete:
			ferr := c.br.Fill()
			if ferr == nil {
				continue
			}
			if ferr == io.EOF {
				if c.br.Buffered() == 0 {
					// Idle keep-alive close between requests: silent.
					return false
				}
				c.lastErr = http11.ErrUnexpectedEOF
				return false
			}
			if ferr == http11.ErrBufferFull {
				metricProtocolErrors.Inc()
				c.reject(http11.StatusPayloadTooLarge)
				c.lastErr = http11.ErrHeadTooLarge
				return false
			}
			c.lastErr = errors.Wrap(ferr, "read request head")
			return false

		case err == http11.ErrHeadTooLarge:
			metricProtocolErrors.Inc()
			c.reject(http11.StatusPayloadTooLarge)
			c.lastErr = err
			return false

		case http11.IsMalformed(err):
			// Grammar violation: close without a response.
			metricProtocolErrors.Inc()
			c.lastErr = err
			return false

		default:
			c.lastErr = err
			return false
		}
	}
}

// reject writes a bare error response with Connection: close. Best-effort:
// the connection is going away either way.
func (c *Conn) reject(status http11.Status) {
	opt := http11.WriteOptions{RequestVersion: http11.Version11, KeepAlive: false}
	_, _ = http11.WriteResponse(c.bw, status, nil, nil, 0, opt)
}
