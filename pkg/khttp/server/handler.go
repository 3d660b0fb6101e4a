package server

import (
	"bytes"
	"io"

	"github.com/karlivory/khttp/pkg/khttp/http11"
	"github.com/karlivory/khttp/pkg/khttp/router"
)

// Handler serves one request. ctx's byte slices borrow the connection's
// read buffer and are valid only until the handler returns; res must be
// consumed exactly once before then. Returning an error is equivalent to
// writing nothing and closing the connection (a 500 is synthesized when
// nothing was written yet).
//
// Handlers are shared across connections and must be safe for concurrent
// invocation.
type Handler func(ctx *RequestContext, res *ResponseHandle) error

// RequestContext is the handler's view of one request: the parsed head,
// the captures from the route match, and the streaming body.
type RequestContext struct {
	Head   *http11.RequestHead
	Params router.Params

	conn *Conn
	body *http11.BodyReader
}

// Method returns the request method.
func (ctx *RequestContext) Method() http11.Method {
	return ctx.Head.Method
}

// Path returns the raw request path (undecoded, up to any '?').
func (ctx *RequestContext) Path() []byte {
	return ctx.Head.URI.Path()
}

// Param returns the capture for a ":name" pattern segment, or the
// remainder under router.CatchAllParam for "**". The bytes borrow the read
// buffer.
func (ctx *RequestContext) Param(name string) ([]byte, bool) {
	return ctx.Params.Get(name)
}

// Body returns the streaming reader for the request entity. The framing
// (chunked vs identity vs empty) was already selected from the head; the
// bytes are only pulled off the socket as the handler reads.
func (ctx *RequestContext) Body() *http11.BodyReader {
	return ctx.body
}

// BodyBytes drains the whole body into an owned buffer, honoring the
// server's configured body ceiling (http11.ErrBodyTooLarge past it).
func (ctx *RequestContext) BodyBytes() ([]byte, error) {
	return ctx.body.Bytes(ctx.conn.srv.cfg.maxBodySize)
}

// Conn exposes the connection serving this request.
func (ctx *RequestContext) Conn() *Conn {
	return ctx.conn
}

// ResponseHandle is the single-use binding through which a handler emits
// its response. Consuming it twice fails with http11.ErrAlreadySent; not
// consuming it at all is a framing violation that closes the connection
// with a synthesized 500.
type ResponseHandle struct {
	conn *Conn
	opt  http11.WriteOptions

	sent   bool
	result http11.WriteResult
	err    error
}

// Send emits a response with a fully buffered body (identity framing,
// Content-Length known).
func (h *ResponseHandle) Send(status http11.Status, hdrs http11.Headers, body []byte) error {
	return h.write(status, hdrs, bytes.NewReader(body), int64(len(body)), false)
}

// OK is Send with 200 OK.
func (h *ResponseHandle) OK(hdrs http11.Headers, body []byte) error {
	return h.Send(http11.StatusOK, hdrs, body)
}

// Send0 emits an empty-body response (Content-Length: 0).
func (h *ResponseHandle) Send0(status http11.Status, hdrs http11.Headers) error {
	return h.write(status, hdrs, nil, 0, false)
}

// SendSized streams a body whose length is known a priori; identity
// framing is used without buffering.
func (h *ResponseHandle) SendSized(status http11.Status, hdrs http11.Headers, body io.Reader, size int64) error {
	return h.write(status, hdrs, body, size, false)
}

// SendReader streams a body of unknown length. The writer peeks up to
// 8 KiB: a body that fits is sent with Content-Length, a longer one falls
// back to chunked.
func (h *ResponseHandle) SendReader(status http11.Status, hdrs http11.Headers, body io.Reader) error {
	return h.write(status, hdrs, body, -1, false)
}

// OKReader streams a 200 response chunked, with no opportunistic
// buffering.
func (h *ResponseHandle) OKReader(hdrs http11.Headers, body io.Reader) error {
	return h.write(http11.StatusOK, hdrs, body, -1, true)
}

// Sent reports whether the handle has been consumed.
func (h *ResponseHandle) Sent() bool {
	return h.sent
}

func (h *ResponseHandle) write(status http11.Status, hdrs http11.Headers, body io.Reader, size int64, forceChunked bool) error {
	if h.sent {
		return http11.ErrAlreadySent
	}
	h.sent = true

	opt := h.opt
	opt.ForceChunked = forceChunked
	res, err := http11.WriteResponse(h.conn.bw, status, &hdrs, body, size, opt)
	h.result = res
	if res.BodyDiscarded {
		h.conn.logger().WithField("status", status.Code).
			Warn("response body discarded: status forbids a body")
	}
	if err != nil {
		h.err = err
	}
	return err
}
