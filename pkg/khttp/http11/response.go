package http11

import (
	"bufio"
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// peekThreshold is the opportunistic buffering limit for bodies of unknown
// length: if the whole body fits in this many bytes it is sent with
// Content-Length, otherwise the writer falls back to chunked.
const peekThreshold = 8192

// WriteOptions carries the request-side facts the writer needs to frame a
// response.
type WriteOptions struct {
	// HeadRequest suppresses the body while keeping the framing headers
	// exactly as a GET would have produced them.
	HeadRequest bool

	// RequestVersion is the version parsed from the request line.
	RequestVersion uint8

	// KeepAlive is the request side of the reuse decision: HTTP/1.1
	// without "Connection: close", or HTTP/1.0 with an explicit
	// keep-alive.
	KeepAlive bool

	// ForceChunked skips the opportunistic peek and streams the body
	// chunked regardless of size.
	ForceChunked bool
}

// WriteResult reports what the writer decided.
type WriteResult struct {
	// CloseConn is true when the response told the peer the connection
	// is done ("Connection: close" emitted, or non-reusable protocol).
	CloseConn bool

	// BodyDiscarded is true when a handler supplied a body on a status
	// that forbids one (1xx/204/304); the caller should log it.
	BodyDiscarded bool
}

// WriteResponse emits one complete response: status line, headers with the
// framing the body requires, and the body itself. bodyLen >= 0 declares a
// known length (identity framing); bodyLen < 0 makes the writer peek up to
// 8 KiB and choose between identity and chunked.
//
// Handler-supplied Content-Length and Transfer-Encoding fields are silently
// stripped: framing is the writer's job alone. A Date field is appended if
// the handler did not set one. The writer always emits CRLF line endings.
func WriteResponse(w *bufio.Writer, status Status, hdrs *Headers, body io.Reader, bodyLen int64, opt WriteOptions) (WriteResult, error) {
	var res WriteResult

	suppressed := status.Code < 200 || status.Code == 204 || status.Code == 304
	if suppressed && body != nil && bodyLen != 0 {
		res.BodyDiscarded = true
	}

	// Resolve framing before anything hits the wire. For unknown-length
	// bodies this may buffer an opportunistic peek.
	var (
		peek    *bytebufferpool.ByteBuffer
		peeked  []byte
		chunked bool
	)
	switch {
	case suppressed:
		body = nil
		bodyLen = 0
	case opt.ForceChunked:
		chunked = true
	case bodyLen < 0 && body != nil:
		peek = bytebufferpool.Get()
		defer bytebufferpool.Put(peek)
		grow(peek, peekThreshold+1)
		n, err := io.ReadFull(body, peek.B)
		switch err {
		case nil:
			// More than the threshold is readable; stream it.
			peeked = peek.B[:n]
			chunked = true
		case io.EOF, io.ErrUnexpectedEOF:
			peeked = peek.B[:n]
			body = nil
			bodyLen = int64(n)
		default:
			return res, err
		}
	case bodyLen < 0:
		bodyLen = 0
	}

	// Response side of the reuse decision.
	userClose := hdrs != nil && hdrs.connectionIs(valueClose)
	res.CloseConn = !opt.KeepAlive || userClose || opt.RequestVersion >= VersionUnknown

	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)
	scratch.B = status.appendStatusLine(scratch.B[:0])
	if _, err := w.Write(scratch.B); err != nil {
		return res, err
	}

	sawDate := false
	if hdrs != nil {
		var werr error
		hdrs.Visit(func(name, value []byte) bool {
			// Framing is decided here, never by handlers.
			if equalFold(name, HeaderContentLength) || equalFold(name, HeaderTransferEncoding) {
				return true
			}
			if equalFold(name, HeaderDate) {
				sawDate = true
			}
			werr = writeField(w, name, value)
			return werr == nil
		})
		if werr != nil {
			return res, werr
		}
	}

	if !sawDate {
		if err := writeField(w, HeaderDate, CachedDate()); err != nil {
			return res, err
		}
	}

	if !suppressed {
		if chunked {
			if err := writeField(w, HeaderTransferEncoding, valueChunked); err != nil {
				return res, err
			}
		} else {
			scratch.B = strconv.AppendInt(scratch.B[:0], bodyLen, 10)
			if err := writeField(w, HeaderContentLength, scratch.B); err != nil {
				return res, err
			}
		}
	}

	if res.CloseConn && !userClose {
		if err := writeField(w, HeaderConnection, valueClose); err != nil {
			return res, err
		}
	} else if !res.CloseConn && opt.RequestVersion == Version10 {
		// HTTP/1.0 reuse requires the server to opt in explicitly.
		if err := writeField(w, HeaderConnection, valueKeepAlive); err != nil {
			return res, err
		}
	}

	if _, err := w.Write(crlf); err != nil {
		return res, err
	}

	if err := writeBody(w, body, bodyLen, peeked, chunked, opt.HeadRequest); err != nil {
		return res, err
	}
	return res, w.Flush()
}

// writeBody emits the body under the framing chosen by WriteResponse. For
// HEAD requests nothing is written; the headers already said what a GET
// would have carried.
func writeBody(w *bufio.Writer, body io.Reader, bodyLen int64, peeked []byte, chunked bool, headReq bool) error {
	if headReq {
		return nil
	}
	if chunked {
		cw := NewChunkedWriter(w)
		if len(peeked) > 0 {
			if _, err := cw.Write(peeked); err != nil {
				return err
			}
		}
		if body != nil {
			if _, err := io.Copy(cw, body); err != nil {
				return err
			}
		}
		return cw.Close()
	}
	if len(peeked) > 0 {
		if _, err := w.Write(peeked); err != nil {
			return err
		}
		return nil
	}
	if body != nil && bodyLen > 0 {
		if _, err := io.CopyN(w, body, bodyLen); err != nil {
			return err
		}
	}
	return nil
}

// writeField emits "name: value\r\n".
func writeField(w *bufio.Writer, name, value []byte) error {
	if _, err := w.Write(name); err != nil {
		return err
	}
	if _, err := w.Write(colonSpace); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err := w.Write(crlf)
	return err
}

// grow resizes a pooled buffer to exactly n usable bytes.
func grow(bb *bytebufferpool.ByteBuffer, n int) {
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
		return
	}
	bb.B = bb.B[:n]
}
