package http11

import (
	"errors"
	"io"
)

// ErrUnsupportedTransferEncoding rejects a Transfer-Encoding whose final
// coding is not "chunked". The server answers 400: there is no way to frame
// such a body.
var ErrUnsupportedTransferEncoding = errors.New("http11: unsupported transfer encoding")

// bodyKind selects the body framing, checked in the order RFC 7230 §3.3.3
// prescribes.
type bodyKind uint8

const (
	bodyEmpty bodyKind = iota
	bodyIdentity
	bodyChunked
)

// BodyReader is the streaming byte reader handed to handlers for the
// request entity. It sits on the connection's buffered reader, so reading
// the body is what positions the connection at the next request head.
type BodyReader struct {
	kind      bodyKind
	br        *Reader
	chunked   *ChunkedReader
	remaining int64 // identity only
}

// NewBodyReader selects the body framing for head:
//
//  1. Transfer-Encoding: chunked -> chunked decoder
//  2. Content-Length: N          -> identity reader capped at N
//  3. otherwise                  -> empty reader
//
// A request with both headers fails with ErrAmbiguousFraming (the classic
// smuggling vector), a Transfer-Encoding other than chunked with
// ErrUnsupportedTransferEncoding, and a garbled Content-Length with a
// *MalformedError. Content-Length: 0 without Transfer-Encoding is an empty
// body.
func NewBodyReader(head *RequestHead, br *Reader) (*BodyReader, error) {
	te, hasTE := head.Headers.Get(HeaderTransferEncoding)
	cl, hasCL := head.Headers.Get(HeaderContentLength)

	if hasTE && hasCL {
		return nil, ErrAmbiguousFraming
	}

	if hasTE {
		if !equalFold(trimOWS(te), valueChunked) {
			return nil, ErrUnsupportedTransferEncoding
		}
		return &BodyReader{kind: bodyChunked, br: br, chunked: NewChunkedReader(br)}, nil
	}

	if hasCL {
		n, err := parseContentLength(cl)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return &BodyReader{kind: bodyEmpty}, nil
		}
		return &BodyReader{kind: bodyIdentity, br: br, remaining: n}, nil
	}

	return &BodyReader{kind: bodyEmpty}, nil
}

// Read implements io.Reader over the selected framing.
func (b *BodyReader) Read(p []byte) (int, error) {
	switch b.kind {
	case bodyChunked:
		return b.chunked.Read(p)
	case bodyIdentity:
		if b.remaining <= 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > b.remaining {
			p = p[:b.remaining]
		}
		n, err := b.br.Read(p)
		b.remaining -= int64(n)
		if err == io.EOF && b.remaining > 0 {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	default:
		return 0, io.EOF
	}
}

// Drained reports whether the body has been fully consumed. For chunked
// bodies that means the terminator and trailers were read.
func (b *BodyReader) Drained() bool {
	switch b.kind {
	case bodyChunked:
		return b.chunked.state == stateDone
	case bodyIdentity:
		return b.remaining <= 0
	default:
		return true
	}
}

// Drain discards the remainder of the body so the connection can be reused.
// At most budget bytes are discarded; past that it fails with
// ErrBodyTooLarge and the caller must close the connection instead.
func (b *BodyReader) Drain(budget int64) error {
	if b.Drained() {
		return nil
	}
	var scratch [4096]byte
	var total int64
	for {
		n, err := b.Read(scratch[:])
		total += int64(n)
		if total > budget {
			return ErrBodyTooLarge
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Bytes drains the body into an owned buffer. max bounds the drain
// (ErrBodyTooLarge past it); max <= 0 means unbounded.
func (b *BodyReader) Bytes(max int64) ([]byte, error) {
	var out []byte
	var scratch [4096]byte
	for {
		n, err := b.Read(scratch[:])
		out = append(out, scratch[:n]...)
		if max > 0 && int64(len(out)) > max {
			return nil, ErrBodyTooLarge
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// String is Bytes as a string.
func (b *BodyReader) String(max int64) (string, error) {
	out, err := b.Bytes(max)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseContentLength parses a Content-Length value: decimal digits only,
// overflow rejected.
func parseContentLength(v []byte) (int64, error) {
	if len(v) == 0 {
		return 0, malformed("empty Content-Length")
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, malformed("non-digit in Content-Length")
		}
		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, malformed("Content-Length overflow")
		}
	}
	return n, nil
}
