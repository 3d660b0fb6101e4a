package http11

import (
	"errors"
	"io"
)

// ErrBufferFull means the read buffer filled up without the parser finding
// what it was looking for. For head parsing the connection loop maps this to
// ErrHeadTooLarge.
var ErrBufferFull = errors.New("http11: read buffer full")

// Reader is a fixed-buffer buffered reader over a socket. The parser and the
// body readers share it: the parser scans Peek() and advances a cursor with
// Discard(), the body readers drain buffered bytes before touching the
// socket again. The buffer is allocated once per connection and reset, never
// reallocated, between request cycles.
type Reader struct {
	src io.Reader
	buf []byte
	r   int // next unread byte
	w   int // end of valid data
}

// NewReader wraps src with the given buffer. The caller owns the buffer's
// lifetime (it typically comes from the process buffer pool).
func NewReader(src io.Reader, buf []byte) *Reader {
	return &Reader{src: src, buf: buf}
}

// Buffered returns the number of unread bytes currently in the buffer.
func (b *Reader) Buffered() int {
	return b.w - b.r
}

// Peek returns the unread bytes without consuming them. The slice is only
// valid until the next Fill, Read, or Compact.
func (b *Reader) Peek() []byte {
	return b.buf[b.r:b.w]
}

// Discard consumes n buffered bytes. n must not exceed Buffered().
func (b *Reader) Discard(n int) {
	b.r += n
	if b.r == b.w {
		b.r = 0
		b.w = 0
	}
}

// Compact moves unread bytes to the front of the buffer, reclaiming the
// space of consumed ones. Called between request cycles so the next head
// has the full buffer to land in.
func (b *Reader) Compact() {
	if b.r == 0 {
		return
	}
	copy(b.buf, b.buf[b.r:b.w])
	b.w -= b.r
	b.r = 0
}

// Fill performs one read from the source into the free tail of the buffer.
// Returns io.EOF when the source is exhausted and ErrBufferFull when there
// is no free space left to read into.
func (b *Reader) Fill() error {
	if b.w == len(b.buf) {
		if b.r == 0 {
			return ErrBufferFull
		}
		b.Compact()
	}
	n, err := b.src.Read(b.buf[b.w:])
	b.w += n
	if n > 0 {
		// A short read with an error still delivered bytes; surface the
		// error on the next Fill.
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// Read drains buffered bytes first, then reads the socket directly. This is
// what the identity body reader sits on: body bytes that arrived in the same
// segment as the head are already buffered.
func (b *Reader) Read(p []byte) (int, error) {
	if b.Buffered() > 0 {
		n := copy(p, b.buf[b.r:b.w])
		b.Discard(n)
		return n, nil
	}
	return b.src.Read(p)
}

// ReadByte returns one byte, filling the buffer if needed.
func (b *Reader) ReadByte() (byte, error) {
	for b.Buffered() == 0 {
		if err := b.Fill(); err != nil {
			return 0, err
		}
	}
	c := b.buf[b.r]
	b.Discard(1)
	return c, nil
}
