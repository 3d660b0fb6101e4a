package http11

import (
	"bytes"
	"io"
	"strconv"
)

// chunkState tracks progress through the chunked transfer coding
// (RFC 7230 §4.1):
//
//	ReadChunkSize -> ReadChunkData(n) -> ReadChunkCRLF
//	    -> { ReadChunkSize | ReadTrailers } -> Done
type chunkState uint8

const (
	stateChunkSize chunkState = iota
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateDone
)

// ChunkedReader decodes a chunked request body on top of the connection's
// buffered reader, presenting the dechunked byte stream. Chunk extensions
// are stripped; trailer fields are parsed for well-formedness and
// discarded.
type ChunkedReader struct {
	br        *Reader
	state     chunkState
	remaining uint64 // bytes left in the current chunk
	err       error  // sticky
}

// NewChunkedReader wraps br with a chunked decoder.
func NewChunkedReader(br *Reader) *ChunkedReader {
	return &ChunkedReader{br: br, state: stateChunkSize}
}

// Read implements io.Reader. Returns io.EOF after the last chunk and its
// trailer section have been consumed, leaving the buffered reader
// positioned at the next request head.
func (cr *ChunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}

	for {
		switch cr.state {
		case stateDone:
			return 0, io.EOF

		case stateChunkSize:
			n, err := cr.readChunkSize()
			if err != nil {
				return 0, cr.fail(err)
			}
			if n == 0 {
				cr.state = stateTrailers
				continue
			}
			cr.remaining = n
			cr.state = stateChunkData

		case stateChunkData:
			if len(p) == 0 {
				return 0, nil
			}
			want := uint64(len(p))
			if want > cr.remaining {
				want = cr.remaining
			}
			n, err := cr.br.Read(p[:want])
			cr.remaining -= uint64(n)
			if cr.remaining == 0 {
				cr.state = stateChunkCRLF
			}
			if err != nil {
				if err == io.EOF {
					err = ErrChunkedEncoding
				}
				return n, cr.fail(err)
			}
			return n, nil

		case stateChunkCRLF:
			if err := cr.readLineEnd(); err != nil {
				return 0, cr.fail(err)
			}
			cr.state = stateChunkSize

		case stateTrailers:
			if err := cr.readTrailers(); err != nil {
				return 0, cr.fail(err)
			}
			cr.state = stateDone
		}
	}
}

func (cr *ChunkedReader) fail(err error) error {
	cr.err = err
	return err
}

// readChunkSize reads "chunk-size [chunk-ext] CRLF" and returns the size.
// Hex sizes are capped at 16 digits, which already spans uint64.
func (cr *ChunkedReader) readChunkSize() (uint64, error) {
	line, err := cr.readLine()
	if err != nil {
		return 0, err
	}
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = trimOWS(line)
	if len(line) == 0 || len(line) > maxChunkSizeDigits {
		return 0, ErrChunkedEncoding
	}

	var size uint64
	for _, c := range line {
		size <<= 4
		switch {
		case c >= '0' && c <= '9':
			size |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			size |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			size |= uint64(c-'A') + 10
		default:
			return 0, ErrChunkedEncoding
		}
	}
	return size, nil
}

// readTrailers consumes trailer field lines up to and including the blank
// line that ends the chunked body. Fields must be well-formed but are not
// retained.
func (cr *ChunkedReader) readTrailers() error {
	for {
		line, err := cr.readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 || !isToken(line[:colon]) {
			return ErrChunkedEncoding
		}
	}
}

// readLine reads up to LF from the buffered reader, trimming the
// terminator. Lenient about a missing CR, like the head parser.
func (cr *ChunkedReader) readLine() ([]byte, error) {
	for {
		buf := cr.br.Peek()
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			line := buf[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			cr.br.Discard(i + 1)
			return line, nil
		}
		if err := cr.br.Fill(); err != nil {
			if err == io.EOF {
				err = ErrChunkedEncoding
			}
			return nil, err
		}
	}
}

// readLineEnd consumes the CRLF (or bare LF) after chunk data.
func (cr *ChunkedReader) readLineEnd() error {
	c, err := cr.br.ReadByte()
	if err != nil {
		return ErrChunkedEncoding
	}
	if c == '\n' {
		return nil
	}
	if c != '\r' {
		return ErrChunkedEncoding
	}
	c, err = cr.br.ReadByte()
	if err != nil || c != '\n' {
		return ErrChunkedEncoding
	}
	return nil
}

// ChunkedWriter encodes a response body as chunks: "size-hex CRLF data
// CRLF" per Write, with Close emitting the "0 CRLF CRLF" terminator. It
// writes through to the connection's buffered writer; framing bytes always
// use CRLF.
type ChunkedWriter struct {
	w      io.Writer
	prefix [maxChunkSizeDigits + 2]byte
}

// NewChunkedWriter wraps w with the chunked transfer coding.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write emits p as a single chunk. Empty writes emit nothing: a zero-length
// chunk would terminate the body.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	head := strconv.AppendUint(cw.prefix[:0], uint64(len(p)), 16)
	head = append(head, crlf...)
	if _, err := cw.w.Write(head); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := cw.w.Write(crlf); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the last-chunk marker and the empty trailer section. It does
// not close the underlying writer.
func (cw *ChunkedWriter) Close() error {
	_, err := cw.w.Write(chunkedEnd)
	return err
}
