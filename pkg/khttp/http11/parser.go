package http11

import "bytes"

// RequestHead is the parser's output: the request line plus header fields.
// Method, URI, and every header name and value borrow the connection's read
// buffer — they stay valid until the next request cycle begins, which is
// after the handler returns.
type RequestHead struct {
	Method  Method
	URI     URI
	Version uint8 // Version10, Version11, or VersionUnknown
	Headers Headers
}

// Reset clears the head for the next cycle, keeping the header backing
// array.
func (h *RequestHead) Reset() {
	h.Method = Method{}
	h.URI = URI{}
	h.Version = Version11
	h.Headers.Reset()
}

// WantsClose reports whether the request carried "Connection: close".
func (h *RequestHead) WantsClose() bool {
	return h.Headers.connectionIs(valueClose)
}

// KeepAlivePreferred reports whether the request side permits connection
// reuse: HTTP/1.1 unless "Connection: close", HTTP/1.0 only with an explicit
// "Connection: keep-alive". Unknown versions never reuse.
func (h *RequestHead) KeepAlivePreferred() bool {
	switch h.Version {
	case Version11:
		return !h.WantsClose()
	case Version10:
		return h.Headers.connectionIs(valueKeepAlive)
	default:
		return false
	}
}

// ParseRequestHead parses exactly one request head out of the buffered
// reader. On success the reader is positioned at the first body byte and
// head's slices borrow the reader's buffer.
//
// Returns ErrIncomplete when the terminating blank line has not arrived yet
// (the caller refills and retries), ErrHeadTooLarge when the head does not
// terminate within maxHead bytes, and *MalformedError on grammar
// violations. The scan never allocates; it only advances a cursor.
//
// Both CRLF and bare LF line endings are accepted on input. Output framing
// elsewhere in this package always emits CRLF.
func ParseRequestHead(br *Reader, maxHead int, head *RequestHead) error {
	buf := br.Peek()

	end := findHeadEnd(buf)
	if end < 0 {
		if len(buf) >= maxHead {
			return ErrHeadTooLarge
		}
		return ErrIncomplete
	}
	if end > maxHead {
		return ErrHeadTooLarge
	}

	head.Reset()
	if err := parseHead(buf[:end], head); err != nil {
		return err
	}
	br.Discard(end)
	return nil
}

// findHeadEnd returns the offset just past the blank line terminating the
// head, or -1 if the buffer does not contain one yet. Accepts CRLF CRLF,
// LF LF, and mixed endings. bytes.IndexByte is the fast byte-search
// primitive underneath.
func findHeadEnd(buf []byte) int {
	i := 0
	for {
		j := bytes.IndexByte(buf[i:], '\n')
		if j < 0 {
			return -1
		}
		k := i + j + 1
		if k < len(buf) && buf[k] == '\n' {
			return k + 1
		}
		if k+1 < len(buf) && buf[k] == '\r' && buf[k+1] == '\n' {
			return k + 2
		}
		i = k
	}
}

// parseHead parses the head bytes (request line through blank line).
func parseHead(buf []byte, head *RequestHead) error {
	line, rest, ok := cutLine(buf)
	if !ok {
		return malformed("missing request line")
	}
	// RFC 7230 §3.5: a server SHOULD ignore at least one empty line
	// received before the request line.
	if len(line) == 0 {
		line, rest, ok = cutLine(rest)
		if !ok {
			return malformed("missing request line")
		}
	}
	if err := parseRequestLine(line, head); err != nil {
		return err
	}

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return malformed("unterminated header section")
		}
		if len(line) == 0 {
			return nil
		}
		if err := parseHeaderLine(line, &head.Headers); err != nil {
			return err
		}
	}
}

// cutLine splits off the next line, trimming the terminator. Handles both
// CRLF and bare LF.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	line = buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, buf[i+1:], true
}

// parseRequestLine parses "method SP request-target SP HTTP-version".
func parseRequestLine(line []byte, head *RequestHead) error {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return malformed("request line: missing target")
	}
	m, err := ParseMethod(line[:sp])
	if err != nil {
		return malformed("request line: bad method token")
	}
	head.Method = m

	line = line[sp+1:]
	sp = bytes.IndexByte(line, ' ')
	if sp < 0 {
		return malformed("request line: missing version")
	}
	target := line[:sp]
	if len(target) == 0 || bytes.IndexByte(target, '\t') >= 0 {
		return malformed("request line: bad target")
	}
	head.URI = URI{raw: target}

	version := line[sp+1:]
	switch {
	case bytes.Equal(version, http11Bytes):
		head.Version = Version11
	case bytes.Equal(version, http10Bytes):
		head.Version = Version10
	default:
		if len(version) == 0 || bytes.IndexByte(version, ' ') >= 0 {
			return malformed("request line: bad version")
		}
		head.Version = VersionUnknown
	}
	return nil
}

// parseHeaderLine parses one "name: OWS value OWS" field into hdrs.
func parseHeaderLine(line []byte, hdrs *Headers) error {
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding (RFC 7230 §3.2.4) is rejected outright.
		return malformed("header: obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return malformed("header: missing colon")
	}
	name := line[:colon]
	if !isToken(name) {
		// Covers the empty name and whitespace before the colon, both of
		// which RFC 7230 §3.2.4 requires rejecting.
		return malformed("header: bad field name")
	}
	value := trimOWS(line[colon+1:])
	hdrs.Add(name, value)
	return nil
}
