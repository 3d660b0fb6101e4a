package http11

import (
	"errors"
	"fmt"
)

// Parse errors. Pre-allocated so the hot path never builds error values.
var (
	// ErrIncomplete means the read buffer does not yet hold a complete
	// request head. The caller refills the buffer and retries; it is the
	// only parser error that is not terminal for the connection.
	ErrIncomplete = errors.New("http11: incomplete request head")

	// ErrUnexpectedEOF means the peer closed the socket in the middle of
	// a request head.
	ErrUnexpectedEOF = errors.New("http11: unexpected EOF in request head")

	// ErrHeadTooLarge means the head did not terminate within the
	// configured ceiling. The scan only ever advances a cursor over the
	// fixed read buffer, so attacker input cannot drive allocation.
	ErrHeadTooLarge = errors.New("http11: request head too large")

	// ErrInvalidMethod rejects a malformed method token.
	ErrInvalidMethod = errors.New("http11: invalid method token")
)

// Body errors.
var (
	// ErrAmbiguousFraming rejects a request carrying both Content-Length
	// and Transfer-Encoding (RFC 7230 §3.3.3, request smuggling vector).
	ErrAmbiguousFraming = errors.New("http11: both Content-Length and Transfer-Encoding present")

	// ErrBodyTooLarge means a convenience drain exceeded the configured
	// body ceiling.
	ErrBodyTooLarge = errors.New("http11: request body too large")

	// ErrChunkedEncoding means the chunked framing was malformed.
	ErrChunkedEncoding = errors.New("http11: malformed chunked encoding")
)

// Response errors.
var (
	// ErrAlreadySent means a response handle was consumed twice.
	ErrAlreadySent = errors.New("http11: response already sent")
)

// MalformedError carries a grammar violation in a request head. When the
// head itself fails to parse the connection is closed without a response;
// a garbled Content-Length, found by NewBodyReader after the head parsed,
// is answered with a best-effort 400 before the close. Either way the
// reason goes to the teardown hook.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("http11: malformed request head: %s", e.Reason)
}

// malformed builds a *MalformedError. Only called on the error path, so the
// allocation does not matter.
func malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// IsMalformed reports whether err is a head grammar violation.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
