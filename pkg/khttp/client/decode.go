package client

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// DecodeReader wraps r with the decoder for a Content-Encoding value:
// gzip, deflate, or br. "identity" and an empty value pass through
// unchanged.
func DecodeReader(encoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		return zr, nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return nil, errors.Errorf("client: unsupported content encoding %q", encoding)
	}
}
