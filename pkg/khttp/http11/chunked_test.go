package http11

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkedReaderFor(s string) *ChunkedReader {
	return NewChunkedReader(NewReader(strings.NewReader(s), make([]byte, 4096)))
}

func TestChunkedReaderSimple(t *testing.T) {
	cr := chunkedReaderFor("5\r\nhello\r\n0\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestChunkedReaderMultipleChunks(t *testing.T) {
	cr := chunkedReaderFor("4\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia in\r\n\r\nchunks.", string(out))
}

func TestChunkedReaderEmptyBody(t *testing.T) {
	cr := chunkedReaderFor("0\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestChunkedReaderStripsExtensions(t *testing.T) {
	cr := chunkedReaderFor("5;name=value\r\nhello\r\n0\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestChunkedReaderUppercaseHex(t *testing.T) {
	data := strings.Repeat("x", 0x1A)
	cr := chunkedReaderFor("1A\r\n" + data + "\r\n0\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, data, string(out))
}

func TestChunkedReaderDiscardsTrailers(t *testing.T) {
	cr := chunkedReaderFor("3\r\nabc\r\n0\r\nExpires: never\r\nX-Sum: 1\r\n\r\n")
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestChunkedReaderLeavesNextRequestBuffered(t *testing.T) {
	br := NewReader(strings.NewReader("3\r\nabc\r\n0\r\n\r\nGET /next"), make([]byte, 4096))
	cr := NewChunkedReader(br)
	out, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	assert.Equal(t, "GET /next", string(br.Peek()))
}

func TestChunkedReaderErrors(t *testing.T) {
	cases := map[string]string{
		"garbage size":      "zz\r\nhello\r\n0\r\n\r\n",
		"empty size line":   "\r\nhello\r\n0\r\n\r\n",
		"missing data crlf": "5\r\nhelloX0\r\n\r\n",
		"size too long":     strings.Repeat("1", 17) + "\r\n",
		"truncated":         "5\r\nhe",
		"bad trailer":       "0\r\n::\r\n\r\n",
	}
	for name, input := range cases {
		_, err := io.ReadAll(chunkedReaderFor(input))
		assert.Error(t, err, name)
	}
}

func TestChunkedReaderStickyError(t *testing.T) {
	cr := chunkedReaderFor("zz\r\n")
	var p [8]byte
	_, err1 := cr.Read(p[:])
	_, err2 := cr.Read(p[:])
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
}

func TestChunkedWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChunkedWriter(&buf)
	_, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = cw.Write(nil) // empty writes emit nothing
	require.NoError(t, err)
	_, err = cw.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, cw.Close())

	assert.Equal(t, "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n", buf.String())
}

// Chunked round-trip: encoding with any chunk-size schedule and decoding
// recovers the original bytes.
func TestChunkedRoundTrip(t *testing.T) {
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	schedules := [][]int{
		{1},
		{7, 1, 4096},
		{10000},
		{3, 3, 3},
	}
	for _, sched := range schedules {
		var wire bytes.Buffer
		cw := NewChunkedWriter(&wire)
		rest := payload
		for i := 0; len(rest) > 0; i++ {
			n := sched[i%len(sched)]
			if n > len(rest) {
				n = len(rest)
			}
			_, err := cw.Write(rest[:n])
			require.NoError(t, err)
			rest = rest[n:]
		}
		require.NoError(t, cw.Close())

		br := NewReader(bytes.NewReader(wire.Bytes()), make([]byte, 4096))
		out, err := io.ReadAll(NewChunkedReader(br))
		require.NoError(t, err)
		require.Equal(t, payload, out, "schedule %v", sched)
	}
}

func TestChunkedWriterLargeChunkHeader(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChunkedWriter(&buf)
	data := bytes.Repeat([]byte("y"), 0xABC)
	_, err := cw.Write(data)
	require.NoError(t, err)
	require.NoError(t, cw.Close())

	wantPrefix := strconv.FormatInt(0xABC, 16) + "\r\n"
	assert.True(t, strings.HasPrefix(buf.String(), wantPrefix))
}
