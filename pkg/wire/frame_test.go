package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := sample{A: "hello", B: 42}
	require.NoError(t, WriteFrame(&buf, in))

	var out sample
	require.NoError(t, Decode(&buf, 0, &out))
	require.Equal(t, in, out)
}

func TestReaderAccumulatesAcrossShortReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, sample{A: "x", B: 1}))
	require.NoError(t, WriteFrame(&buf, sample{A: "y", B: 2}))

	// Feed the reader one byte at a time via a slow reader.
	r := NewReader(&slowReader{data: buf.Bytes()}, 0)

	f1, err := r.Next()
	require.NoError(t, err)
	var s1 sample
	require.NoError(t, json.Unmarshal(f1, &s1))
	require.Equal(t, "x", s1.A)

	f2, err := r.Next()
	require.NoError(t, err)
	var s2 sample
	require.NoError(t, json.Unmarshal(f2, &s2))
	require.Equal(t, "y", s2.A)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, sample{A: "abc"}))
	_, err := ReadFrame(&buf, 1)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReaderDiscardsPartialFrameOnClose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, sample{A: "complete"}))
	full := buf.Bytes()
	partial := full[:len(full)-2] // truncate mid-body

	r := NewReader(bytes.NewReader(partial), 0)
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, r.buf)
}

type slowReader struct {
	data []byte
	pos  int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p[:1], s.data[s.pos:s.pos+1])
	s.pos += n
	return n, nil
}
