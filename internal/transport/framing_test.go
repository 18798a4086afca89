package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewlineFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := NewNewlineFramer(nil, &buf)
	require.NoError(t, out.WriteFrame([]byte(`{"a":1}`)))
	require.NoError(t, out.WriteFrame([]byte(`{"b":2}`)))

	in := NewNewlineFramer(&buf, io.Discard)
	first, err := in.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := in.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))

	_, err = in.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewlineFramerCopiesScannerBuffer(t *testing.T) {
	var buf bytes.Buffer
	out := NewNewlineFramer(nil, &buf)
	require.NoError(t, out.WriteFrame([]byte(`first`)))
	require.NoError(t, out.WriteFrame([]byte(`zzzzz`)))

	in := NewNewlineFramer(&buf, io.Discard)
	first, err := in.ReadFrame()
	require.NoError(t, err)
	_, err = in.ReadFrame()
	require.NoError(t, err)

	// The first frame must survive the second read.
	assert.Equal(t, "first", string(first))
}

func TestLengthPrefixFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := NewLengthPrefixFramer(nil, &buf)
	require.NoError(t, out.WriteFrame([]byte(`{"jsonrpc":"2.0"}`)))

	in := NewLengthPrefixFramer(&buf, io.Discard)
	frame, err := in.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(frame))
}

func TestLengthPrefixFramerRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	buf.Write(header[:])

	in := NewLengthPrefixFramer(&buf, io.Discard)
	_, err := in.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLengthPrefixFramerRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	in := NewLengthPrefixFramer(&buf, io.Discard)
	_, err := in.ReadFrame()
	assert.Error(t, err)
}

func TestLengthPrefixFramerTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	in := NewLengthPrefixFramer(&buf, io.Discard)
	_, err := in.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
