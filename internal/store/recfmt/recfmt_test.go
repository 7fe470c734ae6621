package recfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xAB}, 4096)}
	for _, b := range bodies {
		require.NoError(t, WriteFrame(&buf, b))
	}

	for _, want := range bodies {
		got, ok, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.False(t, ok, "clean EOF at a frame boundary should not be an error")
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	_, _, err := ReadFrame(buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, []byte("0123456789")))
	truncated := bytes.NewBuffer(full.Bytes()[:len(full.Bytes())-3])

	_, _, err := ReadFrame(truncated)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestReadFrameCorruptCrc(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err := ReadFrame(bytes.NewReader(corrupted))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}
