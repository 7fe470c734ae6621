package segment

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

func TestWriteScanReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.seg")

	w, err := Create(path, 1)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("alpha"), []byte("a slightly longer payload body"), {}}
	hashes := make([]schema.Hash, len(payloads))
	offsets := make([]uint64, len(payloads))
	for i, p := range payloads {
		hashes[i] = schema.Hash(sha256.Sum256(p))
		off, err := w.WriteObject(hashes[i], schema.Nonce{}, p, uint64(len(p)))
		require.NoError(t, err)
		offsets[i] = off
	}
	require.NoError(t, w.FlushData())
	require.NoError(t, w.Seal())

	locs, err := Scan(path)
	require.NoError(t, err)
	require.Len(t, locs, len(payloads))

	for i, p := range payloads {
		loc, ok := locs[hashes[i]]
		require.True(t, ok)
		require.Equal(t, offsets[i], loc.Offset)
		require.Equal(t, uint64(len(p)), loc.SizeCipher)

		got, err := ReadObject(path, loc)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestReadObjectRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.seg")
	w, err := Create(path, 1)
	require.NoError(t, err)

	payload := []byte("0123456789")
	hash := schema.Hash(sha256.Sum256(payload))
	off, err := w.WriteObject(hash, schema.Nonce{}, payload, uint64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, w.Seal())

	got, err := ReadObjectRange(path, ObjectLoc{Offset: off, SizePlain: 10, SizeCipher: 10}, 3, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("3456"), got)
}

func TestScanRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.seg")
	require.NoError(t, os.WriteFile(path, []byte("NOPE\x00\x00\x00\x00"), 0o644))

	_, err := Scan(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, storeerr.ErrBadSegmentMagic))
}

func TestOpenAppendRebuildsCursorAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.seg")

	w, err := Create(path, 2)
	require.NoError(t, err)
	payload := []byte("hello world")
	hash := schema.Hash(sha256.Sum256(payload))
	_, err = w.WriteObject(hash, schema.Nonce{}, payload, uint64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, w.FlushData())
	require.NoError(t, w.Close()) // not sealed: simulates a crash of the active segment

	reopened, err := OpenAppend(path, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), reopened.CurrentObjects())

	payload2 := []byte("second object")
	hash2 := schema.Hash(sha256.Sum256(payload2))
	_, err = reopened.WriteObject(hash2, schema.Nonce{}, payload2, uint64(len(payload2)))
	require.NoError(t, err)
	require.NoError(t, reopened.Seal())

	locs, err := Scan(path)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	require.Contains(t, locs, hash)
	require.Contains(t, locs, hash2)
}
