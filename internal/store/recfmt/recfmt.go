// Package recfmt holds the length-prefixed record framing shared by the
// WAL, the manifest log and the key/CAS SSTables. Every log-structured file
// in this store is a sequence of these frames; only the record payloads
// and the file's leading magic differ between formats.
package recfmt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// frameHeaderLen is length:u32 + crc32:u32 preceding every record body.
const frameHeaderLen = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// WriteFrame appends one length+checksum-prefixed frame to w: a u32 body
// length, a u32 CRC32C of the body, then the body itself. All integers are
// little-endian, matching the segment and SSTable formats.
func WriteFrame(w io.Writer, body []byte) error {
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(body, crcTable))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("recfmt: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("recfmt: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. ok is false with a nil err on a clean
// EOF at a frame boundary (the normal end of a well-formed file). A
// truncated header or body, or a CRC mismatch, is reported via
// ErrTruncated/ErrCorrupt so the caller can decide whether a short tail is
// tolerable (the WAL treats it as an unfinished batch; SSTables and the
// manifest treat it as fatal corruption).
func ReadFrame(r io.Reader) (body []byte, ok bool, err error) {
	var hdr [frameHeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF && n == 0 {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: frame header: %v", ErrTruncated, err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCrc := binary.LittleEndian.Uint32(hdr[4:8])

	body = make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, false, fmt.Errorf("%w: frame body (%d bytes): %v", ErrTruncated, length, err)
	}
	if gotCrc := crc32.Checksum(body, crcTable); gotCrc != wantCrc {
		return nil, false, fmt.Errorf("%w: frame crc mismatch: want %08x got %08x", ErrCorrupt, wantCrc, gotCrc)
	}
	return body, true, nil
}

// sentinel errors distinguished by ReadFrame; wrapped with context above.
var (
	ErrTruncated = fmt.Errorf("recfmt: truncated frame")
	ErrCorrupt   = fmt.Errorf("recfmt: corrupt frame")
)
