// Package segment implements the immutable, append-only object files that
// hold payload bytes. One segment is Active and receives writes; the rest
// are Sealed and never touched again until GC drops or rewrites them.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

// Magic is the 4-byte header every segment file starts with.
const Magic = "SEG1"

// ObjHeaderLen is hash(32) + nonce(12) + size_plain:u64(8) + size_cipher:u64(8).
const ObjHeaderLen = 60

// fileHeaderLen is magic(4) + object_count:u32(4).
const fileHeaderLen = 8

// ObjectLoc locates one object's payload within a segment file, as produced
// by scanning.
type ObjectLoc struct {
	Offset     uint64
	SizePlain  uint64
	SizeCipher uint64
}

// Writer appends objects to one segment file: either a brand new segment or
// an existing active one reopened after restart.
type Writer struct {
	f      *os.File
	path   string
	id     uint64
	count  uint32
	offset uint64 // next write position, counted from file start
	sealed bool
}

// Create makes a new segment file at path, writes the magic and a
// zero object-count placeholder, and returns a Writer positioned to accept
// objects.
func Create(path string, id uint64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, storeerr.WrapIo("segment.Create", err)
	}
	var hdr [fileHeaderLen]byte
	copy(hdr[0:4], Magic)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, storeerr.WrapIo("segment.Create", err)
	}
	return &Writer{f: f, path: path, id: id, offset: fileHeaderLen}, nil
}

// OpenAppend reopens an existing active segment without truncation,
// rebuilding the in-memory object count and write cursor by scanning its
// contents. If the file is empty (zero length, e.g. created but never
// written to), the header is written first.
func OpenAppend(path string, id uint64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, storeerr.WrapIo("segment.OpenAppend", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storeerr.WrapIo("segment.OpenAppend", err)
	}
	if info.Size() == 0 {
		var hdr [fileHeaderLen]byte
		copy(hdr[0:4], Magic)
		if _, err := f.Write(hdr[:]); err != nil {
			f.Close()
			return nil, storeerr.WrapIo("segment.OpenAppend", err)
		}
		return &Writer{f: f, path: path, id: id, offset: fileHeaderLen}, nil
	}

	locs, err := scanReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	var maxEnd uint64 = fileHeaderLen
	for _, l := range locs {
		end := l.Offset + ObjHeaderLen + l.SizeCipher
		if end > maxEnd {
			maxEnd = end
		}
	}
	if _, err := f.Seek(int64(maxEnd), io.SeekStart); err != nil {
		f.Close()
		return nil, storeerr.WrapIo("segment.OpenAppend", err)
	}
	return &Writer{f: f, path: path, id: id, count: uint32(len(locs)), offset: maxEnd}, nil
}

// WriteObject appends one object at the writer's current offset and
// returns that offset. The nonce is carried verbatim but never used to
// transform payload; the store never encrypts.
func (w *Writer) WriteObject(hash schema.Hash, nonce schema.Nonce, payload []byte, sizePlain uint64) (uint64, error) {
	if w.sealed {
		return 0, storeerr.New(storeerr.Io, "segment.WriteObject", "writer is sealed")
	}
	var hdr [ObjHeaderLen]byte
	copy(hdr[0:32], hash[:])
	copy(hdr[32:44], nonce[:])
	binary.LittleEndian.PutUint64(hdr[44:52], sizePlain)
	binary.LittleEndian.PutUint64(hdr[52:60], uint64(len(payload)))

	offset := w.offset
	if _, err := w.f.Write(hdr[:]); err != nil {
		return 0, storeerr.WrapIo("segment.WriteObject", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return 0, storeerr.WrapIo("segment.WriteObject", err)
	}
	w.offset += ObjHeaderLen + uint64(len(payload))
	w.count++
	return offset, nil
}

// FlushData forces payload durability without sealing the segment.
func (w *Writer) FlushData() error {
	return storeerr.WrapIo("segment.FlushData", w.f.Sync())
}

// Seal seeks back to the object-count placeholder, writes the final count,
// fsyncs and closes. The writer must not be used again afterward.
func (w *Writer) Seal() error {
	if w.sealed {
		return nil
	}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], w.count)
	if _, err := w.f.WriteAt(countBuf[:], 4); err != nil {
		return storeerr.WrapIo("segment.Seal", err)
	}
	if err := w.f.Sync(); err != nil {
		return storeerr.WrapIo("segment.Seal", err)
	}
	w.sealed = true
	return w.f.Close()
}

// Close releases the file handle without sealing (used when abandoning a
// writer that will be reopened with OpenAppend, e.g. across a clean
// shutdown of the active segment).
func (w *Writer) Close() error {
	if w.sealed {
		return nil
	}
	return w.f.Close()
}

func (w *Writer) Path() string          { return w.path }
func (w *Writer) ID() uint64            { return w.id }
func (w *Writer) CurrentSize() uint64   { return w.offset }
func (w *Writer) CurrentObjects() uint32 { return w.count }

// Scan verifies the magic and walks the file forward from the header,
// reporting one ObjectLoc per hash. It never reads payload bytes. A
// declared payload that would overrun the file's length is reported as
// corruption.
func Scan(path string) (map[schema.Hash]ObjectLoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.WrapIo("segment.Scan", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, storeerr.WrapIo("segment.Scan", err)
	}
	return scanReader(f, info.Size())
}

func scanReader(f *os.File, size int64) (map[schema.Hash]ObjectLoc, error) {
	if size < fileHeaderLen {
		return nil, storeerr.New(storeerr.BadSegmentMagic, "segment.Scan", "file shorter than header")
	}
	var hdr [fileHeaderLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, storeerr.WrapIo("segment.Scan", err)
	}
	if string(hdr[0:4]) != Magic {
		return nil, storeerr.New(storeerr.BadSegmentMagic, "segment.Scan", fmt.Sprintf("got %q", hdr[0:4]))
	}

	locs := make(map[schema.Hash]ObjectLoc)
	offset := uint64(fileHeaderLen)
	end := uint64(size)
	for offset < end {
		if offset+ObjHeaderLen > end {
			return nil, storeerr.New(storeerr.SegmentScan, "segment.Scan", "truncated object header")
		}
		var objHdr [ObjHeaderLen]byte
		if _, err := f.ReadAt(objHdr[:], int64(offset)); err != nil {
			return nil, storeerr.WrapIo("segment.Scan", err)
		}
		var hash schema.Hash
		copy(hash[:], objHdr[0:32])
		sizePlain := binary.LittleEndian.Uint64(objHdr[44:52])
		sizeCipher := binary.LittleEndian.Uint64(objHdr[52:60])

		payloadStart := offset + ObjHeaderLen
		payloadEnd := payloadStart + sizeCipher
		if payloadEnd > end {
			return nil, storeerr.New(storeerr.SegmentScan, "segment.Scan", "declared payload overruns file length")
		}
		locs[hash] = ObjectLoc{Offset: offset, SizePlain: sizePlain, SizeCipher: sizeCipher}
		offset = payloadEnd
	}
	return locs, nil
}

// ReadObject reads one object's payload out of a sealed or active segment
// file at the given location.
func ReadObject(path string, loc ObjectLoc) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.WrapIo("segment.ReadObject", err)
	}
	defer f.Close()
	buf := make([]byte, loc.SizeCipher)
	if _, err := f.ReadAt(buf, int64(loc.Offset+ObjHeaderLen)); err != nil {
		return nil, storeerr.WrapIo("segment.ReadObject", err)
	}
	return buf, nil
}

// ReadObjectRange reads a sub-range [start, start+length) of one object's
// plaintext payload, for HTTP Range requests. Since the store never
// encrypts, plaintext and ciphertext offsets coincide.
func ReadObjectRange(path string, loc ObjectLoc, start, length uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.WrapIo("segment.ReadObjectRange", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(loc.Offset+ObjHeaderLen+start)); err != nil {
		return nil, storeerr.WrapIo("segment.ReadObjectRange", err)
	}
	return buf, nil
}
