// Package wal implements the write-ahead log: a sequence of length-prefixed
// records terminated by commit barriers. A batch of Put/Delete records is
// visible only once its terminating Commit record has been written and
// fsynced; a truncated trailing record (the signature of a crash mid-write)
// is silently dropped rather than treated as corruption.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dreamsxin/objectstore/internal/store/recfmt"
	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

// Wal is an append-only log file opened for writing. Reading back the full
// history for recovery is done with ReadAll against the same path.
type Wal struct {
	f      *os.File
	offset uint64
}

// Open opens (creating if needed) the WAL file for appending and reports
// its current end-of-file offset, which the store records in Checkpoint
// records as wal_seq.
func Open(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, storeerr.WrapIo("wal.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storeerr.WrapIo("wal.Open", err)
	}
	return &Wal{f: f, offset: uint64(info.Size())}, nil
}

// Offset returns the current end-of-file byte position.
func (w *Wal) Offset() uint64 { return w.offset }

// Close closes the underlying file.
func (w *Wal) Close() error { return w.f.Close() }

// AppendBatch writes every record in batch followed by a Commit record,
// then fsyncs once. The fsync is the commit barrier: records are visible
// to recovery only after this call returns successfully.
func (w *Wal) AppendBatch(batch []schema.WalRecord) error {
	for _, rec := range batch {
		body := encodeRecord(rec)
		if err := recfmt.WriteFrame(w.f, body); err != nil {
			return storeerr.Wrap(storeerr.Io, "wal.AppendBatch", err)
		}
		w.offset += frameLen(body)
	}
	commitBody := encodeRecord(schema.WalRecord{Kind: schema.WalCommit})
	if err := recfmt.WriteFrame(w.f, commitBody); err != nil {
		return storeerr.Wrap(storeerr.Io, "wal.AppendBatch", err)
	}
	w.offset += frameLen(commitBody)
	if err := w.f.Sync(); err != nil {
		return storeerr.WrapIo("wal.AppendBatch", err)
	}
	return nil
}

func frameLen(body []byte) uint64 { return uint64(8 + len(body)) }

// ReadAll replays every committed batch in the WAL at path, in order.
// Records belonging to a batch whose Commit never arrived (a truncated
// tail, or no tail frame at all) are discarded. Any corruption error
// (bad CRC on a frame that is otherwise complete) is reported, since that
// indicates on-disk damage rather than an in-flight write.
func ReadAll(path string) ([]schema.WalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storeerr.WrapIo("wal.ReadAll", err)
	}
	defer f.Close()

	var out []schema.WalRecord
	var pending []schema.WalRecord
	for {
		body, ok, err := recfmt.ReadFrame(f)
		if err != nil {
			if errors.Is(err, recfmt.ErrTruncated) {
				// Crash mid-write of a single frame: the batch so far is
				// discarded, and there is nothing usable past this point.
				break
			}
			return nil, storeerr.Wrap(storeerr.Serde, "wal.ReadAll", err)
		}
		if !ok {
			break
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "wal.ReadAll", err)
		}
		if rec.Kind == schema.WalCommit {
			out = append(out, pending...)
			pending = pending[:0]
			continue
		}
		pending = append(pending, rec)
	}
	return out, nil
}

func encodeRecord(r schema.WalRecord) []byte {
	switch r.Kind {
	case schema.WalPut:
		buf := make([]byte, 1+4+len(r.Key)+8+32+8+8)
		i := 0
		buf[i] = byte(schema.WalPut)
		i++
		binary.LittleEndian.PutUint32(buf[i:], uint32(len(r.Key)))
		i += 4
		copy(buf[i:], r.Key)
		i += len(r.Key)
		binary.LittleEndian.PutUint64(buf[i:], r.Version)
		i += 8
		copy(buf[i:], r.Hash[:])
		i += 32
		binary.LittleEndian.PutUint64(buf[i:], r.Size)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], uint64(r.Ts))
		return buf
	case schema.WalDelete:
		buf := make([]byte, 1+4+len(r.Key)+8+8)
		i := 0
		buf[i] = byte(schema.WalDelete)
		i++
		binary.LittleEndian.PutUint32(buf[i:], uint32(len(r.Key)))
		i += 4
		copy(buf[i:], r.Key)
		i += len(r.Key)
		binary.LittleEndian.PutUint64(buf[i:], r.Version)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], uint64(r.Ts))
		return buf
	case schema.WalCommit:
		return []byte{byte(schema.WalCommit)}
	default:
		panic(fmt.Sprintf("wal: encode: unknown record kind %d", r.Kind))
	}
}

func decodeRecord(body []byte) (schema.WalRecord, error) {
	if len(body) < 1 {
		return schema.WalRecord{}, fmt.Errorf("wal: empty record body")
	}
	kind := schema.WalRecordKind(body[0])
	switch kind {
	case schema.WalPut:
		if len(body) < 1+4 {
			return schema.WalRecord{}, fmt.Errorf("wal: short Put record")
		}
		i := 1
		keyLen := int(binary.LittleEndian.Uint32(body[i:]))
		i += 4
		if len(body) < i+keyLen+8+32+8+8 {
			return schema.WalRecord{}, fmt.Errorf("wal: short Put record body")
		}
		key := string(body[i : i+keyLen])
		i += keyLen
		version := binary.LittleEndian.Uint64(body[i:])
		i += 8
		var hash schema.Hash
		copy(hash[:], body[i:i+32])
		i += 32
		size := binary.LittleEndian.Uint64(body[i:])
		i += 8
		ts := int64(binary.LittleEndian.Uint64(body[i:]))
		return schema.WalRecord{Kind: schema.WalPut, Key: key, Version: version, Hash: hash, Size: size, Ts: ts}, nil
	case schema.WalDelete:
		if len(body) < 1+4 {
			return schema.WalRecord{}, fmt.Errorf("wal: short Delete record")
		}
		i := 1
		keyLen := int(binary.LittleEndian.Uint32(body[i:]))
		i += 4
		if len(body) < i+keyLen+8+8 {
			return schema.WalRecord{}, fmt.Errorf("wal: short Delete record body")
		}
		key := string(body[i : i+keyLen])
		i += keyLen
		version := binary.LittleEndian.Uint64(body[i:])
		i += 8
		ts := int64(binary.LittleEndian.Uint64(body[i:]))
		return schema.WalRecord{Kind: schema.WalDelete, Key: key, Version: version, Ts: ts}, nil
	case schema.WalCommit:
		return schema.WalRecord{Kind: schema.WalCommit}, nil
	default:
		return schema.WalRecord{}, fmt.Errorf("wal: unknown record kind %d", kind)
	}
}
