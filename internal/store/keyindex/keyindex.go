// Package keyindex implements the key -> latest-record index: an
// in-memory memtable backed by immutable, newest-to-oldest SSTables on
// disk. It answers "what hash does this key currently point to" and
// supports GC's live-hash enumeration.
package keyindex

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/dreamsxin/objectstore/internal/store/recfmt"
	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

// Magic is the 4-byte header of a flushed key SSTable.
const Magic = "KEY1"

// Store is the key index: a mutable memtable plus the list of immutable
// SSTables flushed before it, oldest first.
type Store struct {
	mem      map[string]schema.KeyRecord
	sstables []string // paths, oldest to newest
}

// New returns a Store with an empty memtable over the given SSTables
// (oldest first, as recorded in the manifest); the memtable is populated by
// Apply as the WAL is replayed during bootstrap.
func New(sstablePaths []string) *Store {
	return &Store{mem: make(map[string]schema.KeyRecord), sstables: append([]string(nil), sstablePaths...)}
}

// Apply stages one record into the memtable. Writes always overwrite: a
// later record for the same key replaces the earlier one outright.
func (s *Store) Apply(rec schema.KeyRecord) {
	s.mem[rec.Key] = rec
}

// GetLatest consults the memtable, then scans SSTables newest to oldest
// until the key is found. Returns ok=false only if the key has never been
// written; a tombstone is returned with ok=true (callers check rec.Kind to
// distinguish a live Put from a Delete).
func (s *Store) GetLatest(key string) (rec schema.KeyRecord, ok bool, err error) {
	if rec, ok := s.mem[key]; ok {
		return rec, true, nil
	}
	for i := len(s.sstables) - 1; i >= 0; i-- {
		found, ok, err := scanOne(s.sstables[i], key)
		if err != nil {
			return schema.KeyRecord{}, false, err
		}
		if ok {
			return found, true, nil
		}
	}
	return schema.KeyRecord{}, false, nil
}

// IterLatest returns one record per key across every SSTable and the
// memtable, with the memtable taking priority on any overlap. Used by GC
// to enumerate live hashes.
func (s *Store) IterLatest() (map[string]schema.KeyRecord, error) {
	merged := make(map[string]schema.KeyRecord)
	for _, path := range s.sstables {
		recs, err := readAll(path)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			merged[r.Key] = r
		}
	}
	for k, r := range s.mem {
		merged[k] = r
	}
	return merged, nil
}

// Flush serializes the memtable to path as "KEY1" | count:u32 |
// (len-prefixed record)*, fsyncs, appends the path to the SSTable list and
// clears the memtable. The caller is responsible for appending the
// corresponding NewKeySst manifest record in the same logical transaction.
func (s *Store) Flush(path string) error {
	var buf bytes.Buffer
	var hdr [8]byte
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(s.mem)))
	buf.Write(hdr[:])
	for _, rec := range s.mem {
		if err := recfmt.WriteFrame(&buf, encodeRecord(rec)); err != nil {
			return storeerr.Wrap(storeerr.Io, "keyindex.Flush", err)
		}
	}
	// atomic.WriteFile writes to a temp file in the same directory and
	// renames over path, so a crash mid-flush never leaves a partially
	// written SSTable at the path the manifest is about to reference.
	if err := atomicfile.WriteFile(path, &buf); err != nil {
		return storeerr.WrapIo("keyindex.Flush", err)
	}
	s.sstables = append(s.sstables, path)
	s.mem = make(map[string]schema.KeyRecord)
	return nil
}

func scanOne(path, key string) (schema.KeyRecord, bool, error) {
	recs, err := readAll(path)
	if err != nil {
		return schema.KeyRecord{}, false, err
	}
	// Last record for the key wins within a single SSTable (shouldn't
	// normally happen since a flush clears the memtable, but tolerate it).
	var found schema.KeyRecord
	ok := false
	for _, r := range recs {
		if r.Key == key {
			found, ok = r, true
		}
	}
	return found, ok, nil
}

func readAll(path string) ([]schema.KeyRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.WrapIo("keyindex.readAll", err)
	}
	defer f.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, storeerr.WrapIo("keyindex.readAll", err)
	}
	if string(hdr[0:4]) != Magic {
		return nil, storeerr.New(storeerr.BadSstMagic, "keyindex.readAll", path)
	}
	count := binary.LittleEndian.Uint32(hdr[4:8])

	recs := make([]schema.KeyRecord, 0, count)
	for {
		body, ok, err := recfmt.ReadFrame(f)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "keyindex.readAll", err)
		}
		if !ok {
			break
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "keyindex.readAll", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func encodeRecord(r schema.KeyRecord) []byte {
	switch r.Kind {
	case schema.KeyPut:
		buf := make([]byte, 1+4+len(r.Key)+8+32+8+8)
		i := 0
		buf[i] = byte(schema.KeyPut)
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
	case schema.KeyDelete:
		buf := make([]byte, 1+4+len(r.Key)+8+8)
		i := 0
		buf[i] = byte(schema.KeyDelete)
		i++
		binary.LittleEndian.PutUint32(buf[i:], uint32(len(r.Key)))
		i += 4
		copy(buf[i:], r.Key)
		i += len(r.Key)
		binary.LittleEndian.PutUint64(buf[i:], r.Version)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], uint64(r.Ts))
		return buf
	default:
		panic("keyindex: encode: unknown record kind")
	}
}

func decodeRecord(body []byte) (schema.KeyRecord, error) {
	if len(body) < 1 {
		return schema.KeyRecord{}, storeerr.New(storeerr.Serde, "keyindex.decodeRecord", "empty body")
	}
	kind := schema.KeyRecordKind(body[0])
	switch kind {
	case schema.KeyPut:
		i := 1
		keyLen := int(binary.LittleEndian.Uint32(body[i:]))
		i += 4
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
		return schema.KeyRecord{Kind: schema.KeyPut, Key: key, Version: version, Hash: hash, Size: size, Ts: ts}, nil
	case schema.KeyDelete:
		i := 1
		keyLen := int(binary.LittleEndian.Uint32(body[i:]))
		i += 4
		key := string(body[i : i+keyLen])
		i += keyLen
		version := binary.LittleEndian.Uint64(body[i:])
		i += 8
		ts := int64(binary.LittleEndian.Uint64(body[i:]))
		return schema.KeyRecord{Kind: schema.KeyDelete, Key: key, Version: version, Ts: ts}, nil
	default:
		return schema.KeyRecord{}, storeerr.New(storeerr.Serde, "keyindex.decodeRecord", "unknown record kind")
	}
}
