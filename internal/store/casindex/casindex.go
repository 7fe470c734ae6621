// Package casindex implements the content-addressed index: an append-only
// stream of Add/RefInc/RefDec deltas whose replay materializes the
// in-memory hash -> CasEntry map that Store.Get and GC consult directly.
package casindex

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

// Magic is the 4-byte header of a flushed CAS SSTable.
const Magic = "CAS1"

// Store holds the CAS delta stream: a mutable memtable (records staged
// since the last flush) plus the immutable SSTables flushed before it, in
// manifest NewCasSst order.
type Store struct {
	mem      []schema.CasRecord
	sstables []string
}

// New returns a Store seeded with the SSTable paths recorded in the
// manifest, in NewCasSst order.
func New(sstablePaths []string) *Store {
	return &Store{sstables: append([]string(nil), sstablePaths...)}
}

// Apply stages one delta record. Order matters: deltas replay in the order
// they were applied.
func (s *Store) Apply(rec schema.CasRecord) {
	s.mem = append(s.mem, rec)
}

// Flush serializes the memtable to path as "CAS1" | count:u32 |
// (len-prefixed record)*, fsyncs, appends the path to the SSTable list and
// clears the memtable.
func (s *Store) Flush(path string) error {
	var buf bytes.Buffer
	var hdr [8]byte
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(s.mem)))
	buf.Write(hdr[:])
	for _, rec := range s.mem {
		if err := recfmt.WriteFrame(&buf, encodeRecord(rec)); err != nil {
			return storeerr.Wrap(storeerr.Io, "casindex.Flush", err)
		}
	}
	if err := atomicfile.WriteFile(path, &buf); err != nil {
		return storeerr.WrapIo("casindex.Flush", err)
	}
	s.sstables = append(s.sstables, path)
	s.mem = nil
	return nil
}

// IterAll replays every SSTable in manifest order followed by the
// memtable, yielding the full, ordered delta stream.
func (s *Store) IterAll() ([]schema.CasRecord, error) {
	var all []schema.CasRecord
	for _, path := range s.sstables {
		recs, err := readAll(path)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	all = append(all, s.mem...)
	return all, nil
}

// Materialize replays the full delta stream into a hash -> CasEntry map.
// In strict mode (the only bootstrap mode; see package store), a RefInc or
// RefDec against a hash with no prior Add is a hard error — it means the
// manifest and CAS log have diverged. Permissive mode tolerates that and
// skips the delta; store.Open never uses it, and neither does GC.
func (s *Store) Materialize(strict bool) (map[schema.Hash]*schema.CasEntry, error) {
	deltas, err := s.IterAll()
	if err != nil {
		return nil, err
	}
	out := make(map[schema.Hash]*schema.CasEntry)
	for _, d := range deltas {
		switch d.Kind {
		case schema.CasAdd:
			out[d.Hash] = &schema.CasEntry{
				SegmentID:  d.SegmentID,
				Offset:     d.Offset,
				SizePlain:  d.SizePlain,
				SizeCipher: d.SizeCipher,
				Refcount:   0,
			}
		case schema.CasRefInc:
			e, ok := out[d.Hash]
			if !ok {
				if strict {
					return nil, storeerr.New(storeerr.CasDanglingObject, "casindex.Materialize", d.Hash.String())
				}
				continue
			}
			e.Refcount++
		case schema.CasRefDec:
			e, ok := out[d.Hash]
			if !ok {
				if strict {
					return nil, storeerr.New(storeerr.CasDanglingObject, "casindex.Materialize", d.Hash.String())
				}
				continue
			}
			e.Refcount--
		}
	}
	return out, nil
}

func readAll(path string) ([]schema.CasRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.WrapIo("casindex.readAll", err)
	}
	defer f.Close()

	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, storeerr.WrapIo("casindex.readAll", err)
	}
	if string(hdr[0:4]) != Magic {
		return nil, storeerr.New(storeerr.BadSstMagic, "casindex.readAll", path)
	}
	count := binary.LittleEndian.Uint32(hdr[4:8])

	recs := make([]schema.CasRecord, 0, count)
	for {
		body, ok, err := recfmt.ReadFrame(f)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "casindex.readAll", err)
		}
		if !ok {
			break
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "casindex.readAll", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func encodeRecord(r schema.CasRecord) []byte {
	switch r.Kind {
	case schema.CasAdd:
		buf := make([]byte, 1+32+8+8+8+8)
		i := 0
		buf[i] = byte(schema.CasAdd)
		i++
		copy(buf[i:], r.Hash[:])
		i += 32
		binary.LittleEndian.PutUint64(buf[i:], r.SegmentID)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], r.Offset)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], r.SizePlain)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], r.SizeCipher)
		return buf
	case schema.CasRefInc, schema.CasRefDec:
		buf := make([]byte, 1+32)
		buf[0] = byte(r.Kind)
		copy(buf[1:], r.Hash[:])
		return buf
	default:
		panic("casindex: encode: unknown record kind")
	}
}

func decodeRecord(body []byte) (schema.CasRecord, error) {
	if len(body) < 1 {
		return schema.CasRecord{}, storeerr.New(storeerr.Serde, "casindex.decodeRecord", "empty body")
	}
	kind := schema.CasRecordKind(body[0])
	switch kind {
	case schema.CasAdd:
		if len(body) < 1+32+32 {
			return schema.CasRecord{}, storeerr.New(storeerr.Serde, "casindex.decodeRecord", "short Add record")
		}
		var hash schema.Hash
		i := 1
		copy(hash[:], body[i:i+32])
		i += 32
		segID := binary.LittleEndian.Uint64(body[i:])
		i += 8
		offset := binary.LittleEndian.Uint64(body[i:])
		i += 8
		sizePlain := binary.LittleEndian.Uint64(body[i:])
		i += 8
		sizeCipher := binary.LittleEndian.Uint64(body[i:])
		return schema.CasRecord{Kind: schema.CasAdd, Hash: hash, SegmentID: segID, Offset: offset, SizePlain: sizePlain, SizeCipher: sizeCipher}, nil
	case schema.CasRefInc, schema.CasRefDec:
		if len(body) < 1+32 {
			return schema.CasRecord{}, storeerr.New(storeerr.Serde, "casindex.decodeRecord", "short ref record")
		}
		var hash schema.Hash
		copy(hash[:], body[1:33])
		return schema.CasRecord{Kind: kind, Hash: hash}, nil
	default:
		return schema.CasRecord{}, storeerr.New(storeerr.Serde, "casindex.decodeRecord", "unknown record kind")
	}
}
