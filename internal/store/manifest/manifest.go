// Package manifest implements the append-only log of metadata transitions
// that is the sole source of truth for which segments and SSTables are
// valid on disk. Every other component's on-disk state is downstream of
// what the manifest records.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dreamsxin/objectstore/internal/store/recfmt"
	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

// Manifest is the append-only log file, opened for writing.
type Manifest struct {
	f *os.File
}

// Open opens (creating if needed) the manifest for appending.
func Open(path string) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, storeerr.WrapIo("manifest.Open", err)
	}
	return &Manifest{f: f}, nil
}

func (m *Manifest) Close() error { return m.f.Close() }

// Append writes one record and fsyncs. Unlike the WAL, every manifest
// record is individually durable and individually authoritative; there is
// no commit barrier because each record already describes a complete,
// atomic metadata transition.
func (m *Manifest) Append(rec schema.ManifestRecord) error {
	body := encodeRecord(rec)
	if err := recfmt.WriteFrame(m.f, body); err != nil {
		return storeerr.Wrap(storeerr.Io, "manifest.Append", err)
	}
	return storeerr.WrapIo("manifest.Append", m.f.Sync())
}

// ReadAll replays every record in the manifest at path, in order. Unlike
// the WAL, a truncated trailing record here is fatal: every manifest
// append is individually fsynced, so a short tail means on-disk damage,
// not an in-flight write.
func ReadAll(path string) ([]schema.ManifestRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storeerr.WrapIo("manifest.ReadAll", err)
	}
	defer f.Close()

	var out []schema.ManifestRecord
	for {
		body, ok, err := recfmt.ReadFrame(f)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "manifest.ReadAll", err)
		}
		if !ok {
			break
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Serde, "manifest.ReadAll", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// State is the folded, point-in-time view of the manifest's history: which
// segments exist and in what lifecycle state, which SSTables are live, and
// the most recent checkpoint.
type State struct {
	// Segments maps segment id to its path (unordered; see LiveSegments
	// for ascending ids). A segment remains here even after Drop; callers
	// consult Dropped to distinguish.
	Segments map[uint64]string
	Sealed   map[uint64]bool
	Dropped  map[uint64]bool
	Active   uint64 // 0 means none (an empty store, or the active segment was dropped)

	KeySstPaths []string
	CasSstPaths []string

	LastCheckpointWalSeq uint64
	HasCheckpoint         bool
}

// FromRecords folds a manifest history into a State. Ordering of the input
// slice is authoritative: later records override earlier ones.
func FromRecords(recs []schema.ManifestRecord) State {
	st := State{
		Segments: make(map[uint64]string),
		Sealed:   make(map[uint64]bool),
		Dropped:  make(map[uint64]bool),
	}
	for _, r := range recs {
		switch r.Kind {
		case schema.ManifestNewSegment:
			st.Segments[r.SegmentID] = r.Path
		case schema.ManifestSealSegment:
			st.Sealed[r.SegmentID] = true
		case schema.ManifestActiveSegment:
			st.Active = r.SegmentID
		case schema.ManifestNewKeySst:
			st.KeySstPaths = append(st.KeySstPaths, r.Path)
		case schema.ManifestNewCasSst:
			st.CasSstPaths = append(st.CasSstPaths, r.Path)
		case schema.ManifestDropSegment:
			st.Dropped[r.SegmentID] = true
			if st.Active == r.SegmentID {
				st.Active = 0
			}
		case schema.ManifestCheckpoint:
			st.LastCheckpointWalSeq = r.WalSeq
			st.HasCheckpoint = true
		}
	}
	return st
}

// LiveSegments returns segment ids that exist and have not been dropped,
// in ascending id order.
func (s State) LiveSegments() []uint64 {
	ids := make([]uint64, 0, len(s.Segments))
	for id := range s.Segments {
		if !s.Dropped[id] {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func encodeRecord(r schema.ManifestRecord) []byte {
	switch r.Kind {
	case schema.ManifestNewSegment, schema.ManifestNewKeySst, schema.ManifestNewCasSst:
		buf := make([]byte, 1+8+4+len(r.Path))
		buf[0] = byte(r.Kind)
		binary.LittleEndian.PutUint64(buf[1:9], r.SegmentID)
		binary.LittleEndian.PutUint32(buf[9:13], uint32(len(r.Path)))
		copy(buf[13:], r.Path)
		return buf
	case schema.ManifestSealSegment, schema.ManifestActiveSegment, schema.ManifestDropSegment:
		buf := make([]byte, 1+8)
		buf[0] = byte(r.Kind)
		binary.LittleEndian.PutUint64(buf[1:9], r.SegmentID)
		return buf
	case schema.ManifestCheckpoint:
		buf := make([]byte, 1+8)
		buf[0] = byte(r.Kind)
		binary.LittleEndian.PutUint64(buf[1:9], r.WalSeq)
		return buf
	default:
		panic(fmt.Sprintf("manifest: encode: unknown record kind %d", r.Kind))
	}
}

func decodeRecord(body []byte) (schema.ManifestRecord, error) {
	if len(body) < 1 {
		return schema.ManifestRecord{}, fmt.Errorf("manifest: empty record body")
	}
	kind := schema.ManifestRecordKind(body[0])
	switch kind {
	case schema.ManifestNewSegment, schema.ManifestNewKeySst, schema.ManifestNewCasSst:
		if len(body) < 13 {
			return schema.ManifestRecord{}, fmt.Errorf("manifest: short path record")
		}
		id := binary.LittleEndian.Uint64(body[1:9])
		pathLen := int(binary.LittleEndian.Uint32(body[9:13]))
		if len(body) < 13+pathLen {
			return schema.ManifestRecord{}, fmt.Errorf("manifest: short path record body")
		}
		path := string(body[13 : 13+pathLen])
		return schema.ManifestRecord{Kind: kind, SegmentID: id, Path: path}, nil
	case schema.ManifestSealSegment, schema.ManifestActiveSegment, schema.ManifestDropSegment:
		if len(body) < 9 {
			return schema.ManifestRecord{}, fmt.Errorf("manifest: short segment-id record")
		}
		id := binary.LittleEndian.Uint64(body[1:9])
		return schema.ManifestRecord{Kind: kind, SegmentID: id}, nil
	case schema.ManifestCheckpoint:
		if len(body) < 9 {
			return schema.ManifestRecord{}, fmt.Errorf("manifest: short checkpoint record")
		}
		seq := binary.LittleEndian.Uint64(body[1:9])
		return schema.ManifestRecord{Kind: kind, WalSeq: seq}, nil
	default:
		return schema.ManifestRecord{}, fmt.Errorf("manifest: unknown record kind %d", kind)
	}
}
