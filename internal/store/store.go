// Package store ties the WAL, segments, manifest and key/CAS indexes
// together into the object store's public operations: put, get, delete,
// locate-for-read, checkpoint, rotation and GC triggering. A single
// exclusive mutex makes every mutating call and every CAS/segment
// resolution single-writer; once a reader has resolved a (path, offset,
// length) it releases the lock and streams from the immutable file.
package store

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/objectstore/internal/store/casindex"
	"github.com/dreamsxin/objectstore/internal/store/gc"
	"github.com/dreamsxin/objectstore/internal/store/keyindex"
	"github.com/dreamsxin/objectstore/internal/store/manifest"
	"github.com/dreamsxin/objectstore/internal/store/metrics"
	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/segment"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
	"github.com/dreamsxin/objectstore/internal/store/wal"
)

// Limits bundles the size/threshold knobs the engine needs; cmd/objectstored
// builds this from internal/config at startup.
type Limits struct {
	SegmentTargetBytes int64
	SegmentMaxObjects  int
	GC                 gc.Config
}

// ReadLocation is what LocateForRead hands back to the HTTP edge: enough
// to open the file directly and stream a range without holding the store
// lock.
type ReadLocation struct {
	Path   string
	Offset uint64
	Length uint64
	ETag   string
}

type segInfo struct {
	path   string
	sealed bool
}

type segTopology struct {
	byID   *immutable.SortedMap[uint64, *segInfo]
	active uint64
}

type uint64Comparer struct{}

func (uint64Comparer) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type dirs struct {
	base, wal, segments, index, meta string
}

// Store is the engine core. Exported fields are none; every interaction
// goes through the methods below.
type Store struct {
	mu sync.Mutex

	dir     dirs
	limits  Limits
	log     log.Logger
	metrics *metrics.Store

	wal *wal.Wal
	man *manifest.Manifest

	keyIdx *keyindex.Store
	casIdx *casindex.Store
	cas    map[schema.Hash]*schema.CasEntry

	segments     atomic.Pointer[segTopology]
	activeWriter *segment.Writer
	nextSegID    uint64

	ready atomic.Bool
}

// Metrics exposes the registered metric set for the HTTP edge's /metrics
// handler and for tests.
func (s *Store) Metrics() *metrics.Store { return s.metrics }

// Ready reports whether the store is accepting writes.
func (s *Store) Ready() bool { return s.ready.Load() }

// SetReady flips the readiness flag; used by shutdown draining.
func (s *Store) SetReady(v bool) { s.ready.Store(v) }

func findInScans(scans map[uint64]map[schema.Hash]segment.ObjectLoc, h schema.Hash) (segment.ObjectLoc, uint64, bool) {
	for id, scan := range scans {
		if loc, ok := scan[h]; ok {
			return loc, id, true
		}
	}
	return segment.ObjectLoc{}, 0, false
}

// Open runs the full bootstrap sequence against baseDir: ensure layout,
// replay the manifest, replay the WAL under the commit barrier, scan every
// live segment, materialize and heal the CAS map strictly, and open the
// WAL and active segment for append.
func Open(baseDir string, limits Limits, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	d := dirs{
		base:     baseDir,
		wal:      filepath.Join(baseDir, "wal"),
		segments: filepath.Join(baseDir, "segments"),
		index:    filepath.Join(baseDir, "index"),
		meta:     filepath.Join(baseDir, "meta"),
	}
	for _, p := range []string{d.wal, d.segments, d.index, d.meta} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, storeerr.WrapIo("store.Open", err)
		}
	}

	manifestPath := filepath.Join(d.meta, "MANIFEST")
	manRecs, err := manifest.ReadAll(manifestPath)
	if err != nil {
		return nil, err
	}
	mstate := manifest.FromRecords(manRecs)

	for _, p := range mstate.KeySstPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, storeerr.New(storeerr.ManifestMissingSegment, "store.Open", "missing key sstable "+p)
		}
	}
	for _, p := range mstate.CasSstPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, storeerr.New(storeerr.ManifestMissingSegment, "store.Open", "missing cas sstable "+p)
		}
	}

	keyIdx := keyindex.New(mstate.KeySstPaths)
	casIdx := casindex.New(mstate.CasSstPaths)

	cas, err := casIdx.Materialize(true)
	if err != nil {
		return nil, err
	}

	allScans := make(map[uint64]map[schema.Hash]segment.ObjectLoc)
	for _, id := range mstate.LiveSegments() {
		path := mstate.Segments[id]
		if _, err := os.Stat(path); err != nil {
			if mstate.Sealed[id] {
				return nil, storeerr.New(storeerr.ManifestMissingSegment, "store.Open", fmt.Sprintf("sealed segment %d missing", id))
			}
			continue
		}
		scan, err := segment.Scan(path)
		if err != nil {
			return nil, err
		}
		allScans[id] = scan
	}

	for h, entry := range cas {
		if entry.SegmentID == mstate.Active {
			continue
		}
		if loc, id, ok := findInScans(allScans, h); ok {
			entry.SegmentID = id
			entry.Offset = loc.Offset
			entry.SizePlain = loc.SizePlain
			entry.SizeCipher = loc.SizeCipher
			continue
		}
		return nil, storeerr.New(storeerr.CasDanglingObject, "store.Open", h.String())
	}

	man, err := manifest.Open(manifestPath)
	if err != nil {
		return nil, err
	}

	activeID := mstate.Active
	if activeID == 0 {
		activeID = 1
		for _, id := range mstate.LiveSegments() {
			if id >= activeID {
				activeID = id + 1
			}
		}
		path := filepath.Join(d.segments, fmt.Sprintf("seg-%d.seg", activeID))
		if err := man.Append(schema.ManifestRecord{Kind: schema.ManifestNewSegment, SegmentID: activeID, Path: path}); err != nil {
			return nil, err
		}
		if err := man.Append(schema.ManifestRecord{Kind: schema.ManifestActiveSegment, SegmentID: activeID}); err != nil {
			return nil, err
		}
		mstate.Segments[activeID] = path
	}

	walPath := filepath.Join(d.wal, "wal.log")
	walRecs, err := wal.ReadAll(walPath)
	if err != nil {
		return nil, err
	}

	for _, rec := range walRecs {
		switch rec.Kind {
		case schema.WalPut:
			prev, hadPrev, err := keyIdx.GetLatest(rec.Key)
			if err != nil {
				return nil, err
			}
			keyIdx.Apply(schema.KeyRecord{Kind: schema.KeyPut, Key: rec.Key, Version: rec.Version, Hash: rec.Hash, Size: rec.Size, Ts: rec.Ts})
			_ = hadPrev
			_ = prev

			if entry, ok := cas[rec.Hash]; ok {
				entry.Refcount++
				casIdx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: rec.Hash})
			} else {
				loc, segID, ok := findInScans(allScans, rec.Hash)
				if !ok {
					return nil, storeerr.New(storeerr.CasDanglingObject, "store.Open", rec.Hash.String())
				}
				entry := &schema.CasEntry{SegmentID: segID, Offset: loc.Offset, SizePlain: loc.SizePlain, SizeCipher: loc.SizeCipher, Refcount: 0}
				cas[rec.Hash] = entry
				casIdx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: rec.Hash, SegmentID: segID, Offset: loc.Offset, SizePlain: loc.SizePlain, SizeCipher: loc.SizeCipher})
				entry.Refcount++
				casIdx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: rec.Hash})
			}
		case schema.WalDelete:
			prev, hadPrev, err := keyIdx.GetLatest(rec.Key)
			if err != nil {
				return nil, err
			}
			keyIdx.Apply(schema.KeyRecord{Kind: schema.KeyDelete, Key: rec.Key, Version: rec.Version, Ts: rec.Ts})
			if hadPrev && prev.Kind == schema.KeyPut {
				entry, ok := cas[prev.Hash]
				if !ok {
					return nil, storeerr.New(storeerr.CasDanglingObject, "store.Open", prev.Hash.String())
				}
				entry.Refcount--
				casIdx.Apply(schema.CasRecord{Kind: schema.CasRefDec, Hash: prev.Hash})
			}
		}
	}

	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}

	activePath := mstate.Segments[activeID]
	aw, err := segment.OpenAppend(activePath, activeID)
	if err != nil {
		return nil, err
	}

	byID := immutable.NewSortedMap[uint64, *segInfo](uint64Comparer{})
	for id, path := range mstate.Segments {
		if mstate.Dropped[id] {
			continue
		}
		byID = byID.Set(id, &segInfo{path: path, sealed: mstate.Sealed[id]})
	}

	maxID := activeID
	for id := range mstate.Segments {
		if id > maxID {
			maxID = id
		}
	}

	s := &Store{
		dir:          d,
		limits:       limits,
		log:          logger,
		metrics:      metrics.New(reg),
		wal:          w,
		man:          man,
		keyIdx:       keyIdx,
		casIdx:       casIdx,
		cas:          cas,
		activeWriter: aw,
		nextSegID:    maxID + 1,
	}
	s.segments.Store(&segTopology{byID: byID, active: activeID})
	s.ready.Store(true)
	level.Info(s.log).Log("msg", "store opened", "active_segment", activeID, "cas_entries", len(cas))
	return s, nil
}

func (s *Store) segmentPathLocked(id uint64) string {
	info, ok := s.segments.Load().byID.Get(id)
	if !ok {
		return ""
	}
	return info.path
}

func (s *Store) activeSegmentID() uint64 { return s.segments.Load().active }

func (s *Store) manifestPath() string { return filepath.Join(s.dir.meta, "MANIFEST") }

// Put stores data under key, deduplicating against the CAS index by
// content hash. Rotation is checked before any write.
func (s *Store) Put(key string, data []byte) error {
	start := time.Now()
	defer func() { s.metrics.ObservePut(time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}

	h := schema.Hash(sha256.Sum256(data))
	version, err := s.nextVersionLocked(key)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()

	if entry, ok := s.cas[h]; ok {
		entry.Refcount++
		s.casIdx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h})
	} else {
		offset, err := s.activeWriter.WriteObject(h, schema.Nonce{}, data, uint64(len(data)))
		if err != nil {
			return err
		}
		if err := s.activeWriter.FlushData(); err != nil {
			return err
		}
		entry := &schema.CasEntry{
			SegmentID:  s.activeSegmentID(),
			Offset:     offset,
			SizePlain:  uint64(len(data)),
			SizeCipher: uint64(len(data)),
			Refcount:   0,
		}
		s.cas[h] = entry
		s.casIdx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: h, SegmentID: entry.SegmentID, Offset: offset, SizePlain: entry.SizePlain, SizeCipher: entry.SizeCipher})
		entry.Refcount++
		s.casIdx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h})
	}

	s.keyIdx.Apply(schema.KeyRecord{Kind: schema.KeyPut, Key: key, Version: version, Hash: h, Size: uint64(len(data)), Ts: now})

	if err := s.wal.AppendBatch([]schema.WalRecord{{Kind: schema.WalPut, Key: key, Version: version, Hash: h, Size: uint64(len(data)), Ts: now}}); err != nil {
		return err
	}

	s.metrics.PutTotal.Inc()
	s.metrics.BytesIn.Add(float64(len(data)))
	s.metrics.ActiveSegmentBytes.Set(float64(s.activeWriter.CurrentSize()))
	s.metrics.CasEntryCount.Set(float64(len(s.cas)))
	return nil
}

func (s *Store) nextVersionLocked(key string) (uint64, error) {
	rec, ok, err := s.keyIdx.GetLatest(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return rec.Version + 1, nil
}

// Get returns the current payload for key, verifying the on-disk hash
// against the key index's recorded hash before returning it.
func (s *Store) Get(key string) ([]byte, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveGet(time.Since(start)) }()

	s.mu.Lock()
	rec, ok, err := s.keyIdx.GetLatest(key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !ok {
		s.mu.Unlock()
		return nil, storeerr.New(storeerr.NotFound, "store.Get", key)
	}
	if rec.Kind == schema.KeyDelete {
		s.mu.Unlock()
		return nil, storeerr.New(storeerr.Deleted, "store.Get", key)
	}
	entry, ok := s.cas[rec.Hash]
	if !ok {
		s.mu.Unlock()
		return nil, storeerr.New(storeerr.CasMiss, "store.Get", rec.Hash.String())
	}
	path := s.segmentPathLocked(entry.SegmentID)
	if path == "" {
		s.mu.Unlock()
		return nil, storeerr.New(storeerr.SegmentMissing, "store.Get", fmt.Sprint(entry.SegmentID))
	}
	loc := segment.ObjectLoc{Offset: entry.Offset, SizePlain: entry.SizePlain, SizeCipher: entry.SizeCipher}
	s.mu.Unlock()

	payload, err := segment.ReadObject(path, loc)
	if err != nil {
		return nil, err
	}
	got := schema.Hash(sha256.Sum256(payload))
	if got != rec.Hash {
		return nil, storeerr.New(storeerr.HashMismatch, "store.Get", rec.Hash.String())
	}
	s.metrics.GetTotal.Inc()
	s.metrics.BytesOut.Add(float64(len(payload)))
	return payload, nil
}

// LocateForRead resolves a key to a file position suitable for streaming,
// releasing the store lock before the caller touches the filesystem.
func (s *Store) LocateForRead(key string) (ReadLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.keyIdx.GetLatest(key)
	if err != nil {
		return ReadLocation{}, err
	}
	if !ok {
		return ReadLocation{}, storeerr.New(storeerr.NotFound, "store.LocateForRead", key)
	}
	if rec.Kind == schema.KeyDelete {
		return ReadLocation{}, storeerr.New(storeerr.Deleted, "store.LocateForRead", key)
	}
	entry, ok := s.cas[rec.Hash]
	if !ok {
		return ReadLocation{}, storeerr.New(storeerr.CasMiss, "store.LocateForRead", rec.Hash.String())
	}
	path := s.segmentPathLocked(entry.SegmentID)
	if path == "" {
		return ReadLocation{}, storeerr.New(storeerr.SegmentMissing, "store.LocateForRead", fmt.Sprint(entry.SegmentID))
	}
	return ReadLocation{
		Path:   path,
		Offset: entry.Offset + segment.ObjHeaderLen,
		Length: entry.SizePlain,
		ETag:   rec.Hash.ETag(),
	}, nil
}

// Delete tombstones key, decrementing the refcount of its previously
// visible hash.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.keyIdx.GetLatest(key)
	if err != nil {
		return err
	}
	if !ok || rec.Kind == schema.KeyDelete {
		return storeerr.New(storeerr.NotFound, "store.Delete", key)
	}
	version := rec.Version + 1
	now := time.Now().UnixNano()

	if entry, ok := s.cas[rec.Hash]; ok {
		entry.Refcount--
		s.casIdx.Apply(schema.CasRecord{Kind: schema.CasRefDec, Hash: rec.Hash})
	}
	s.keyIdx.Apply(schema.KeyRecord{Kind: schema.KeyDelete, Key: key, Version: version, Ts: now})

	if err := s.wal.AppendBatch([]schema.WalRecord{{Kind: schema.WalDelete, Key: key, Version: version, Ts: now}}); err != nil {
		return err
	}
	s.metrics.DeleteTotal.Inc()
	s.metrics.CasEntryCount.Set(float64(len(s.cas)))
	return nil
}

func (s *Store) rotateIfNeededLocked() error {
	size := int64(s.activeWriter.CurrentSize())
	objs := int(s.activeWriter.CurrentObjects())
	if objs == 0 {
		return nil
	}
	if size < s.limits.SegmentTargetBytes && objs < s.limits.SegmentMaxObjects {
		return nil
	}

	oldID := s.activeSegmentID()
	oldPath := s.segmentPathLocked(oldID)
	if err := s.activeWriter.Seal(); err != nil {
		return err
	}
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestSealSegment, SegmentID: oldID}); err != nil {
		return err
	}

	newID := s.nextSegID
	s.nextSegID++
	newPath := filepath.Join(s.dir.segments, fmt.Sprintf("seg-%d.seg", newID))
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestNewSegment, SegmentID: newID, Path: newPath}); err != nil {
		return err
	}
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestActiveSegment, SegmentID: newID}); err != nil {
		return err
	}

	w, err := segment.Create(newPath, newID)
	if err != nil {
		return err
	}
	s.activeWriter = w

	top := s.segments.Load()
	byID := top.byID.Set(oldID, &segInfo{path: oldPath, sealed: true}).Set(newID, &segInfo{path: newPath, sealed: false})
	s.segments.Store(&segTopology{byID: byID, active: newID})

	s.metrics.SegmentRotations.Inc()
	level.Info(s.log).Log("msg", "segment rotated", "old", oldID, "new", newID)
	return nil
}

// Checkpoint flushes both index memtables to new SSTables and records the
// transition in the manifest along with the current WAL offset.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	stamp := time.Now().UnixNano()
	keyPath := filepath.Join(s.dir.index, fmt.Sprintf("key-%d.sst", stamp))
	casPath := filepath.Join(s.dir.index, fmt.Sprintf("cas-%d.sst", stamp))

	if err := s.keyIdx.Flush(keyPath); err != nil {
		return err
	}
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestNewKeySst, Path: keyPath}); err != nil {
		return err
	}
	if err := s.casIdx.Flush(casPath); err != nil {
		return err
	}
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestNewCasSst, Path: casPath}); err != nil {
		return err
	}
	if err := s.man.Append(schema.ManifestRecord{Kind: schema.ManifestCheckpoint, WalSeq: s.wal.Offset()}); err != nil {
		return err
	}

	s.metrics.Checkpoints.Inc()
	level.Debug(s.log).Log("msg", "checkpoint", "wal_seq", s.wal.Offset())
	return nil
}

// --- gc.Mutator ---

func (s *Store) AppendManifest(rec schema.ManifestRecord) error { return s.man.Append(rec) }

func (s *Store) AllocateSegmentID() uint64 {
	id := s.nextSegID
	s.nextSegID++
	return id
}

func (s *Store) SegmentPath(id uint64) string {
	return filepath.Join(s.dir.segments, fmt.Sprintf("seg-%d.seg", id))
}

func (s *Store) UpdateCasLocation(h schema.Hash, newSegmentID, newOffset uint64) {
	if entry, ok := s.cas[h]; ok {
		entry.SegmentID = newSegmentID
		entry.Offset = newOffset
	}
}

// TryGCCompact builds a fresh snapshot, plans against it, and — if the
// plan is non-empty — executes it, refreshing the in-memory segment
// topology from the manifest afterward.
func (s *Store) TryGCCompact() (gc.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manRecs, err := manifest.ReadAll(s.manifestPath())
	if err != nil {
		return gc.Plan{}, err
	}
	mstate := manifest.FromRecords(manRecs)

	liveRecs, err := s.keyIdx.IterLatest()
	if err != nil {
		return gc.Plan{}, err
	}

	snap, err := gc.BuildSnapshot(mstate, s.cas, liveRecs)
	if err != nil {
		return gc.Plan{}, err
	}

	plan := gc.BuildPlan(snap, s.limits.GC)
	if len(plan.Actions) == 0 {
		return plan, nil
	}

	if err := gc.Execute(plan, snap, s); err != nil {
		return plan, err
	}

	manRecs2, err := manifest.ReadAll(s.manifestPath())
	if err != nil {
		return plan, err
	}
	mstate2 := manifest.FromRecords(manRecs2)
	top := s.segments.Load()
	byID := immutable.NewSortedMap[uint64, *segInfo](uint64Comparer{})
	for id, path := range mstate2.Segments {
		if mstate2.Dropped[id] {
			continue
		}
		byID = byID.Set(id, &segInfo{path: path, sealed: mstate2.Sealed[id]})
	}
	s.segments.Store(&segTopology{byID: byID, active: top.active})

	for _, a := range plan.Actions {
		switch a.Kind {
		case gc.ActionDrop:
			s.metrics.GcSegmentsDropped.Inc()
		case gc.ActionRewrite:
			s.metrics.GcSegmentsRewritten.Inc()
		}
	}
	s.metrics.GcRuns.Inc()
	level.Info(s.log).Log("msg", "gc run", "actions", len(plan.Actions))
	return plan, nil
}

// Close runs a final checkpoint and releases every open file handle. It is
// the last step of graceful shutdown, after draining has stopped new
// requests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkpointLocked(); err != nil {
		return err
	}
	if err := s.activeWriter.FlushData(); err != nil {
		return err
	}
	if err := s.activeWriter.Close(); err != nil {
		return err
	}
	if err := s.wal.Close(); err != nil {
		return err
	}
	return s.man.Close()
}
