// Package gc implements the mark-and-sweep garbage collector: a snapshot
// of live hashes and per-segment scan data feeds a planner that decides
// which sealed segments to drop or rewrite, and an executor that carries
// the plan out manifest-first so a crash mid-run never loses data.
package gc

import (
	"fmt"
	"os"
	"sort"

	"github.com/dreamsxin/objectstore/internal/store/manifest"
	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/segment"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

// Config holds the planner's thresholds. Defaults match the documented
// tuning: rewrite moderately dead segments, drop nearly-empty ones, and
// only run at all once enough garbage has accumulated globally.
type Config struct {
	MinDeadRatio            float64 // global trigger: fire if >= this fraction of bytes are dead
	MinDeadBytes            uint64  // global trigger: fire if >= this many dead bytes, regardless of ratio
	SegmentRewriteDeadRatio float64
	SegmentDropDeadRatio    float64
	MaxRewriteSegments      int
	MaxDropSegments         int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinDeadRatio:            0.3,
		MinDeadBytes:            1 << 30, // 1 GiB
		SegmentRewriteDeadRatio: 0.35,
		SegmentDropDeadRatio:    0.95,
		MaxRewriteSegments:      4,
		MaxDropSegments:         16,
	}
}

// Snapshot is the point-in-time input to planning: which hashes are
// referenced by the current key index, where every sealed segment's
// objects live, and the segment topology.
type Snapshot struct {
	LiveHashes map[schema.Hash]struct{}
	CasEntries map[schema.Hash]*schema.CasEntry
	SealedScan map[uint64]map[schema.Hash]segment.ObjectLoc // segment id -> scan
	Segments   map[uint64]string                            // segment id -> path
	ActiveID   uint64
	SealedIDs  []uint64
}

// BuildSnapshot assembles a Snapshot from the current manifest state, the
// live key index and a fresh scan of every sealed segment.
func BuildSnapshot(st manifest.State, casEntries map[schema.Hash]*schema.CasEntry, liveKeyRecords map[string]schema.KeyRecord) (Snapshot, error) {
	live := make(map[schema.Hash]struct{})
	for _, rec := range liveKeyRecords {
		if rec.Kind == schema.KeyPut {
			live[rec.Hash] = struct{}{}
		}
	}

	sealedIDs := make([]uint64, 0)
	scans := make(map[uint64]map[schema.Hash]segment.ObjectLoc)
	for id := range st.Segments {
		if st.Dropped[id] || !st.Sealed[id] {
			continue
		}
		path := st.Segments[id]
		scan, err := segment.Scan(path)
		if err != nil {
			return Snapshot{}, fmt.Errorf("gc.BuildSnapshot: scan segment %d: %w", id, err)
		}
		scans[id] = scan
		sealedIDs = append(sealedIDs, id)
	}

	return Snapshot{
		LiveHashes: live,
		CasEntries: casEntries,
		SealedScan: scans,
		Segments:   st.Segments,
		ActiveID:   st.Active,
		SealedIDs:  sealedIDs,
	}, nil
}

// segmentStats is the per-segment dead/live accounting the planner sorts
// on.
type segmentStats struct {
	id        uint64
	total     uint64
	live      uint64
	dead      uint64
	deadRatio float64
}

// ActionKind discriminates a planned GC action.
type ActionKind int

const (
	ActionDrop ActionKind = iota + 1
	ActionRewrite
)

// Action is one planned mutation against one sealed segment.
type Action struct {
	Kind ActionKind
	ID   uint64
}

// Plan is the ordered list of actions the executor will carry out: all
// drops first, then all rewrites, matching the executor's own invariant.
type Plan struct {
	Actions []Action
}

// BuildPlan computes per-segment dead-ratio stats, checks the global
// trigger, and (if triggered) emits Drop/Rewrite actions sorted by
// descending dead ratio up to the configured caps.
func BuildPlan(snap Snapshot, cfg Config) Plan {
	stats := make([]segmentStats, 0, len(snap.SealedIDs))
	var totalBytes, deadBytes uint64
	for _, id := range snap.SealedIDs {
		scan := snap.SealedScan[id]
		var total, live uint64
		for h, loc := range scan {
			total += loc.SizeCipher
			if _, isLive := snap.LiveHashes[h]; isLive {
				live += loc.SizeCipher
			}
		}
		dead := total - live
		ratio := 0.0
		if total > 0 {
			ratio = float64(dead) / float64(total)
		}
		stats = append(stats, segmentStats{id: id, total: total, live: live, dead: dead, deadRatio: ratio})
		totalBytes += total
		deadBytes += dead
	}

	globalRatio := 0.0
	if totalBytes > 0 {
		globalRatio = float64(deadBytes) / float64(totalBytes)
	}
	if globalRatio < cfg.MinDeadRatio && deadBytes < cfg.MinDeadBytes {
		return Plan{}
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].deadRatio > stats[j].deadRatio })

	var plan Plan
	drops, rewrites := 0, 0
	for _, s := range stats {
		switch {
		case s.deadRatio >= cfg.SegmentDropDeadRatio && drops < cfg.MaxDropSegments:
			plan.Actions = append(plan.Actions, Action{Kind: ActionDrop, ID: s.id})
			drops++
		case s.deadRatio >= cfg.SegmentRewriteDeadRatio && rewrites < cfg.MaxRewriteSegments:
			plan.Actions = append(plan.Actions, Action{Kind: ActionRewrite, ID: s.id})
			rewrites++
		}
	}

	// Executor invariant: drops before rewrites, regardless of dead-ratio
	// order above.
	sort.SliceStable(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Kind == ActionDrop && plan.Actions[j].Kind != ActionDrop
	})
	return plan
}

// Mutator is the subset of store-core operations the executor needs:
// appending manifest records, allocating new segment ids/paths, and
// updating the live in-memory CAS map after a rewrite (compaction moves
// bytes but never changes refcounts; see schema.CasEntry).
type Mutator interface {
	AppendManifest(rec schema.ManifestRecord) error
	AllocateSegmentID() uint64
	SegmentPath(id uint64) string
	// UpdateCasLocation is called once per relocated hash after a
	// rewrite completes, so live reads see the new segment immediately
	// without waiting for a restart.
	UpdateCasLocation(h schema.Hash, newSegmentID, newOffset uint64)
}

// Execute carries out plan against snap, calling back into m for every
// manifest record and in-memory update. The active segment is never
// touched; a plan action naming it is a programming error.
func Execute(plan Plan, snap Snapshot, m Mutator) error {
	for _, a := range plan.Actions {
		if a.ID == snap.ActiveID {
			return storeerr.New(storeerr.GcInvariantViolation, "gc.Execute", "plan touches active segment")
		}
	}

	for _, a := range plan.Actions {
		if a.Kind != ActionDrop {
			continue
		}
		if err := dropSegment(a.ID, snap, m); err != nil {
			return err
		}
	}
	for _, a := range plan.Actions {
		if a.Kind != ActionRewrite {
			continue
		}
		if err := rewriteSegment(a.ID, snap, m); err != nil {
			return err
		}
	}
	return nil
}

func dropSegment(id uint64, snap Snapshot, m Mutator) error {
	if err := m.AppendManifest(schema.ManifestRecord{Kind: schema.ManifestDropSegment, SegmentID: id}); err != nil {
		return err
	}
	path := snap.Segments[id]
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// A crash between the manifest append and the unlink is repaired
		// on next bootstrap by ignoring the missing file for dropped
		// ids; a *live* failure to remove here is still surfaced.
		return storeerr.WrapIo("gc.dropSegment", err)
	}
	return nil
}

func rewriteSegment(oldID uint64, snap Snapshot, m Mutator) error {
	oldPath := snap.Segments[oldID]
	scan := snap.SealedScan[oldID]

	newID := m.AllocateSegmentID()
	newPath := m.SegmentPath(newID)
	if err := m.AppendManifest(schema.ManifestRecord{Kind: schema.ManifestNewSegment, SegmentID: newID, Path: newPath}); err != nil {
		return err
	}

	w, err := segment.Create(newPath, newID)
	if err != nil {
		return err
	}

	relocated := make(map[schema.Hash]uint64) // hash -> new offset
	for h, loc := range scan {
		if _, isLive := snap.LiveHashes[h]; !isLive {
			continue
		}
		payload, err := segment.ReadObject(oldPath, loc)
		if err != nil {
			return err
		}
		// The original nonce is not captured by a scan (scans never read
		// payload-adjacent cipher state beyond sizes); a zero nonce is
		// written since the store never encrypts and the field is
		// otherwise unused.
		var nonce schema.Nonce
		offset, err := w.WriteObject(h, nonce, payload, loc.SizePlain)
		if err != nil {
			return err
		}
		relocated[h] = offset
	}
	if err := w.Seal(); err != nil {
		return err
	}

	if err := m.AppendManifest(schema.ManifestRecord{Kind: schema.ManifestSealSegment, SegmentID: newID}); err != nil {
		return err
	}
	if err := m.AppendManifest(schema.ManifestRecord{Kind: schema.ManifestDropSegment, SegmentID: oldID}); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return storeerr.WrapIo("gc.rewriteSegment", err)
	}

	for h, newOffset := range relocated {
		m.UpdateCasLocation(h, newID, newOffset)
	}
	return nil
}
