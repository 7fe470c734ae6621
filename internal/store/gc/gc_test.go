package gc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/segment"
)

func writeSealedSegment(t *testing.T, dir string, id uint64, payloads [][]byte) (string, map[schema.Hash]segment.ObjectLoc) {
	t.Helper()
	path := filepath.Join(dir, "seg.seg")
	w, err := segment.Create(path, id)
	require.NoError(t, err)
	for _, p := range payloads {
		var h schema.Hash
		copy(h[:], p)
		_, err := w.WriteObject(h, schema.Nonce{}, p, uint64(len(p)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Seal())
	locs, err := segment.Scan(path)
	require.NoError(t, err)
	return path, locs
}

func TestBuildPlanFiresOnlyPastGlobalThreshold(t *testing.T) {
	cfg := Config{
		MinDeadRatio:            0.5,
		MinDeadBytes:            1 << 30,
		SegmentRewriteDeadRatio: 0.3,
		SegmentDropDeadRatio:    0.9,
		MaxRewriteSegments:      4,
		MaxDropSegments:         4,
	}
	hLive := schema.Hash{1}
	hDead := schema.Hash{2}
	snap := Snapshot{
		LiveHashes: map[schema.Hash]struct{}{hLive: {}},
		SealedScan: map[uint64]map[schema.Hash]segment.ObjectLoc{
			1: {hLive: {Offset: 60, SizeCipher: 100}, hDead: {Offset: 200, SizeCipher: 10}},
		},
		Segments:  map[uint64]string{1: "seg-1.seg"},
		ActiveID:  2,
		SealedIDs: []uint64{1},
	}
	// dead ratio here is 10/110 ~= 0.09, below the 0.5 global trigger.
	plan := BuildPlan(snap, cfg)
	require.Empty(t, plan.Actions)
}

func TestBuildPlanOrdersDropsBeforeRewrites(t *testing.T) {
	cfg := Config{
		MinDeadRatio:            0.1,
		MinDeadBytes:            0,
		SegmentRewriteDeadRatio: 0.3,
		SegmentDropDeadRatio:    0.9,
		MaxRewriteSegments:      4,
		MaxDropSegments:         4,
	}
	live := schema.Hash{1}
	mostlyDead := schema.Hash{2} // segment 1: ~95% dead -> drop
	halfDead := schema.Hash{3}   // segment 2: ~50% dead -> rewrite
	snap := Snapshot{
		LiveHashes: map[schema.Hash]struct{}{live: {}},
		SealedScan: map[uint64]map[schema.Hash]segment.ObjectLoc{
			1: {mostlyDead: {Offset: 60, SizeCipher: 95}, live: {Offset: 200, SizeCipher: 5}},
			2: {halfDead: {Offset: 60, SizeCipher: 50}, live: {Offset: 200, SizeCipher: 50}},
		},
		Segments:  map[uint64]string{1: "seg-1.seg", 2: "seg-2.seg"},
		ActiveID:  3,
		SealedIDs: []uint64{1, 2},
	}

	plan := BuildPlan(snap, cfg)
	require.Len(t, plan.Actions, 2)
	require.Equal(t, ActionDrop, plan.Actions[0].Kind)
	require.Equal(t, uint64(1), plan.Actions[0].ID)
	require.Equal(t, ActionRewrite, plan.Actions[1].Kind)
	require.Equal(t, uint64(2), plan.Actions[1].ID)
}

type fakeMutator struct {
	appended       []schema.ManifestRecord
	nextID         uint64
	relocatedHash  schema.Hash
	relocatedSeg   uint64
	relocatedOff   uint64
	relocateCalled bool
	dir            string
}

func (m *fakeMutator) AppendManifest(rec schema.ManifestRecord) error {
	m.appended = append(m.appended, rec)
	return nil
}
func (m *fakeMutator) AllocateSegmentID() uint64 {
	m.nextID++
	return m.nextID
}
func (m *fakeMutator) SegmentPath(id uint64) string {
	return filepath.Join(m.dir, "seg-new.seg")
}
func (m *fakeMutator) UpdateCasLocation(h schema.Hash, newSegmentID, newOffset uint64) {
	m.relocateCalled = true
	m.relocatedHash = h
	m.relocatedSeg = newSegmentID
	m.relocatedOff = newOffset
}

func TestExecuteDropRemovesFileAndAppendsManifest(t *testing.T) {
	dir := t.TempDir()
	live := schema.Hash{1}
	path, _ := writeSealedSegment(t, dir, 1, [][]byte{{9, 9, 9}})

	snap := Snapshot{
		LiveHashes: map[schema.Hash]struct{}{live: {}},
		Segments:   map[uint64]string{1: path},
		ActiveID:   2,
		SealedIDs:  []uint64{1},
	}
	plan := Plan{Actions: []Action{{Kind: ActionDrop, ID: 1}}}
	m := &fakeMutator{nextID: 1, dir: dir}

	require.NoError(t, Execute(plan, snap, m))
	require.Len(t, m.appended, 1)
	require.Equal(t, schema.ManifestDropSegment, m.appended[0].Kind)
	require.Equal(t, uint64(1), m.appended[0].SegmentID)

	_, err := segment.Scan(path)
	require.Error(t, err, "dropped segment file should no longer exist")
}

func TestExecuteRewriteKeepsOnlyLiveObjectsAndRelocates(t *testing.T) {
	dir := t.TempDir()
	liveBytes := []byte{1, 1, 1}
	deadBytes := []byte{2, 2, 2}
	var liveHash, deadHash schema.Hash
	copy(liveHash[:], liveBytes)
	copy(deadHash[:], deadBytes)

	oldPath, scan := writeSealedSegment(t, dir, 1, [][]byte{liveBytes, deadBytes})

	snap := Snapshot{
		LiveHashes: map[schema.Hash]struct{}{liveHash: {}},
		SealedScan: map[uint64]map[schema.Hash]segment.ObjectLoc{1: scan},
		Segments:   map[uint64]string{1: oldPath},
		ActiveID:   2,
		SealedIDs:  []uint64{1},
	}
	plan := Plan{Actions: []Action{{Kind: ActionRewrite, ID: 1}}}
	m := &fakeMutator{nextID: 1, dir: dir}

	require.NoError(t, Execute(plan, snap, m))

	require.True(t, m.relocateCalled)
	require.Equal(t, liveHash, m.relocatedHash)

	newLocs, err := segment.Scan(m.SegmentPath(m.relocatedSeg))
	require.NoError(t, err)
	require.Len(t, newLocs, 1, "only the live object should survive a rewrite")
	require.Contains(t, newLocs, liveHash)
	require.NotContains(t, newLocs, deadHash)

	_, err = segment.Scan(oldPath)
	require.Error(t, err, "old segment file should be removed after rewrite")

	var sawNewSeg, sawSeal, sawDrop bool
	for _, r := range m.appended {
		switch r.Kind {
		case schema.ManifestNewSegment:
			sawNewSeg = true
		case schema.ManifestSealSegment:
			sawSeal = true
		case schema.ManifestDropSegment:
			sawDrop = true
			require.Equal(t, uint64(1), r.SegmentID)
		}
	}
	require.True(t, sawNewSeg && sawSeal && sawDrop)
}

func TestExecuteRejectsPlanTouchingActiveSegment(t *testing.T) {
	snap := Snapshot{ActiveID: 5}
	plan := Plan{Actions: []Action{{Kind: ActionDrop, ID: 5}}}
	err := Execute(plan, snap, &fakeMutator{})
	require.Error(t, err)
}
