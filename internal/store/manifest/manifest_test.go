package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/objectstore/internal/store/schema"
)

func TestAppendReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	m, err := Open(path)
	require.NoError(t, err)

	recs := []schema.ManifestRecord{
		{Kind: schema.ManifestNewSegment, SegmentID: 1, Path: "seg-1.seg"},
		{Kind: schema.ManifestActiveSegment, SegmentID: 1},
		{Kind: schema.ManifestSealSegment, SegmentID: 1},
		{Kind: schema.ManifestNewSegment, SegmentID: 2, Path: "seg-2.seg"},
		{Kind: schema.ManifestActiveSegment, SegmentID: 2},
		{Kind: schema.ManifestNewKeySst, Path: "key-1.sst"},
		{Kind: schema.ManifestNewCasSst, Path: "cas-1.sst"},
		{Kind: schema.ManifestCheckpoint, WalSeq: 4096},
		{Kind: schema.ManifestDropSegment, SegmentID: 1},
	}
	for _, r := range recs {
		require.NoError(t, m.Append(r))
	}
	require.NoError(t, m.Close())

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Equal(t, recs, got)
}

func TestFromRecordsFoldsState(t *testing.T) {
	recs := []schema.ManifestRecord{
		{Kind: schema.ManifestNewSegment, SegmentID: 1, Path: "seg-1.seg"},
		{Kind: schema.ManifestActiveSegment, SegmentID: 1},
		{Kind: schema.ManifestNewSegment, SegmentID: 2, Path: "seg-2.seg"},
		{Kind: schema.ManifestSealSegment, SegmentID: 1},
		{Kind: schema.ManifestActiveSegment, SegmentID: 2},
		{Kind: schema.ManifestNewKeySst, Path: "key-1.sst"},
		{Kind: schema.ManifestNewCasSst, Path: "cas-1.sst"},
		{Kind: schema.ManifestCheckpoint, WalSeq: 10},
	}
	st := FromRecords(recs)

	require.Equal(t, "seg-1.seg", st.Segments[1])
	require.Equal(t, "seg-2.seg", st.Segments[2])
	require.True(t, st.Sealed[1])
	require.False(t, st.Sealed[2])
	require.Equal(t, uint64(2), st.Active)
	require.Equal(t, []string{"key-1.sst"}, st.KeySstPaths)
	require.Equal(t, []string{"cas-1.sst"}, st.CasSstPaths)
	require.True(t, st.HasCheckpoint)
	require.Equal(t, uint64(10), st.LastCheckpointWalSeq)
	require.Equal(t, []uint64{1, 2}, st.LiveSegments())

	recs = append(recs, schema.ManifestRecord{Kind: schema.ManifestDropSegment, SegmentID: 1})
	st2 := FromRecords(recs)
	require.True(t, st2.Dropped[1])
	require.Equal(t, []uint64{2}, st2.LiveSegments())
	// Active pointer survives a later unrelated drop of a non-active segment.
	require.Equal(t, uint64(2), st2.Active)
}

func TestFromRecordsActiveClearedByDrop(t *testing.T) {
	recs := []schema.ManifestRecord{
		{Kind: schema.ManifestNewSegment, SegmentID: 1, Path: "seg-1.seg"},
		{Kind: schema.ManifestActiveSegment, SegmentID: 1},
	}
	st := FromRecords(recs)
	require.Equal(t, uint64(1), st.Active)

	recs = append(recs, schema.ManifestRecord{Kind: schema.ManifestDropSegment, SegmentID: 1})
	st = FromRecords(recs)
	require.Equal(t, uint64(0), st.Active)
}

func TestReadAllMissingFileIsEmpty(t *testing.T) {
	recs, err := ReadAll(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	require.Nil(t, recs)
}
