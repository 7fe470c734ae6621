package casindex

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

func TestMaterializeAddRefIncRefDec(t *testing.T) {
	idx := New(nil)
	h := schema.Hash{1}
	idx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: h, SegmentID: 1, Offset: 60, SizePlain: 5, SizeCipher: 5})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefDec, Hash: h})

	m, err := idx.Materialize(true)
	require.NoError(t, err)
	require.Contains(t, m, h)
	require.Equal(t, int64(1), m[h].Refcount)
	require.Equal(t, uint64(1), m[h].SegmentID)
	require.Equal(t, uint64(60), m[h].Offset)
}

func TestMaterializeStrictFailsOnDanglingRef(t *testing.T) {
	idx := New(nil)
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: schema.Hash{9}})

	_, err := idx.Materialize(true)
	require.Error(t, err)
	var se *storeerr.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, storeerr.CasDanglingObject, se.Kind)
}

func TestMaterializePermissiveSkipsDanglingRef(t *testing.T) {
	idx := New(nil)
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: schema.Hash{9}})
	idx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: schema.Hash{1}, SegmentID: 1, Offset: 0, SizePlain: 1, SizeCipher: 1})

	m, err := idx.Materialize(false)
	require.NoError(t, err)
	require.NotContains(t, m, schema.Hash{9})
	require.Contains(t, m, schema.Hash{1})
}

func TestFlushThenIterAllPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	idx := New(nil)
	h1, h2 := schema.Hash{1}, schema.Hash{2}
	idx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: h1, SegmentID: 1, Offset: 60, SizePlain: 1, SizeCipher: 1})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h1})

	path := filepath.Join(dir, "cas-1.sst")
	require.NoError(t, idx.Flush(path))

	idx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: h2, SegmentID: 2, Offset: 60, SizePlain: 1, SizeCipher: 1})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h2})

	all, err := idx.IterAll()
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, h1, all[0].Hash)
	require.Equal(t, h2, all[2].Hash)

	m, err := idx.Materialize(true)
	require.NoError(t, err)
	require.Equal(t, int64(1), m[h1].Refcount)
	require.Equal(t, int64(1), m[h2].Refcount)
}

func TestRefcountSharedAcrossTwoPutsOfSameHash(t *testing.T) {
	idx := New(nil)
	h := schema.Hash{7}
	idx.Apply(schema.CasRecord{Kind: schema.CasAdd, Hash: h, SegmentID: 1, Offset: 60, SizePlain: 1, SizeCipher: 1})
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h}) // key "a"
	idx.Apply(schema.CasRecord{Kind: schema.CasRefInc, Hash: h}) // key "b", dedup hit

	m, err := idx.Materialize(true)
	require.NoError(t, err)
	require.Equal(t, int64(2), m[h].Refcount, "two keys referencing the same payload share one CAS entry")
}
