// Package schema holds the record and value types shared by every layer of
// the object store: the WAL, the manifest, the key and CAS indexes, and the
// segment reader all exchange these types without importing each other.
package schema

import "encoding/hex"

// Hash is a SHA-256 content digest, the sole key into CAS storage.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ETag renders the hash the way the HTTP edge exposes it.
func (h Hash) ETag() string { return "\"sha256:" + hex.EncodeToString(h[:]) + "\"" }

// Nonce is reserved for a future AEAD payload cipher. The store never
// encrypts; it only carries the field so the on-disk format doesn't need a
// breaking change when encryption lands. Always zero today.
type Nonce [12]byte

// CasEntry is the materialized, in-memory view of one CAS-tracked object.
type CasEntry struct {
	SegmentID  uint64
	Offset     uint64
	SizePlain  uint64
	SizeCipher uint64
	Refcount   int64
}

// --- WAL records ---

// WalRecordKind discriminates a decoded WalRecord.
type WalRecordKind uint8

const (
	WalPut WalRecordKind = iota + 1
	WalDelete
	WalCommit
)

// WalRecord is one entry in a WAL batch. Put and Delete carry the mutation;
// Commit terminates and durably seals the batch that precedes it.
type WalRecord struct {
	Kind    WalRecordKind
	Key     string
	Version uint64
	Hash    Hash   // valid on Put
	Size    uint64 // plaintext size, valid on Put
	Ts      int64  // unix nanos
}

// --- Manifest records ---

type ManifestRecordKind uint8

const (
	ManifestNewSegment ManifestRecordKind = iota + 1
	ManifestSealSegment
	ManifestActiveSegment
	ManifestNewKeySst
	ManifestNewCasSst
	ManifestDropSegment
	ManifestCheckpoint
)

// ManifestRecord is one entry in the append-only manifest log. Which of the
// fields below are meaningful depends on Kind, as noted per field.
type ManifestRecord struct {
	Kind ManifestRecordKind

	SegmentID uint64 // NewSegment, SealSegment, ActiveSegment, DropSegment
	Path      string // NewSegment, NewKeySst, NewCasSst

	WalSeq uint64 // Checkpoint: byte offset in the WAL as of this checkpoint
}

// --- Key index records ---

type KeyRecordKind uint8

const (
	KeyPut KeyRecordKind = iota + 1
	KeyDelete
)

// KeyRecord is the latest-wins record for one key, as held in the key
// index memtable and serialized into key SSTables.
type KeyRecord struct {
	Kind    KeyRecordKind
	Key     string
	Version uint64
	Hash    Hash // valid on Put
	Size    uint64
	Ts      int64
}

// --- CAS index records ---

type CasRecordKind uint8

const (
	CasAdd CasRecordKind = iota + 1
	CasRefInc
	CasRefDec
)

// CasRecord is one append-only CAS index mutation, replayed in manifest
// order to materialize the in-memory hash -> CasEntry map.
type CasRecord struct {
	Kind       CasRecordKind
	Hash       Hash
	SegmentID  uint64 // Add
	Offset     uint64 // Add
	SizePlain  uint64 // Add
	SizeCipher uint64 // Add
}
