// Package tuple implements the KeyCodec contract of spec §4.1: packing an
// ordered sequence of typed elements to bytes that preserve the logical
// ordering, unpacking bytes back to elements, and prefixing packed tuples
// with a subspace. It is a thin adapter over the official FoundationDB
// client's tuple/subspace layer (github.com/apple/foundationdb/bindings/go),
// the only two files in this module (besides kv/fdbstore.go) that import
// the fdb packages directly — everything else in this repository builds
// keys through tuple.Tuple and tuple.Subspace.
package tuple

import (
	fdbtuple "github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/pborman/uuid"

	"github.com/turbodb/recordlayer/errs"
)

// Element is anything packable as one position of a Tuple: int64/uint64,
// float32/float64, string, []byte, bool, nil, UUID, Versionstamp, or a
// nested Tuple.
type Element = fdbtuple.TupleElement

// Tuple is an ordered, typed element sequence whose byte encoding preserves
// the lexicographic order of the logical ordering (spec §3's Tuple entity).
type Tuple fdbtuple.Tuple

// UUID adapts pborman/uuid.UUID (the library named in SPEC_FULL.md §C for
// the Tuple entity's UUID element type) to the 16-byte fixed array the
// tuple layer expects.
type UUID = fdbtuple.UUID

func NewUUID(u uuid.UUID) UUID {
	var out UUID
	copy(out[:], u)
	return out
}

// Versionstamp is the tuple-layer versionstamp of spec §3: a 10-byte
// transaction version (8-byte commit version + 2-byte batch order)
// followed by a 2-byte user version. An Incomplete versionstamp carries
// ten 0xFF bytes as its transaction version, substituted by the KVS at
// commit via SetVersionstampedKey.
type Versionstamp = fdbtuple.Versionstamp

// IncompleteVersionstamp builds a placeholder Versionstamp carrying the
// given 2-byte user version, to be packed with PackWithVersionstamp.
func IncompleteVersionstamp(userVersion uint16) Versionstamp {
	return fdbtuple.IncompleteVersionstamp(userVersion)
}

func (t Tuple) fdb() fdbtuple.Tuple { return fdbtuple.Tuple(t) }

// Pack encodes t to its order-preserving byte representation.
func (t Tuple) Pack() []byte {
	return t.fdb().Pack()
}

// PackWithVersionstamp encodes t, which must contain exactly one incomplete
// Versionstamp element, prefixed by prefix, appending the 4-byte
// little-endian offset trailer required by spec §4.1's versionstamped-key
// edge case.
func (t Tuple) PackWithVersionstamp(prefix []byte) ([]byte, error) {
	b, err := t.fdb().PackWithVersionstamp(prefix)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "pack tuple with versionstamp")
	}
	return b, nil
}

// Unpack decodes b back into its element sequence.
func Unpack(b []byte) (Tuple, error) {
	t, err := fdbtuple.Unpack(b)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "unpack tuple")
	}
	return Tuple(t), nil
}

// Append returns a new Tuple with extra elements appended, leaving t
// untouched (expressions frequently need to build a key from a grouping
// prefix plus a per-call suffix).
func (t Tuple) Append(elements ...Element) Tuple {
	out := make(Tuple, 0, len(t)+len(elements))
	out = append(out, t...)
	out = append(out, elements...)
	return out
}
