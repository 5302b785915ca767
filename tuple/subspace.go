package tuple

import (
	"github.com/apple/foundationdb/bindings/go/src/fdb"
	fdbsubspace "github.com/apple/foundationdb/bindings/go/src/fdb/subspace"

	"github.com/turbodb/recordlayer/errs"
)

// Subspace is a byte prefix delimiting a logical namespace in the KVS
// (GLOSSARY). Subspaces nest: Sub derives a child subspace whose packed
// keys always begin with the parent's prefix.
type Subspace struct {
	s fdbsubspace.Subspace
}

// NewSubspace roots a new Subspace at the given tuple-encoded path under
// the global keyspace.
func NewSubspace(path ...Element) Subspace {
	return Subspace{s: fdbsubspace.Sub(path...)}
}

// FromBytes wraps a raw byte prefix (e.g. one previously obtained via
// Bytes) as a Subspace, for directory-allocated prefixes handed to this
// module by an external directory layer.
func FromBytes(prefix []byte) Subspace {
	return Subspace{s: fdbsubspace.FromBytes(prefix)}
}

func (s Subspace) Sub(el ...Element) Subspace {
	return Subspace{s: s.s.Sub(el...)}
}

// Pack encodes t under this subspace's prefix.
func (s Subspace) Pack(t Tuple) []byte {
	return []byte(s.s.Pack(t.fdb()))
}

// PackWithVersionstamp packs t (which must carry one incomplete
// Versionstamp) under this subspace's prefix, suitable for
// kv.Txn.SetVersionstampedKey.
func (s Subspace) PackWithVersionstamp(t Tuple) ([]byte, error) {
	b, err := t.fdb().PackWithVersionstamp(s.Bytes())
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "pack versionstamped tuple under subspace")
	}
	return b, nil
}

// Unpack decodes a key previously packed under this subspace back to its
// tuple, stripping the subspace prefix first.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	t, err := s.s.Unpack(fdbKeyConvertible(key))
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "unpack key under subspace")
	}
	return Tuple(t), nil
}

// Contains reports whether key lies within this subspace's prefix range.
func (s Subspace) Contains(key []byte) bool {
	return s.s.Contains(fdbKeyConvertible(key))
}

// Bytes returns the subspace's raw prefix.
func (s Subspace) Bytes() []byte {
	return []byte(s.s.Bytes())
}

// Range returns the half-open byte range [prefix, prefix+0xFF) covering
// every key in this subspace, per spec §4.1.
func (s Subspace) Range() (begin, end []byte) {
	prefix := s.Bytes()
	begin = append([]byte(nil), prefix...)
	end = append(append([]byte(nil), prefix...), 0xFF)
	return begin, end
}

type fdbKey []byte

func (k fdbKey) FDBKey() fdb.Key { return fdb.Key(k) }

func fdbKeyConvertible(b []byte) fdbKey { return fdbKey(b) }
