package hnsw

import (
	"bytes"
	"hash/fnv"

	"github.com/RoaringBitmap/roaring/roaring64"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ugorji/go/codec"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/tuple"
)

var cborHandle codec.CborHandle

// nodeMeta is the self-describing per-node record stored under
// Sub/"hnsw"/"nodes"/pack(pk), spec §4.8.
type nodeMeta struct {
	Level int `codec:"level"`
}

func (m *Maintainer) nodesSub() tuple.Subspace { return m.Sub.Sub("hnsw", "nodes") }
func (m *Maintainer) edgesSub() tuple.Subspace { return m.Sub.Sub("hnsw", "edges") }
func (m *Maintainer) entrySub() tuple.Subspace { return m.Sub.Sub("hnsw") }

func (m *Maintainer) vectorKey(pk tuple.Tuple) []byte { return m.Sub.Pack(pk) }

func (m *Maintainer) putVector(txn kv.Txn, pk tuple.Tuple, vec []float64) {
	elements := make(tuple.Tuple, len(vec))
	for i, v := range vec {
		elements[i] = v
	}
	txn.Set(m.vectorKey(pk), elements.Pack())
}

func (m *Maintainer) getVector(txn kv.Txn, pk tuple.Tuple) ([]float64, error) {
	raw, err := txn.Get(m.vectorKey(pk))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	t, err := tuple.Unpack(raw)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, err, "hnsw: unpack vector")
	}
	vec := make([]float64, len(t))
	for i, e := range t {
		switch v := e.(type) {
		case float64:
			vec[i] = v
		case float32:
			vec[i] = float64(v)
		default:
			return nil, errs.NewInvalidArgument("hnsw: vector element %d is not a float", i)
		}
	}
	return vec, nil
}

func (m *Maintainer) deleteVector(txn kv.Txn, pk tuple.Tuple) {
	txn.Clear(m.vectorKey(pk))
}

func (m *Maintainer) putNodeMeta(txn kv.Txn, pk tuple.Tuple, meta nodeMeta) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &cborHandle)
	if err := enc.Encode(meta); err != nil {
		return errs.Wrap(errs.Internal, err, "hnsw: encode node metadata")
	}
	key := m.nodesSub().Pack(pk)
	txn.Set(key, buf.Bytes())
	if m.Cache != nil {
		m.Cache.Add(string(key), meta)
	}
	return nil
}

func (m *Maintainer) getNodeMeta(txn kv.Txn, pk tuple.Tuple) (nodeMeta, bool, error) {
	key := m.nodesSub().Pack(pk)
	if m.Cache != nil {
		if v, ok := m.Cache.Get(string(key)); ok {
			return v.(nodeMeta), true, nil
		}
	}
	raw, err := txn.Get(key)
	if err != nil {
		return nodeMeta{}, false, err
	}
	if raw == nil {
		return nodeMeta{}, false, nil
	}
	var meta nodeMeta
	dec := codec.NewDecoder(bytes.NewReader(raw), &cborHandle)
	if err := dec.Decode(&meta); err != nil {
		return nodeMeta{}, false, errs.Wrap(errs.Internal, err, "hnsw: decode node metadata")
	}
	if m.Cache != nil {
		m.Cache.Add(string(key), meta)
	}
	return meta, true, nil
}

func decodeNodeMeta(raw []byte, meta *nodeMeta) error {
	dec := codec.NewDecoder(bytes.NewReader(raw), &cborHandle)
	if err := dec.Decode(meta); err != nil {
		return errs.Wrap(errs.Internal, err, "hnsw: decode node metadata")
	}
	return nil
}

func (m *Maintainer) deleteNodeMeta(txn kv.Txn, pk tuple.Tuple) {
	key := m.nodesSub().Pack(pk)
	txn.Clear(key)
	if m.Cache != nil {
		m.Cache.Remove(string(key))
	}
}

func (m *Maintainer) addEdge(txn kv.Txn, from tuple.Tuple, level int, to tuple.Tuple) {
	key := m.edgesSub().Pack(from.Append(int64(level)).Append(to...))
	txn.Set(key, nil)
}

func (m *Maintainer) removeEdge(txn kv.Txn, from tuple.Tuple, level int, to tuple.Tuple) {
	key := m.edgesSub().Pack(from.Append(int64(level)).Append(to...))
	txn.Clear(key)
}

// neighbors returns every primary key linked from pk at level. The
// neighbor's own tuple starts right after pk's len(pk) elements plus the
// one level element, since every primary key in one maintainer's domain
// has the same arity.
func (m *Maintainer) neighbors(txn kv.Txn, pk tuple.Tuple, level int) ([]tuple.Tuple, error) {
	prefix := m.edgesSub().Pack(pk.Append(int64(level)))
	end := append(append([]byte(nil), prefix...), 0xFF)
	it := txn.GetRange(prefix, end, kv.RangeOptions{})
	var out []tuple.Tuple
	offset := len(pk) + 1
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, err
		}
		full, err := m.edgesSub().Unpack(kvpair.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, full[offset:])
	}
	return out, nil
}

func (m *Maintainer) clearEdgesFrom(txn kv.Txn, pk tuple.Tuple, level int) {
	prefix := m.edgesSub().Pack(pk.Append(int64(level)))
	end := append(append([]byte(nil), prefix...), 0xFF)
	txn.ClearRange(prefix, end)
}

func (m *Maintainer) entryPointKey() []byte {
	return m.entrySub().Pack(tuple.Tuple{"entrypoint"})
}

func (m *Maintainer) getEntryPoint(txn kv.Txn) (tuple.Tuple, bool, error) {
	raw, err := txn.Get(m.entryPointKey())
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	t, err := tuple.Unpack(raw)
	if err != nil {
		return nil, false, errs.Wrap(errs.InvalidKey, err, "hnsw: unpack entry point")
	}
	return t, true, nil
}

func (m *Maintainer) setEntryPoint(txn kv.Txn, pk tuple.Tuple) {
	txn.Set(m.entryPointKey(), pk.Pack())
}

func (m *Maintainer) clearEntryPoint(txn kv.Txn) {
	txn.Clear(m.entryPointKey())
}

// visitedSet tracks primary keys already expanded during one
// searchLayer call. Packed-key bytes are hashed to a uint64 and kept in
// a roaring64 bitmap rather than a Go map, the same compact-set idiom
// spatial.CoverageSet and ethdb/bitmapdb/dbutils.go use; an FNV-64
// collision within one search's candidate set is astronomically
// unlikely for realistic graph sizes.
type visitedSet struct {
	set *roaring64.Bitmap
}

func newVisitedSet() *visitedSet {
	return &visitedSet{set: roaring64.New()}
}

func (v *visitedSet) seen(pk tuple.Tuple) bool {
	h := hashTuple(pk)
	if v.set.Contains(h) {
		return true
	}
	v.set.Add(h)
	return false
}

func hashTuple(pk tuple.Tuple) uint64 {
	h := fnv.New64a()
	h.Write(pk.Pack())
	return h.Sum64()
}

// Vector returns pk's stored vector, or nil if pk has no node, for use by
// HNSWIndexBuilder's Phase B (spec §4.9).
func (m *Maintainer) Vector(txn kv.Txn, pk tuple.Tuple) ([]float64, error) {
	return m.getVector(txn, pk)
}

// NodeLevel returns pk's assigned graph level, for HNSWIndexBuilder.
func (m *Maintainer) NodeLevel(txn kv.Txn, pk tuple.Tuple) (int, bool, error) {
	meta, ok, err := m.getNodeMeta(txn, pk)
	if err != nil || !ok {
		return 0, ok, err
	}
	return meta.Level, true, nil
}

// NodesRange returns the half-open byte range covering every persisted
// node-metadata key, for HNSWIndexBuilder's Phase A/B range scans.
func (m *Maintainer) NodesRange() (begin, end []byte) {
	return m.nodesSub().Range()
}

// DecodeNodeKey extracts the primary key tuple from a raw node-metadata
// key produced by a GetRange over NodesRange.
func (m *Maintainer) DecodeNodeKey(key []byte) (tuple.Tuple, error) {
	return m.nodesSub().Unpack(key)
}

// CurrentMaxLevel returns the highest assigned level among persisted
// nodes, or -1 if the graph is empty, by reading the entry point's level
// (the entry point is always kept at the graph's maximum level).
func (m *Maintainer) CurrentMaxLevel(txn kv.Txn) (int, error) {
	entry, ok, err := m.getEntryPoint(txn)
	if err != nil || !ok {
		return -1, err
	}
	return m.maxLevel(txn, entry)
}

// NewCache builds a hot-node metadata cache of the given capacity,
// suitable for Maintainer.Cache. A Maintainer with no cache set simply
// reads node metadata from the KVS every time.
func NewCache(size int) *lru.Cache {
	if size <= 0 {
		return nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil
	}
	return c
}
