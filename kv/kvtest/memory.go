// Package kvtest provides an in-memory Store for unit tests, standing in
// for FoundationDB the way the teacher's ethdb.NewMemDatabase swapped a
// concrete bolt/lmdb/badger backend behind one interface for the same
// purpose (ethdb/memory_database.go). It is not performant and is not
// meant to be; it exists so every package in this module can be tested
// without a running FDB cluster.
package kvtest

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
)

// Store is a sorted in-memory key/value map with single-writer
// transactions and a simulated versionstamp clock.
type Store struct {
	mu           sync.Mutex
	keys         [][]byte
	vals         [][]byte
	commitCount  uint64
	nextBatch    uint16
	lastCommitTS uint64
}

func New() *Store {
	return &Store{}
}

func (s *Store) Close() error { return nil }

func (s *Store) Update(ctx context.Context, fn func(kv.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := &memTxn{store: s, readYourWrites: true}
	if err := fn(txn); err != nil {
		return err
	}
	return s.commitLocked(txn)
}

func (s *Store) View(ctx context.Context, fn func(kv.Txn) error) error {
	s.mu.Lock()
	snapKeys := append([][]byte{}, s.keys...)
	snapVals := append([][]byte{}, s.vals...)
	s.mu.Unlock()

	ro := &memReadTxn{keys: snapKeys, vals: snapVals}
	return fn(ro)
}

// commitLocked applies a txn's buffered operations. Each versionstamped
// key written in this transaction gets a 10-byte stamp: the 8-byte
// big-endian commit counter shared by the whole transaction, then a 2-byte
// batch order that increases by one per versionstamped key in write order,
// so two such keys in one transaction get distinct stamps.
func (s *Store) commitLocked(t *memTxn) error {
	s.commitCount++
	commitVersion := s.commitCount

	for _, op := range t.ops {
		switch op.kind {
		case opSet:
			s.setLocked(op.key, op.value)
		case opClear:
			s.clearLocked(op.key)
		case opClearRange:
			s.clearRangeLocked(op.begin, op.end)
		case opAdd:
			s.addLocked(op.key, op.delta)
		case opVersionstamped:
			batch := t.nextBatchOrder
			t.nextBatchOrder++
			stamp := make([]byte, 10)
			binary.BigEndian.PutUint64(stamp[:8], commitVersion)
			binary.BigEndian.PutUint16(stamp[8:], batch)
			key := resolveVersionstampPlaceholder(op.key, stamp)
			s.setLocked(key, op.value)
			if op.resolved != nil {
				*op.resolved = stamp
			}
		}
	}
	return nil
}

func resolveVersionstampPlaceholder(key, stamp []byte) []byte {
	if len(key) < kv.VersionstampPlaceholderSize+kv.IncompleteVersionstampOffset {
		return key
	}
	trailer := key[len(key)-kv.IncompleteVersionstampOffset:]
	offset := int(binary.LittleEndian.Uint32(trailer))
	out := make([]byte, 0, len(key)-kv.IncompleteVersionstampOffset)
	out = append(out, key[:offset]...)
	out = append(out, stamp...)
	out = append(out, key[offset+kv.VersionstampPlaceholderSize:len(key)-kv.IncompleteVersionstampOffset]...)
	return out
}

func (s *Store) indexOfLocked(key []byte) (int, bool) {
	i := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], key) >= 0 })
	if i < len(s.keys) && bytes.Equal(s.keys[i], key) {
		return i, true
	}
	return i, false
}

func (s *Store) setLocked(key, value []byte) {
	i, found := s.indexOfLocked(key)
	if found {
		s.vals[i] = value
		return
	}
	s.keys = append(s.keys, nil)
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = append([]byte{}, key...)
	s.vals = append(s.vals, nil)
	copy(s.vals[i+1:], s.vals[i:])
	s.vals[i] = value
}

func (s *Store) clearLocked(key []byte) {
	i, found := s.indexOfLocked(key)
	if !found {
		return
	}
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	s.vals = append(s.vals[:i], s.vals[i+1:]...)
}

func (s *Store) clearRangeLocked(begin, end []byte) {
	lo := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], begin) >= 0 })
	hi := sort.Search(len(s.keys), func(i int) bool { return bytes.Compare(s.keys[i], end) >= 0 })
	if lo >= hi {
		return
	}
	s.keys = append(s.keys[:lo], s.keys[hi:]...)
	s.vals = append(s.vals[:lo], s.vals[hi:]...)
}

func (s *Store) addLocked(key []byte, delta int64) {
	i, found := s.indexOfLocked(key)
	var cur int64
	if found {
		if len(s.vals[i]) >= 8 {
			cur = int64(binary.LittleEndian.Uint64(s.vals[i]))
		}
	}
	cur += delta
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(cur))
	s.setLocked(key, buf)
}

type opKind int

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAdd
	opVersionstamped
)

type bufferedOp struct {
	kind     opKind
	key      []byte
	begin    []byte
	end      []byte
	value    []byte
	delta    int64
	resolved *[]byte
}

// memTxn buffers writes until commit so a failed transaction body leaves the
// store untouched, and implements read-your-writes over that buffer unless
// disabled.
type memTxn struct {
	store          *Store
	ops            []bufferedOp
	readYourWrites bool
	nextBatchOrder uint16
	timeout        time.Duration
	pendingStamp   *[]byte
}

func (t *memTxn) overlay() ([][]byte, [][]byte) {
	keys := append([][]byte{}, t.store.keys...)
	vals := append([][]byte{}, t.store.vals...)
	if !t.readYourWrites {
		return keys, vals
	}
	for _, op := range t.ops {
		switch op.kind {
		case opSet:
			keys, vals = overlaySet(keys, vals, op.key, op.value)
		case opClear:
			keys, vals = overlayClear(keys, vals, op.key)
		case opClearRange:
			keys, vals = overlayClearRange(keys, vals, op.begin, op.end)
		case opAdd:
			var cur int64
			i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], op.key) >= 0 })
			if i < len(keys) && bytes.Equal(keys[i], op.key) && len(vals[i]) >= 8 {
				cur = int64(binary.LittleEndian.Uint64(vals[i]))
			}
			cur += op.delta
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(cur))
			keys, vals = overlaySet(keys, vals, op.key, buf)
		}
	}
	return keys, vals
}

func overlaySet(keys, vals [][]byte, key, value []byte) ([][]byte, [][]byte) {
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })
	if i < len(keys) && bytes.Equal(keys[i], key) {
		vals[i] = value
		return keys, vals
	}
	keys = append(keys, nil)
	copy(keys[i+1:], keys[i:])
	keys[i] = key
	vals = append(vals, nil)
	copy(vals[i+1:], vals[i:])
	vals[i] = value
	return keys, vals
}

func overlayClear(keys, vals [][]byte, key []byte) ([][]byte, [][]byte) {
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })
	if i < len(keys) && bytes.Equal(keys[i], key) {
		keys = append(keys[:i], keys[i+1:]...)
		vals = append(vals[:i], vals[i+1:]...)
	}
	return keys, vals
}

func overlayClearRange(keys, vals [][]byte, begin, end []byte) ([][]byte, [][]byte) {
	lo := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], begin) >= 0 })
	hi := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], end) >= 0 })
	if lo >= hi {
		return keys, vals
	}
	keys = append(keys[:lo], keys[hi:]...)
	vals = append(vals[:lo], vals[hi:]...)
	return keys, vals
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	keys, vals := t.overlay()
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })
	if i < len(keys) && bytes.Equal(keys[i], key) {
		return vals[i], nil
	}
	return nil, nil
}

func (t *memTxn) GetKey(sel kv.KeySelector) ([]byte, error) {
	keys, _ := t.overlay()
	return resolveSelector(keys, sel), nil
}

func (t *memTxn) GetRange(begin, end []byte, opts kv.RangeOptions) kv.Iterator {
	return t.GetRangeSelectors(kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), opts)
}

func (t *memTxn) GetRangeSelectors(begin, end kv.KeySelector, opts kv.RangeOptions) kv.Iterator {
	keys, vals := t.overlay()
	return newRangeIterator(keys, vals, begin, end, opts)
}

func (t *memTxn) Set(key, value []byte) {
	t.ops = append(t.ops, bufferedOp{kind: opSet, key: append([]byte{}, key...), value: append([]byte{}, value...)})
}

func (t *memTxn) Clear(key []byte) {
	t.ops = append(t.ops, bufferedOp{kind: opClear, key: append([]byte{}, key...)})
}

func (t *memTxn) ClearRange(begin, end []byte) {
	t.ops = append(t.ops, bufferedOp{kind: opClearRange, begin: append([]byte{}, begin...), end: append([]byte{}, end...)})
}

func (t *memTxn) Add(key []byte, delta int64) {
	t.ops = append(t.ops, bufferedOp{kind: opAdd, key: append([]byte{}, key...), delta: delta})
}

func (t *memTxn) SetVersionstampedKey(key, value []byte) {
	resolved := new([]byte)
	t.ops = append(t.ops, bufferedOp{kind: opVersionstamped, key: append([]byte{}, key...), value: append([]byte{}, value...), resolved: resolved})
	t.pendingStamp = resolved
}

func (t *memTxn) Versionstamp() func() ([]byte, error) {
	p := t.pendingStamp
	return func() ([]byte, error) {
		if p == nil || *p == nil {
			return nil, errs.NewInternal("versionstamp requested before a versionstamped write was issued")
		}
		return *p, nil
	}
}

func (t *memTxn) SetTimeout(d time.Duration)    { t.timeout = d }
func (t *memTxn) SetReadYourWritesDisable()     { t.readYourWrites = false }
func (t *memTxn) Snapshot() kv.Txn {
	keys, vals := t.overlay()
	return &memReadTxn{keys: keys, vals: vals}
}

// memReadTxn is a read-only view over a fixed snapshot of keys/vals.
type memReadTxn struct {
	keys [][]byte
	vals [][]byte
}

func (t *memReadTxn) Get(key []byte) ([]byte, error) {
	i := sort.Search(len(t.keys), func(i int) bool { return bytes.Compare(t.keys[i], key) >= 0 })
	if i < len(t.keys) && bytes.Equal(t.keys[i], key) {
		return t.vals[i], nil
	}
	return nil, nil
}

func (t *memReadTxn) GetKey(sel kv.KeySelector) ([]byte, error) {
	return resolveSelector(t.keys, sel), nil
}

func (t *memReadTxn) GetRange(begin, end []byte, opts kv.RangeOptions) kv.Iterator {
	return t.GetRangeSelectors(kv.FirstGreaterOrEqual(begin), kv.FirstGreaterOrEqual(end), opts)
}

func (t *memReadTxn) GetRangeSelectors(begin, end kv.KeySelector, opts kv.RangeOptions) kv.Iterator {
	return newRangeIterator(t.keys, t.vals, begin, end, opts)
}

func (t *memReadTxn) Set(key, value []byte)                    { panic("kvtest: Set on read-only transaction") }
func (t *memReadTxn) Clear(key []byte)                         { panic("kvtest: Clear on read-only transaction") }
func (t *memReadTxn) ClearRange(begin, end []byte)             { panic("kvtest: ClearRange on read-only transaction") }
func (t *memReadTxn) Add(key []byte, delta int64)              { panic("kvtest: Add on read-only transaction") }
func (t *memReadTxn) SetVersionstampedKey(key, value []byte)   { panic("kvtest: SetVersionstampedKey on read-only transaction") }
func (t *memReadTxn) Versionstamp() func() ([]byte, error)     { panic("kvtest: Versionstamp on read-only transaction") }
func (t *memReadTxn) SetTimeout(d time.Duration)               {}
func (t *memReadTxn) SetReadYourWritesDisable()                {}
func (t *memReadTxn) Snapshot() kv.Txn                         { return t }

func resolveSelector(keys [][]byte, sel kv.KeySelector) []byte {
	idx := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], sel.Key()) >= 0 })
	var base int
	switch {
	case sel.Direction() > 0 && sel.OrEqual():
		base = idx
	case sel.Direction() > 0 && !sel.OrEqual():
		if idx < len(keys) && bytes.Equal(keys[idx], sel.Key()) {
			idx++
		}
		base = idx
	case sel.Direction() < 0 && sel.OrEqual():
		if idx < len(keys) && bytes.Equal(keys[idx], sel.Key()) {
			base = idx
		} else {
			base = idx - 1
		}
	default: // LastLessThan
		base = idx - 1
	}
	base += sel.Offset()
	if base < 0 || base >= len(keys) {
		return nil
	}
	return keys[base]
}

type rangeIterator struct {
	keys, vals [][]byte
	idx, end   int
	step       int
}

func newRangeIterator(keys, vals [][]byte, begin, end kv.KeySelector, opts kv.RangeOptions) *rangeIterator {
	loKey := resolveSelectorIndex(keys, begin)
	hiKey := resolveSelectorIndex(keys, end)
	if loKey < 0 {
		loKey = 0
	}
	if hiKey > len(keys) {
		hiKey = len(keys)
	}
	if hiKey < loKey {
		hiKey = loKey
	}
	it := &rangeIterator{keys: keys, vals: vals}
	if opts.Reverse {
		it.idx = hiKey - 1
		it.end = loKey - 1
		it.step = -1
	} else {
		it.idx = loKey
		it.end = hiKey
		it.step = 1
	}
	if opts.Limit > 0 {
		count := 0
		if it.step > 0 {
			for i := it.idx; i != it.end && count < opts.Limit; i += it.step {
				count++
			}
			it.end = it.idx + count
		} else {
			for i := it.idx; i != it.end && count < opts.Limit; i += it.step {
				count++
			}
			it.end = it.idx - count
		}
	}
	it.idx -= it.step // Advance() moves forward before first Get()
	return it
}

func resolveSelectorIndex(keys [][]byte, sel kv.KeySelector) int {
	idx := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], sel.Key()) >= 0 })
	var base int
	switch {
	case sel.Direction() > 0 && sel.OrEqual():
		base = idx
	case sel.Direction() > 0 && !sel.OrEqual():
		if idx < len(keys) && bytes.Equal(keys[idx], sel.Key()) {
			idx++
		}
		base = idx
	case sel.Direction() < 0 && sel.OrEqual():
		if idx < len(keys) && bytes.Equal(keys[idx], sel.Key()) {
			base = idx + 1
		} else {
			base = idx
		}
	default:
		base = idx
	}
	return base + sel.Offset()
}

func (it *rangeIterator) Advance() bool {
	it.idx += it.step
	return it.idx != it.end
}

func (it *rangeIterator) Get() (kv.KeyValue, error) {
	if it.idx < 0 || it.idx >= len(it.keys) {
		return kv.KeyValue{}, errs.NewInternal("kvtest: iterator out of range")
	}
	return kv.KeyValue{Key: it.keys[it.idx], Value: it.vals[it.idx]}, nil
}
