// Package kv defines the ordered, transactional key/value contract that the
// rest of this module programs against (spec.md's "the KVS"), and wraps the
// official FoundationDB client as the concrete implementation. Apart from
// package tuple, which adapts the fdb tuple and subspace layers, every other
// package in this repository depends only on the interfaces here, never on
// github.com/apple/foundationdb/bindings/go/src/fdb directly, mirroring the
// teacher's ethdb.KV/Tx/Cursor seam over its bolt/lmdb/badger backends.
package kv

import (
	"context"
	"time"
)

// Store is a database handle capable of running read-write and read-only
// transactions. A Store is safe for concurrent use.
type Store interface {
	// Update runs fn inside a committed read-write transaction, retrying
	// automatically on RetryableTransient errors the way fdb.Transact does.
	Update(ctx context.Context, fn func(Txn) error) error
	// View runs fn inside a read-only (optionally snapshot) transaction.
	View(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// KeySelector names one of the four key-selector primitives of spec §4.1.
type KeySelector struct {
	key       []byte
	orEqual   bool
	offset    int
	direction int // +1 forward (greater), -1 backward (less)
}

func FirstGreaterOrEqual(key []byte) KeySelector {
	return KeySelector{key: key, orEqual: true, direction: +1}
}

func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{key: key, orEqual: false, direction: +1}
}

func LastLessThan(key []byte) KeySelector {
	return KeySelector{key: key, orEqual: false, direction: -1}
}

func LastLessOrEqual(key []byte) KeySelector {
	return KeySelector{key: key, orEqual: true, direction: -1}
}

func (s KeySelector) Key() []byte     { return s.key }
func (s KeySelector) OrEqual() bool   { return s.orEqual }
func (s KeySelector) Direction() int  { return s.direction }
func (s KeySelector) WithOffset(n int) KeySelector {
	s.offset = n
	return s
}
func (s KeySelector) Offset() int { return s.offset }

// KeyValue is one row of a range read.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions controls a GetRange call.
type RangeOptions struct {
	Limit   int
	Reverse bool
}

// Iterator is a finite, non-restartable, blocking-on-suspension sequence of
// key/value pairs (spec §9, "coroutine-style iteration"). Callers must not
// reuse an Iterator after Advance returns false; a fresh GetRange call is
// required to continue from a new start key.
type Iterator interface {
	Advance() bool
	Get() (KeyValue, error)
}

// Txn is the read/write transaction contract. A Txn is not safe for
// concurrent use by multiple goroutines; the teacher's maintainers likewise
// assume single-goroutine, sequential use of one transaction (spec §5).
type Txn interface {
	Get(key []byte) ([]byte, error)
	GetKey(sel KeySelector) ([]byte, error)
	GetRange(begin, end []byte, opts RangeOptions) Iterator
	GetRangeSelectors(begin, end KeySelector, opts RangeOptions) Iterator

	Set(key, value []byte)
	Clear(key []byte)
	ClearRange(begin, end []byte)

	// Add performs an atomic little-endian signed-integer add, per spec
	// §4.3's COUNT/SUM write op.
	Add(key []byte, delta int64)

	// SetVersionstampedKey writes key (which must end with a 10-byte
	// 0xFF placeholder followed by a 4-byte little-endian offset trailer,
	// per spec §4.1/§4.6) with value, and arranges for the KVS to
	// substitute the native versionstamp into the placeholder at commit.
	SetVersionstampedKey(key, value []byte)

	// Versionstamp returns a function that, once this transaction has
	// committed, resolves to the 10-byte versionstamp assigned to it.
	Versionstamp() func() ([]byte, error)

	SetTimeout(d time.Duration)
	SetReadYourWritesDisable()

	// Snapshot returns a read view of this transaction for batch scans.
	// It does not bypass read-your-writes: writes already staged in this
	// txn are visible through it.
	Snapshot() Txn
}

// IncompleteVersionstampOffset is the size in bytes of the little-endian
// offset trailer appended after the 10-byte 0xFF placeholder in a
// versionstamped key (spec §4.1).
const IncompleteVersionstampOffset = 4

// VersionstampPlaceholderSize is the size of the 0xFF placeholder region a
// versionstamped key reserves before the KVS substitutes the real value.
const VersionstampPlaceholderSize = 10
