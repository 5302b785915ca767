package record

import (
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/tuple"
)

// Maintainer is the uniform update/scan contract every concrete index
// kind implements (spec §4.2). Record types are erased to Record (any)
// so an IndexManager can hold a heterogeneous slice of maintainers across
// differently-typed records (spec §9's "type-erasure via a boxed trait
// object", the teacher's ethdb.Tx-over-interface idiom applied to
// maintainers instead of storage backends).
type Maintainer interface {
	// UpdateIndex mutates the index for one record transition within
	// txn. old == nil && new == nil is a no-op; old == nil is an insert;
	// new == nil is a delete; both non-nil is an update.
	UpdateIndex(old, new Record, access RecordAccess, txn kv.Txn) error

	// ScanRecord treats record (found at primary key pk) as if freshly
	// inserted, for online-build backfill: functionally
	// UpdateIndex(nil, record, ...) but named separately since some
	// maintainers (HNSW) take a build-time-only fast path here.
	ScanRecord(record Record, pk tuple.Tuple, access RecordAccess, txn kv.Txn) error
}
