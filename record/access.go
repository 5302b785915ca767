package record

import "github.com/turbodb/recordlayer/tuple"

// Record is an opaque, caller-deserialized record value. This module never
// constructs or interprets one directly; every touch goes through
// RecordAccess (spec §1: "record serialization/deserialization... out of
// scope").
type Record = any

// RecordAccess is the external capability every Maintainer is handed
// alongside a record, standing in for the schema/serialization layer this
// module does not own (spec §4.2).
type RecordAccess interface {
	// Evaluate computes expr's entry set against record. Implementations
	// typically delegate straight to the package-level Evaluate using
	// their own ExtractField.
	Evaluate(record Record, expr Expression) ([]tuple.Tuple, error)
	// ExtractField returns the (possibly multi-valued, possibly empty)
	// values of the named field on record.
	ExtractField(record Record, name string) ([]tuple.Element, error)
	// Deserialize parses raw record bytes, used by scrubber Phase 2 and
	// OnlineIndexer backfill scans.
	Deserialize(data []byte) (Record, error)
	// PrimaryKey returns record's primary key tuple. UpdateIndex is not
	// separately handed a pk the way ScanRecord is, so maintainers ask
	// RecordAccess directly; a record with no extractable primary key is
	// an Internal error (spec §7), not InvalidArgument, since it
	// signals a schema/contract violation rather than bad input shape.
	PrimaryKey(record Record) (tuple.Tuple, error)
}
