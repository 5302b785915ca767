// Package spatialidx implements the SPATIAL index maintainer (spec
// §4.7): key = Sub.Pack([code]++pk) under the subspace handed to New,
// value empty. The maintainer adds no "I" or index-name element of its
// own; the key carries only what Sub already holds. The maintainer is
// codec-agnostic — it stores whatever single
// orderable code a Codec produces from an evaluated coordinate tuple,
// so it backs Geohash, Morton, or S2 indexes uniformly, the way
// index/minmax backs both MIN and MAX off one storage layout.
package spatialidx

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Codec turns one evaluated coordinate entry (e.g. [lat, lon] or
// [x, y, z]) into a single orderable code element.
type Codec interface {
	Code(entry tuple.Tuple) (tuple.Element, error)
}

// CodecFunc adapts a plain function to Codec.
type CodecFunc func(entry tuple.Tuple) (tuple.Element, error)

func (f CodecFunc) Code(entry tuple.Tuple) (tuple.Element, error) { return f(entry) }

type Maintainer struct {
	Sub   tuple.Subspace
	Expr  record.Expression
	Codec Codec
}

func New(sub tuple.Subspace, expr record.Expression, codec Codec) *Maintainer {
	return &Maintainer{Sub: sub, Expr: expr, Codec: codec}
}

func (m *Maintainer) UpdateIndex(old, new record.Record, access record.RecordAccess, txn kv.Txn) error {
	if old == nil && new == nil {
		return nil
	}
	if old != nil {
		if err := m.mutate(old, access, txn, false); err != nil {
			return err
		}
	}
	if new != nil {
		if err := m.mutate(new, access, txn, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) ScanRecord(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn) error {
	return m.mutateWithPK(rec, pk, access, txn, true)
}

func (m *Maintainer) mutate(rec record.Record, access record.RecordAccess, txn kv.Txn, set bool) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "spatial maintainer: primary key")
	}
	return m.mutateWithPK(rec, pk, access, txn, set)
}

func (m *Maintainer) mutateWithPK(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn, set bool) error {
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		code, err := m.Codec.Code(entry)
		if err != nil {
			return err
		}
		key := m.Sub.Pack(tuple.Tuple{code}.Append(pk...))
		if set {
			txn.Set(key, nil)
		} else {
			txn.Clear(key)
		}
	}
	return nil
}

// Range describes one [Begin, End) byte-key span a covering query
// contributes; the planner unions the spans returned for every cell a
// region's covering touches (spec §4.7).
type Range struct {
	Begin, End []byte
}

// RangesForCodes returns the key range covering each given code exactly
// (one primary-key-bearing key prefix per code), for planners that
// already computed a covering set of codes (e.g. via spatial.CoverRadius
// or spatial.CoverBoundingBox) and need the corresponding index ranges.
func RangesForCodes(sub tuple.Subspace, codes []tuple.Element) []Range {
	out := make([]Range, 0, len(codes))
	for _, code := range codes {
		begin := sub.Pack(tuple.Tuple{code})
		end := append(append([]byte(nil), begin...), 0xFF)
		out = append(out, Range{Begin: begin, End: end})
	}
	return out
}

// Scan returns the primary keys stored under one exact code.
func Scan(txn kv.Txn, sub tuple.Subspace, code tuple.Element) ([]tuple.Tuple, error) {
	prefix := sub.Pack(tuple.Tuple{code})
	end := append(append([]byte(nil), prefix...), 0xFF)
	it := txn.GetRange(prefix, end, kv.RangeOptions{})
	var out []tuple.Tuple
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, err
		}
		full, err := sub.Unpack(kvpair.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, full[1:])
	}
	return out, nil
}
