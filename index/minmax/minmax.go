// Package minmax implements the MIN/MAX index maintainer (spec §4.3): key
// = subspace.pack(grouping ++ [value] ++ pk), empty value, queried by
// firstGreaterOrEqual (MIN) or lastLessThan (MAX) on the grouping prefix.
// One Maintainer backs both MIN and MAX since the storage layout is
// identical; only the query helper differs. Grounded on the same
// old/new-diff shape as the value and countsum maintainers.
package minmax

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Maintainer stores grouping++value++pk keys. Expr's last column is the
// compared value; the rest is the grouping.
type Maintainer struct {
	Sub  tuple.Subspace
	Expr record.Expression
}

func New(sub tuple.Subspace, expr record.Expression) *Maintainer {
	return &Maintainer{Sub: sub, Expr: expr}
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
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if len(e) == 0 {
			return errs.NewInvalidArgument("min/max index: expression produced no value column")
		}
		txn.Set(m.Sub.Pack(e.Append(pk...)), nil)
	}
	return nil
}

func (m *Maintainer) mutate(rec record.Record, access record.RecordAccess, txn kv.Txn, set bool) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "min/max maintainer: extract primary key")
	}
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if len(e) == 0 {
			return errs.NewInvalidArgument("min/max index: expression produced no value column")
		}
		key := m.Sub.Pack(e.Append(pk...))
		if set {
			txn.Set(key, nil)
		} else {
			txn.Clear(key)
		}
	}
	return nil
}

// Min returns the first (grouping, value, pk) entry under grouping, or
// ok=false if grouping is empty.
func (m *Maintainer) Min(txn kv.Txn, grouping tuple.Tuple) (entry tuple.Tuple, ok bool, err error) {
	begin, end := groupingRange(m.Sub, grouping)
	it := txn.GetRange(begin, end, kv.RangeOptions{Limit: 1})
	if !it.Advance() {
		return nil, false, nil
	}
	kvpair, err := it.Get()
	if err != nil {
		return nil, false, err
	}
	t, err := m.Sub.Unpack(kvpair.Key)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Max returns the last (grouping, value, pk) entry under grouping, or
// ok=false if grouping is empty.
func (m *Maintainer) Max(txn kv.Txn, grouping tuple.Tuple) (entry tuple.Tuple, ok bool, err error) {
	begin, end := groupingRange(m.Sub, grouping)
	it := txn.GetRange(begin, end, kv.RangeOptions{Limit: 1, Reverse: true})
	if !it.Advance() {
		return nil, false, nil
	}
	kvpair, err := it.Get()
	if err != nil {
		return nil, false, err
	}
	t, err := m.Sub.Unpack(kvpair.Key)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func groupingRange(sub tuple.Subspace, grouping tuple.Tuple) (begin, end []byte) {
	prefix := sub.Pack(grouping)
	begin = append([]byte(nil), prefix...)
	end = append(append([]byte(nil), prefix...), 0xFF)
	return begin, end
}
