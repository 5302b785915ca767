// Package value implements the VALUE index maintainer (spec §4.3): key =
// subspace.pack(indexedValues ++ pk), empty value, set on insert/clear on
// delete. It is the prototype every other simple index kind (count, sum,
// min/max) adapts, grounded the same way on
// core/state/db_state_writer.go's old/new-diff writer shape.
package value

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Maintainer implements record.Maintainer for VALUE indexes.
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
		if err := m.clearEntries(old, access, txn); err != nil {
			return err
		}
	}
	if new != nil {
		if err := m.setEntries(new, access, txn); err != nil {
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
		txn.Set(m.Sub.Pack(e.Append(pk...)), nil)
	}
	return nil
}

func (m *Maintainer) setEntries(rec record.Record, access record.RecordAccess, txn kv.Txn) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "value maintainer: extract primary key")
	}
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		txn.Set(m.Sub.Pack(e.Append(pk...)), nil)
	}
	return nil
}

func (m *Maintainer) clearEntries(rec record.Record, access record.RecordAccess, txn kv.Txn) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "value maintainer: extract primary key")
	}
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		txn.Clear(m.Sub.Pack(e.Append(pk...)))
	}
	return nil
}
