// Package permuted implements the PERMUTED maintainer (spec §4.4): an
// alternative ordering of a compound base index's columns, stored
// independently (storage-sharing with the base index is flagged in spec
// §9 as future work, not implemented here). Grounded on the same
// old/new-diff writer shape as index/value, with the column reorder as
// the only addition.
package permuted

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Maintainer stores subspace.pack(permute(entry) ++ pk) with an empty
// value, where permute reorders entry's columns according to Perm.
type Maintainer struct {
	Sub  tuple.Subspace
	Expr record.Expression
	Perm []int
}

// New validates that perm is a bijection on [0, len(perm)) before
// constructing the maintainer (spec §4.4: "a permutation is a bijection
// on {0,...,N-1}").
func New(sub tuple.Subspace, expr record.Expression, perm []int) (*Maintainer, error) {
	if !isBijection(perm) {
		return nil, errs.NewInvalidPermutation(len(perm))
	}
	return &Maintainer{Sub: sub, Expr: expr, Perm: perm}, nil
}

func isBijection(perm []int) bool {
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}

// permute reorders entry's columns: result[i] = entry[Perm[i]].
func (m *Maintainer) permute(entry tuple.Tuple) (tuple.Tuple, error) {
	if len(entry) != len(m.Perm) {
		return nil, errs.NewInvalidArgument("permuted index: expression produced %d columns, permutation expects %d", len(entry), len(m.Perm))
	}
	out := make(tuple.Tuple, len(entry))
	for i, p := range m.Perm {
		out[i] = entry[p]
	}
	return out, nil
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
		p, err := m.permute(e)
		if err != nil {
			return err
		}
		txn.Set(m.Sub.Pack(p.Append(pk...)), nil)
	}
	return nil
}

func (m *Maintainer) mutate(rec record.Record, access record.RecordAccess, txn kv.Txn, set bool) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "permuted maintainer: extract primary key")
	}
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p, err := m.permute(e)
		if err != nil {
			return err
		}
		key := m.Sub.Pack(p.Append(pk...))
		if set {
			txn.Set(key, nil)
		} else {
			txn.Clear(key)
		}
	}
	return nil
}
