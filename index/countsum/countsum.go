// Package countsum implements the COUNT, SUM, and AVG maintainers of spec
// §4.3. All three share the same shape: evaluate a key expression to a
// grouping (and, for SUM/AVG, a trailing aggregated value column), then
// apply an atomic signed delta to one or two little-endian Int64 counter
// keys. Grounded on the teacher's atomic counter usage pattern in
// ethdb.Tx.IncrementSequence generalized from a single global sequence to
// per-grouping counters, and on core/state/db_state_writer.go's old/new
// diff shape for deriving the delta itself.
package countsum

import (
	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type Kind int

const (
	Count Kind = iota
	Sum
	Avg
)

// Maintainer implements record.Maintainer for COUNT, SUM, and AVG.
// For Sum and Avg, Expr's last column is the aggregated value; the rest
// is the grouping. For Count, Expr is the grouping alone.
type Maintainer struct {
	Sub  tuple.Subspace
	Expr record.Expression
	Kind Kind
}

func New(sub tuple.Subspace, expr record.Expression, kind Kind) *Maintainer {
	return &Maintainer{Sub: sub, Expr: expr, Kind: kind}
}

func (m *Maintainer) UpdateIndex(old, new record.Record, access record.RecordAccess, txn kv.Txn) error {
	if old == nil && new == nil {
		return nil
	}
	if old != nil {
		if err := m.apply(old, access, txn, -1); err != nil {
			return err
		}
	}
	if new != nil {
		if err := m.apply(new, access, txn, +1); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) ScanRecord(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn) error {
	return m.apply(rec, access, txn, +1)
}

// apply adds sign's unit delta (for Count) or sign*value (for Sum/Avg) to
// every grouping entry rec contributes.
func (m *Maintainer) apply(rec record.Record, access record.RecordAccess, txn kv.Txn, sign int64) error {
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch m.Kind {
		case Count:
			txn.Add(m.Sub.Pack(e), sign)
		case Sum, Avg:
			if len(e) == 0 {
				return errs.NewInvalidArgument("sum/avg index %v: expression produced no value column", m.Sub.Bytes())
			}
			grouping, val := e[:len(e)-1], e[len(e)-1]
			delta, err := signedInt64(val)
			if err != nil {
				return err
			}
			txn.Add(m.Sub.Pack(grouping), sign*delta)
			if m.Kind == Avg {
				txn.Add(m.Sub.Pack(grouping.Append(countMarker)), sign)
			}
		}
	}
	return nil
}

// countMarker distinguishes an AVG index's sibling count key from its sum
// key under the same grouping prefix, mirroring the RANK maintainer's
// "_count" level-node marker convention (spec §3).
const countMarker = "_count"

func signedInt64(v tuple.Element) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32, float64:
		return 0, errs.NewInvalidArgument("sum/avg index: float values are not supported, use integer minor units")
	default:
		return 0, errs.NewInvalidArgument("sum/avg index: non-numeric aggregated value %T", v)
	}
}

// Average reads a committed AVG index's grouping and returns sum/count,
// or ok=false if count <= 0 (spec §4.3: "queries compute sum/count
// client-side and return None when count <= 0").
func Average(txn kv.Txn, sub tuple.Subspace, grouping tuple.Tuple) (avg float64, ok bool, err error) {
	sumBytes, err := txn.Get(sub.Pack(grouping))
	if err != nil {
		return 0, false, err
	}
	countBytes, err := txn.Get(sub.Pack(grouping.Append(countMarker)))
	if err != nil {
		return 0, false, err
	}
	sum := decodeInt64(sumBytes)
	count := decodeInt64(countBytes)
	if count <= 0 {
		return 0, false, nil
	}
	return float64(sum) / float64(count), true, nil
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}
