package permuted

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type event struct {
	region string
	kind   string
	id     int64
}

type eventAccess struct{}

func (eventAccess) ExtractField(rec record.Record, name string) ([]tuple.Element, error) {
	e := rec.(event)
	switch name {
	case "region":
		return []tuple.Element{e.region}, nil
	case "kind":
		return []tuple.Element{e.kind}, nil
	}
	return nil, nil
}
func (a eventAccess) Evaluate(rec record.Record, expr record.Expression) ([]tuple.Tuple, error) {
	return record.Evaluate(rec, expr, a)
}
func (eventAccess) Deserialize(b []byte) (record.Record, error) { return nil, nil }
func (eventAccess) PrimaryKey(rec record.Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(event).id}, nil
}

func TestRejectsNonBijection(t *testing.T) {
	_, err := New(tuple.NewSubspace("S", "index", "p"), nil, []int{0, 0})
	require.Error(t, err)
}

func TestPermutedReordersColumns(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "byKindRegion")
	expr := record.ConcatenateExpr{Children: []record.Expression{
		record.FieldExpr{Name: "region"},
		record.FieldExpr{Name: "kind"},
	}}
	m, err := New(sub, expr, []int{1, 0})
	require.NoError(t, err)
	var access eventAccess

	e := event{region: "us", kind: "click", id: 1}
	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.UpdateIndex(nil, e, access, txn)
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		begin, end := sub.Range()
		it := txn.GetRange(begin, end, kv.RangeOptions{})
		require.True(t, it.Advance())
		kvpair, err := it.Get()
		require.NoError(t, err)
		tup, err := sub.Unpack(kvpair.Key)
		require.NoError(t, err)
		require.Equal(t, tuple.Tuple{"click", "us", int64(1)}, tup)
		return nil
	}))
}
