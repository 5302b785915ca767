package countsum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type order struct {
	region string
	amount int64
}

type orderAccess struct{}

func (orderAccess) ExtractField(rec record.Record, name string) ([]tuple.Element, error) {
	o := rec.(order)
	switch name {
	case "region":
		return []tuple.Element{o.region}, nil
	case "amount":
		return []tuple.Element{o.amount}, nil
	}
	return nil, nil
}

func (a orderAccess) Evaluate(rec record.Record, expr record.Expression) ([]tuple.Tuple, error) {
	return record.Evaluate(rec, expr, a)
}
func (orderAccess) Deserialize(b []byte) (record.Record, error) { return nil, nil }
func (orderAccess) PrimaryKey(rec record.Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(order).region}, nil
}

func TestCountIndex(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "countByRegion")
	m := New(sub, record.FieldExpr{Name: "region"}, Count)
	var access orderAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, m.UpdateIndex(nil, order{region: "us"}, access, txn))
		require.NoError(t, m.UpdateIndex(nil, order{region: "us"}, access, txn))
		require.NoError(t, m.UpdateIndex(nil, order{region: "eu"}, access, txn))
		return nil
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		b, err := txn.Get(sub.Pack(tuple.Tuple{"us"}))
		require.NoError(t, err)
		require.Equal(t, int64(2), decodeInt64(b))
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.UpdateIndex(order{region: "us"}, nil, access, txn)
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		b, err := txn.Get(sub.Pack(tuple.Tuple{"us"}))
		require.NoError(t, err)
		require.Equal(t, int64(1), decodeInt64(b))
		return nil
	}))
}

func TestSumIndex(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "sumByRegion")
	expr := record.ConcatenateExpr{Children: []record.Expression{
		record.FieldExpr{Name: "region"},
		record.FieldExpr{Name: "amount"},
	}}
	m := New(sub, expr, Sum)
	var access orderAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, m.UpdateIndex(nil, order{region: "us", amount: 100}, access, txn))
		require.NoError(t, m.UpdateIndex(nil, order{region: "us", amount: 50}, access, txn))
		return nil
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		b, err := txn.Get(sub.Pack(tuple.Tuple{"us"}))
		require.NoError(t, err)
		require.Equal(t, int64(150), decodeInt64(b))
		return nil
	}))
}

func TestAvgIndex(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "avgByRegion")
	expr := record.ConcatenateExpr{Children: []record.Expression{
		record.FieldExpr{Name: "region"},
		record.FieldExpr{Name: "amount"},
	}}
	m := New(sub, expr, Avg)
	var access orderAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, m.UpdateIndex(nil, order{region: "us", amount: 100}, access, txn))
		require.NoError(t, m.UpdateIndex(nil, order{region: "us", amount: 50}, access, txn))
		return nil
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		avg, ok, err := Average(txn, sub, tuple.Tuple{"us"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 75.0, avg)
		return nil
	}))
}

func TestAvgWithNoEntriesIsNone(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "avgEmpty")

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		_, ok, err := Average(txn, sub, tuple.Tuple{"none"})
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}
