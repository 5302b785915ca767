package minmax

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type reading struct {
	sensor string
	value  int64
}

type readingAccess struct{}

func (readingAccess) ExtractField(rec record.Record, name string) ([]tuple.Element, error) {
	r := rec.(reading)
	switch name {
	case "sensor":
		return []tuple.Element{r.sensor}, nil
	case "value":
		return []tuple.Element{r.value}, nil
	}
	return nil, nil
}
func (a readingAccess) Evaluate(rec record.Record, expr record.Expression) ([]tuple.Tuple, error) {
	return record.Evaluate(rec, expr, a)
}
func (readingAccess) Deserialize(b []byte) (record.Record, error) { return nil, nil }
func (readingAccess) PrimaryKey(rec record.Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(reading).sensor, rec.(reading).value}, nil
}

func TestMinMax(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "readingRange")
	expr := record.ConcatenateExpr{Children: []record.Expression{
		record.FieldExpr{Name: "sensor"},
		record.FieldExpr{Name: "value"},
	}}
	m := New(sub, expr)
	var access readingAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		for _, v := range []int64{30, 10, 50, 20} {
			require.NoError(t, m.UpdateIndex(nil, reading{sensor: "temp", value: v}, access, txn))
		}
		return nil
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		min, ok, err := m.Min(txn, tuple.Tuple{"temp"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(10), min[1])

		max, ok, err := m.Max(txn, tuple.Tuple{"temp"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(50), max[1])
		return nil
	}))
}
