package rank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type score struct {
	pk    int64
	value int64
}

type scoreAccess struct{}

func (scoreAccess) ExtractField(rec record.Record, name string) ([]tuple.Element, error) {
	s := rec.(score)
	if name == "value" {
		return []tuple.Element{s.value}, nil
	}
	return nil, nil
}
func (a scoreAccess) Evaluate(rec record.Record, expr record.Expression) ([]tuple.Tuple, error) {
	return record.Evaluate(rec, expr, a)
}
func (scoreAccess) Deserialize(b []byte) (record.Record, error) { return nil, nil }
func (scoreAccess) PrimaryKey(rec record.Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(score).pk}, nil
}

func TestLeaderboardDescending(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "leaderboard")
	m := New(sub, record.FieldExpr{Name: "value"}, Desc, 100)
	var access scoreAccess

	scores := []score{{pk: 1, value: 10}, {pk: 2, value: 20}, {pk: 3, value: 30}, {pk: 4, value: 40}, {pk: 5, value: 50}}
	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		for _, s := range scores {
			require.NoError(t, m.UpdateIndex(nil, s, access, txn))
		}
		return nil
	}))

	rq := NewQuery(sub, Desc, 100)
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		r, err := rq.GetRank(txn, nil, 40, tuple.Tuple{int64(4)})
		require.NoError(t, err)
		require.Equal(t, int64(2), r)

		top, err := rq.Top(txn, nil, 2)
		require.NoError(t, err)
		require.Equal(t, []tuple.Tuple{{int64(5)}, {int64(4)}}, top)

		count, err := rq.Count(txn, nil)
		require.NoError(t, err)
		require.Equal(t, int64(5), count)

		s, ok, err := rq.ScoreAtRank(txn, nil, 3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(30), s)

		_, ok, err = rq.ByRank(txn, nil, int64(len(scores))+1)
		require.NoError(t, err)
		require.False(t, ok, "rank beyond total count must yield none")
		return nil
	}))
}

func TestRankAscending(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "latencyRank")
	m := New(sub, record.FieldExpr{Name: "value"}, Asc, 100)
	var access scoreAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		for _, v := range []int64{5, 1, 3, 2, 4} {
			require.NoError(t, m.UpdateIndex(nil, score{pk: v, value: v}, access, txn))
		}
		return nil
	}))

	rq := NewQuery(sub, Asc, 100)
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		top, err := rq.Top(txn, nil, 3)
		require.NoError(t, err)
		require.Equal(t, []tuple.Tuple{{int64(1)}, {int64(2)}, {int64(3)}}, top)
		return nil
	}))
}

func TestRankAcrossBucketBoundary(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	sub := tuple.NewSubspace("S", "index", "bigLeaderboard")
	m := New(sub, record.FieldExpr{Name: "value"}, Desc, 10)
	var access scoreAccess

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		for i := int64(0); i < 250; i++ {
			require.NoError(t, m.UpdateIndex(nil, score{pk: i, value: i}, access, txn))
		}
		return nil
	}))

	rq := NewQuery(sub, Desc, 10)
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		count, err := rq.Count(txn, nil)
		require.NoError(t, err)
		require.Equal(t, int64(250), count)

		r, err := rq.GetRank(txn, nil, 0, tuple.Tuple{int64(0)})
		require.NoError(t, err)
		require.Equal(t, int64(250), r, "lowest score under desc order ranks last")

		r, err = rq.GetRank(txn, nil, 249, tuple.Tuple{int64(249)})
		require.NoError(t, err)
		require.Equal(t, int64(1), r)
		return nil
	}))
}
