package rangeset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/tuple"
)

func newTestRangeSet() (RangeSet, *kvtest.Store) {
	return New(tuple.NewSubspace("test", "rangeset")), kvtest.New()
}

func TestInsertRangeMergesAdjacent(t *testing.T) {
	rs, store := newTestRangeSet()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, rs.InsertRange(txn, []byte("a"), []byte("c")))
		require.NoError(t, rs.InsertRange(txn, []byte("c"), []byte("e")))
		return nil
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		entries, err := rs.scanAll(txn)
		require.NoError(t, err)
		require.Len(t, entries, 1, "adjacent ranges must merge into one entry")
		require.Equal(t, []byte("a"), entries[0].begin)
		require.Equal(t, []byte("e"), entries[0].end)
		return nil
	}))
}

func TestInsertRangeIdempotent(t *testing.T) {
	rs, store := newTestRangeSet()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, rs.InsertRange(txn, []byte("m"), []byte("p")))
		require.NoError(t, rs.InsertRange(txn, []byte("m"), []byte("p")))
		return nil
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		entries, err := rs.scanAll(txn)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		return nil
	}))
}

func TestMissingRanges(t *testing.T) {
	rs, store := newTestRangeSet()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, rs.InsertRange(txn, []byte("b"), []byte("d")))
		require.NoError(t, rs.InsertRange(txn, []byte("f"), []byte("g")))
		return nil
	}))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		missing, err := rs.MissingRanges(txn, []byte("a"), []byte("h"))
		require.NoError(t, err)
		require.Equal(t, [][2][]byte{
			{[]byte("a"), []byte("b")},
			{[]byte("d"), []byte("f")},
			{[]byte("g"), []byte("h")},
		}, missing)

		full, err := rs.ContainsRange(txn, []byte("a"), []byte("h"))
		require.NoError(t, err)
		require.False(t, full)

		covered, err := rs.ContainsRange(txn, []byte("b"), []byte("d"))
		require.NoError(t, err)
		require.True(t, covered)
		return nil
	}))
}

func TestClear(t *testing.T) {
	rs, store := newTestRangeSet()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		require.NoError(t, rs.InsertRange(txn, []byte("a"), []byte("z")))
		return nil
	}))
	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return rs.Clear(txn)
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		missing, err := rs.MissingRanges(txn, []byte("a"), []byte("z"))
		require.NoError(t, err)
		require.Len(t, missing, 1)
		return nil
	}))
}

func TestProgress(t *testing.T) {
	rs, store := newTestRangeSet()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return rs.InsertRange(txn, []byte{0x00}, []byte{0x80})
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		p, err := rs.Progress(txn, []byte{0x00}, []byte{0xFF})
		require.NoError(t, err)
		require.InDelta(t, 0.5, p, 0.05)
		return nil
	}))
}
