package build

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/index/value"
	"github.com/turbodb/recordlayer/indexstate"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/rangeset"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

type item struct {
	id  int64
	val string
}

func serializeItem(it item) []byte {
	buf := make([]byte, 8+len(it.val))
	binary.BigEndian.PutUint64(buf[:8], uint64(it.id))
	copy(buf[8:], it.val)
	return buf
}

type itemAccess struct{}

func (itemAccess) ExtractField(rec record.Record, name string) ([]tuple.Element, error) {
	it := rec.(item)
	if name == "val" {
		return []tuple.Element{it.val}, nil
	}
	return nil, nil
}

func (a itemAccess) Evaluate(rec record.Record, expr record.Expression) ([]tuple.Tuple, error) {
	return record.Evaluate(rec, expr, a)
}

func (itemAccess) Deserialize(b []byte) (record.Record, error) {
	id := int64(binary.BigEndian.Uint64(b[:8]))
	return item{id: id, val: string(b[8:])}, nil
}

func (itemAccess) PrimaryKey(rec record.Record) (tuple.Tuple, error) {
	return tuple.Tuple{rec.(item).id}, nil
}

func setupItems(t *testing.T, store *kvtest.Store, recordSub tuple.Subspace, items []item) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(txn kv.Txn) error {
		for _, it := range items {
			txn.Set(recordSub.Pack(tuple.Tuple{it.id}), serializeItem(it))
		}
		return nil
	}))
}

func TestOnlineIndexerBuildsFromScratch(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	recordSub := tuple.NewSubspace("S", "records", "item")
	indexSub := tuple.NewSubspace("S", "index", "byVal")
	states := indexstate.New(tuple.NewSubspace("S", "indexState"))

	items := []item{{1, "a"}, {2, "b"}, {3, "c"}}
	setupItems(t, store, recordSub, items)

	m := value.New(indexSub, record.FieldExpr{Name: "val"})
	idx := &OnlineIndexer{
		Store:        store,
		IndexName:    "byVal",
		States:       states,
		RangeTracker: rangeset.New(tuple.NewSubspace("S", "build", "item", "byVal")),
		RecordSub:    recordSub,
		IndexSub:     indexSub,
		Access:       itemAccess{},
		Maintainer:   m,
		BatchSize:    2,
	}

	require.NoError(t, idx.BuildIndex(ctx, false))

	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		st, err := states.State(txn, "byVal")
		require.NoError(t, err)
		require.Equal(t, indexstate.Readable, st)
		return nil
	}))

	keys := scanIndexKeys(t, store, indexSub)
	require.Equal(t, []tuple.Tuple{{"a", int64(1)}, {"b", int64(2)}, {"c", int64(3)}}, keys)

	p, err := idx.GetProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, p.Status)
	require.Equal(t, int64(3), p.RecordsScanned)
	require.InDelta(t, 1.0, p.EstimatedFraction, 0.001)
}

func TestOnlineIndexerResumeSkipsCompletedRanges(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	recordSub := tuple.NewSubspace("S", "records", "item2")
	indexSub := tuple.NewSubspace("S", "index", "byVal2")
	states := indexstate.New(tuple.NewSubspace("S", "indexState2"))
	tracker := rangeset.New(tuple.NewSubspace("S", "build", "item2", "byVal2"))

	items := []item{{1, "a"}, {2, "b"}}
	setupItems(t, store, recordSub, items)

	m := value.New(indexSub, record.FieldExpr{Name: "val"})
	idx := &OnlineIndexer{
		Store: store, IndexName: "byVal2", States: states,
		RangeTracker: tracker, RecordSub: recordSub, IndexSub: indexSub,
		Access: itemAccess{}, Maintainer: m, BatchSize: 10,
	}
	require.NoError(t, idx.BuildIndex(ctx, false))

	extra := []item{{3, "c"}}
	setupItems(t, store, recordSub, extra)

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return states.Disable(txn, "byVal2")
	}))
	idx2 := &OnlineIndexer{
		Store: store, IndexName: "byVal2", States: states,
		RangeTracker: tracker, RecordSub: recordSub, IndexSub: indexSub,
		Access: itemAccess{}, Maintainer: m, BatchSize: 10,
	}
	require.NoError(t, idx2.BuildIndex(ctx, false))

	keys := scanIndexKeys(t, store, indexSub)
	require.Equal(t, []tuple.Tuple{{"a", int64(1)}, {"b", int64(2)}, {"c", int64(3)}}, keys)
}

func TestOnlineIndexerResumeRejectedFromNotStarted(t *testing.T) {
	idx := &OnlineIndexer{}
	err := idx.ResumeBuild(context.Background())
	require.Error(t, err)
}

func TestOnlineIndexerClearFirstWipesIndexAndProgress(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	recordSub := tuple.NewSubspace("S", "records", "item3")
	indexSub := tuple.NewSubspace("S", "index", "byVal3")
	states := indexstate.New(tuple.NewSubspace("S", "indexState3"))
	tracker := rangeset.New(tuple.NewSubspace("S", "build", "item3", "byVal3"))

	items := []item{{1, "a"}}
	setupItems(t, store, recordSub, items)
	m := value.New(indexSub, record.FieldExpr{Name: "val"})
	idx := &OnlineIndexer{
		Store: store, IndexName: "byVal3", States: states,
		RangeTracker: tracker, RecordSub: recordSub, IndexSub: indexSub,
		Access: itemAccess{}, Maintainer: m, BatchSize: 10,
	}
	require.NoError(t, idx.BuildIndex(ctx, false))
	require.NoError(t, idx.BuildIndex(ctx, true))

	keys := scanIndexKeys(t, store, indexSub)
	require.Equal(t, []tuple.Tuple{{"a", int64(1)}}, keys)
}

func scanIndexKeys(t *testing.T, store *kvtest.Store, sub tuple.Subspace) []tuple.Tuple {
	t.Helper()
	var keys []tuple.Tuple
	require.NoError(t, store.View(context.Background(), func(txn kv.Txn) error {
		begin, end := sub.Range()
		it := txn.GetRange(begin, end, kv.RangeOptions{})
		for it.Advance() {
			kvpair, err := it.Get()
			require.NoError(t, err)
			tup, err := sub.Unpack(kvpair.Key)
			require.NoError(t, err)
			keys = append(keys, tup)
		}
		return nil
	}))
	return keys
}
