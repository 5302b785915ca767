package scrub

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

// scrubFixture wires a record subspace, an index subspace holding a VALUE
// index over "val", and a READABLE indexstate entry, mirroring how
// value.Maintainer lays out its entries (key = sub.pack(val, pk)).
type scrubFixture struct {
	store     *kvtest.Store
	states    indexstate.Manager
	recordSub tuple.Subspace
	indexSub  tuple.Subspace
}

func newScrubFixture(t *testing.T, suffix string) *scrubFixture {
	t.Helper()
	f := &scrubFixture{
		store:     kvtest.New(),
		states:    indexstate.New(tuple.NewSubspace("S", "indexState")),
		recordSub: tuple.NewSubspace("S", "records", suffix),
		indexSub:  tuple.NewSubspace("S", "index", suffix),
	}
	require.NoError(t, f.store.Update(context.Background(), func(txn kv.Txn) error {
		if err := f.states.Enable(txn, "by"+suffix); err != nil {
			return err
		}
		return f.states.MakeReadable(txn, "by"+suffix)
	}))
	return f
}

func (f *scrubFixture) putRecord(t *testing.T, it item) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(txn kv.Txn) error {
		txn.Set(f.recordSub.Pack(tuple.Tuple{it.id}), serializeItem(it))
		return nil
	}))
}

func (f *scrubFixture) putIndexEntry(t *testing.T, it item) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(txn kv.Txn) error {
		txn.Set(f.indexSub.Pack(tuple.Tuple{it.val, it.id}), nil)
		return nil
	}))
}

func (f *scrubFixture) indexHasEntry(t *testing.T, it item) bool {
	t.Helper()
	var val []byte
	require.NoError(t, f.store.View(context.Background(), func(txn kv.Txn) error {
		var err error
		val, err = txn.Get(f.indexSub.Pack(tuple.Tuple{it.val, it.id}))
		return err
	}))
	return val != nil
}

func (f *scrubFixture) newScrubber(t *testing.T, indexName string, cfg Config) *Scrubber {
	t.Helper()
	s, err := New(context.Background(), Scrubber{
		Store:         f.store,
		IndexName:     indexName,
		IndexType:     "value",
		States:        f.states,
		Config:        cfg,
		IndexSub:      f.indexSub,
		RecordSub:     f.recordSub,
		Access:        itemAccess{},
		Expr:          record.FieldExpr{Name: "val"},
		PKLen:         1,
		Phase1Tracker: rangeset.New(tuple.NewSubspace("S", "scrub", indexName, "phase1")),
		Phase2Tracker: rangeset.New(tuple.NewSubspace("S", "scrub", indexName, "phase2")),
	})
	require.NoError(t, err)
	return s
}

func TestScrubberHealthyIndexFindsNoIssues(t *testing.T) {
	f := newScrubFixture(t, "healthy")
	items := []item{{1, "a"}, {2, "b"}, {3, "c"}}
	for _, it := range items {
		f.putRecord(t, it)
		f.putIndexEntry(t, it)
	}

	s := f.newScrubber(t, "byhealthy", DefaultConfig("value"))
	res := s.ScrubIndex(context.Background())

	require.True(t, res.IsHealthy)
	require.True(t, res.CompletedSuccessfully)
	require.Equal(t, int64(0), res.Summary.Dangling.Detected)
	require.Equal(t, int64(0), res.Summary.Missing.Detected)
	require.Equal(t, int64(3), res.Summary.EntriesScanned)
	require.Equal(t, int64(3), res.Summary.RecordsScanned)
}

func TestScrubberDetectsDanglingEntryReportOnly(t *testing.T) {
	f := newScrubFixture(t, "dangling")
	orphan := item{1, "a"}
	f.putIndexEntry(t, orphan) // no matching record

	s := f.newScrubber(t, "bydangling", DefaultConfig("value"))
	res := s.ScrubIndex(context.Background())

	require.False(t, res.IsHealthy)
	require.True(t, res.CompletedSuccessfully)
	require.Equal(t, int64(1), res.Summary.Dangling.Detected)
	require.Equal(t, int64(0), res.Summary.Dangling.Repaired)
	require.True(t, f.indexHasEntry(t, orphan), "report-only run must not clear the entry")
}

func TestScrubberRepairsDanglingEntryWhenAllowed(t *testing.T) {
	f := newScrubFixture(t, "danglingrepair")
	orphan := item{1, "a"}
	f.putIndexEntry(t, orphan)

	s := f.newScrubber(t, "bydanglingrepair", AggressiveConfig("value"))
	res := s.ScrubIndex(context.Background())

	require.False(t, res.IsHealthy)
	require.Equal(t, int64(1), res.Summary.Dangling.Detected)
	require.Equal(t, int64(1), res.Summary.Dangling.Repaired)
	require.False(t, f.indexHasEntry(t, orphan), "aggressive run must clear the dangling entry")
}

func TestScrubberDetectsMissingEntryReportOnly(t *testing.T) {
	f := newScrubFixture(t, "missing")
	it := item{1, "a"}
	f.putRecord(t, it) // no index entry

	s := f.newScrubber(t, "bymissing", DefaultConfig("value"))
	res := s.ScrubIndex(context.Background())

	require.False(t, res.IsHealthy)
	require.Equal(t, int64(1), res.Summary.Missing.Detected)
	require.Equal(t, int64(0), res.Summary.Missing.Repaired)
	require.False(t, f.indexHasEntry(t, it))
}

func TestScrubberRepairsMissingEntryWhenAllowed(t *testing.T) {
	f := newScrubFixture(t, "missingrepair")
	it := item{1, "a"}
	f.putRecord(t, it)

	s := f.newScrubber(t, "bymissingrepair", AggressiveConfig("value"))
	res := s.ScrubIndex(context.Background())

	require.Equal(t, int64(1), res.Summary.Missing.Detected)
	require.Equal(t, int64(1), res.Summary.Missing.Repaired)
	require.True(t, f.indexHasEntry(t, it))
}

func TestScrubberRejectsUnsupportedIndexType(t *testing.T) {
	f := newScrubFixture(t, "unsupported")
	_, err := New(context.Background(), Scrubber{
		Store:     f.store,
		IndexName: "byunsupported",
		IndexType: "hnsw",
		States:    f.states,
		Config:    DefaultConfig("value"),
	})
	require.Error(t, err)
}

func TestScrubberRejectsNonReadableIndex(t *testing.T) {
	store := kvtest.New()
	states := indexstate.New(tuple.NewSubspace("S", "indexState2"))
	require.NoError(t, store.Update(context.Background(), func(txn kv.Txn) error {
		return states.Enable(txn, "bywriteonly")
	}))
	_, err := New(context.Background(), Scrubber{
		Store:     store,
		IndexName: "bywriteonly",
		IndexType: "value",
		States:    states,
		Config:    DefaultConfig("value"),
	})
	require.Error(t, err)
}

func TestScrubberRerunOnHealthyIndexSkipsAlreadyCoveredRanges(t *testing.T) {
	f := newScrubFixture(t, "rerun")
	items := []item{{1, "a"}, {2, "b"}}
	for _, it := range items {
		f.putRecord(t, it)
		f.putIndexEntry(t, it)
	}

	s := f.newScrubber(t, "byrerun", DefaultConfig("value"))
	first := s.ScrubIndex(context.Background())
	require.True(t, first.CompletedSuccessfully)
	require.Equal(t, int64(2), first.Summary.EntriesScanned)

	second := s.ScrubIndex(context.Background())
	require.True(t, second.CompletedSuccessfully)
	require.Equal(t, int64(0), second.Summary.EntriesScanned, "a fully tracked range must not be rescanned")
}

func TestConfigCeilingsRejected(t *testing.T) {
	f := newScrubFixture(t, "ceilings")
	cfg := DefaultConfig("value")
	cfg.MaxTransactionBytes = maxTransactionBytesCeiling + 1
	_, err := New(context.Background(), Scrubber{
		Store: f.store, IndexName: "byceilings", IndexType: "value", States: f.states, Config: cfg,
	})
	require.Error(t, err)
}

func TestRetryDelayDoubles(t *testing.T) {
	cfg := Config{RetryDelayMillis: 100}
	require.Equal(t, 100*time.Millisecond, cfg.retryDelay(1))
	require.Equal(t, 200*time.Millisecond, cfg.retryDelay(2))
	require.Equal(t, 400*time.Millisecond, cfg.retryDelay(3))
}
