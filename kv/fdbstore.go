package kv

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"

	"github.com/turbodb/recordlayer/errs"
)

// FDBStore adapts an fdb.Database to the Store contract. It is the only
// file in package kv that imports the fdb package; outside kv, only
// package tuple imports fdb packages.
type FDBStore struct {
	db fdb.Database
}

// Open initializes the FDB client at the given API version and opens the
// database described by clusterFile ("" selects the default cluster file).
func Open(clusterFile string, apiVersion int) (*FDBStore, error) {
	fdb.MustAPIVersion(apiVersion)
	db, err := fdb.OpenDatabase(clusterFile)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open fdb cluster %q", clusterFile)
	}
	return &FDBStore{db: db}, nil
}

func (s *FDBStore) Close() error { return nil }

func (s *FDBStore) Update(ctx context.Context, fn func(Txn) error) error {
	_, err := s.db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return nil, fn(&fdbTxn{tr: tr})
	})
	return translateErr(err)
}

func (s *FDBStore) View(ctx context.Context, fn func(Txn) error) error {
	_, err := s.db.ReadTransact(func(tr fdb.ReadTransaction) (interface{}, error) {
		return nil, fn(&fdbReadTxn{tr: tr.Snapshot()})
	})
	return translateErr(err)
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if fdbErr, ok := err.(fdb.Error); ok {
		switch fdbErr.Code {
		case 1007: // transaction_too_old / timed out
			return errs.NewTransactionTimedOut("fdb: %v", err)
		case 2101: // transaction_too_large
			return errs.NewTransactionTooLarge("fdb: %v", err)
		case 1020, 1021, 1031: // not_committed, commit_unknown_result, transaction_cancelled
			return errs.NewRetryableTransient(err)
		}
	}
	return err
}

// fdbReadTxn wraps a snapshot ReadTransaction for View() callers; writes are
// not part of the contract surfaced to them, but Txn is a single interface
// so read-only callers simply never call the mutating methods.
type fdbReadTxn struct {
	tr fdb.ReadTransaction
}

func (t *fdbReadTxn) Get(key []byte) ([]byte, error) {
	v, err := t.tr.Get(fdb.Key(key)).Get()
	return v, translateErr(err)
}

func (t *fdbReadTxn) GetKey(sel KeySelector) ([]byte, error) {
	k, err := t.tr.GetKey(toFDBSelector(sel)).Get()
	return []byte(k), translateErr(err)
}

func (t *fdbReadTxn) GetRange(begin, end []byte, opts RangeOptions) Iterator {
	return t.GetRangeSelectors(FirstGreaterOrEqual(begin), FirstGreaterOrEqual(end), opts)
}

func (t *fdbReadTxn) GetRangeSelectors(begin, end KeySelector, opts RangeOptions) Iterator {
	rr := t.tr.GetRange(fdb.SelectorRange{Begin: toFDBSelector(begin), End: toFDBSelector(end)}, fdb.RangeOptions{
		Limit:   opts.Limit,
		Reverse: opts.Reverse,
	})
	return &fdbIterator{it: rr.Iterator()}
}

func (t *fdbReadTxn) Set(key, value []byte)               { panic("kv: Set on read-only transaction") }
func (t *fdbReadTxn) Clear(key []byte)                     { panic("kv: Clear on read-only transaction") }
func (t *fdbReadTxn) ClearRange(begin, end []byte)         { panic("kv: ClearRange on read-only transaction") }
func (t *fdbReadTxn) Add(key []byte, delta int64)          { panic("kv: Add on read-only transaction") }
func (t *fdbReadTxn) SetVersionstampedKey(key, value []byte) {
	panic("kv: SetVersionstampedKey on read-only transaction")
}
func (t *fdbReadTxn) Versionstamp() func() ([]byte, error) {
	panic("kv: Versionstamp on read-only transaction")
}
func (t *fdbReadTxn) SetTimeout(d time.Duration)   {}
func (t *fdbReadTxn) SetReadYourWritesDisable()    {}
func (t *fdbReadTxn) Snapshot() Txn                { return t }

type fdbTxn struct {
	tr fdb.Transaction
}

func (t *fdbTxn) Get(key []byte) ([]byte, error) {
	v, err := t.tr.Get(fdb.Key(key)).Get()
	return v, translateErr(err)
}

func (t *fdbTxn) GetKey(sel KeySelector) ([]byte, error) {
	k, err := t.tr.GetKey(toFDBSelector(sel)).Get()
	return []byte(k), translateErr(err)
}

func (t *fdbTxn) GetRange(begin, end []byte, opts RangeOptions) Iterator {
	return t.GetRangeSelectors(FirstGreaterOrEqual(begin), FirstGreaterOrEqual(end), opts)
}

func (t *fdbTxn) GetRangeSelectors(begin, end KeySelector, opts RangeOptions) Iterator {
	rr := t.tr.GetRange(fdb.SelectorRange{Begin: toFDBSelector(begin), End: toFDBSelector(end)}, fdb.RangeOptions{
		Limit:   opts.Limit,
		Reverse: opts.Reverse,
	})
	return &fdbIterator{it: rr.Iterator()}
}

func (t *fdbTxn) Set(key, value []byte) { t.tr.Set(fdb.Key(key), value) }
func (t *fdbTxn) Clear(key []byte)      { t.tr.Clear(fdb.Key(key)) }
func (t *fdbTxn) ClearRange(begin, end []byte) {
	t.tr.ClearRange(fdb.KeyRange{Begin: fdb.Key(begin), End: fdb.Key(end)})
}

func (t *fdbTxn) Add(key []byte, delta int64) {
	param := make([]byte, 8)
	binary.LittleEndian.PutUint64(param, uint64(delta))
	t.tr.Add(fdb.Key(key), param)
}

func (t *fdbTxn) SetVersionstampedKey(key, value []byte) {
	t.tr.SetVersionstampedKey(fdb.Key(key), value)
}

func (t *fdbTxn) Versionstamp() func() ([]byte, error) {
	fut := t.tr.GetVersionstamp()
	return func() ([]byte, error) {
		v, err := fut.Get()
		return v, translateErr(err)
	}
}

func (t *fdbTxn) SetTimeout(d time.Duration) {
	t.tr.Options().SetTimeout(int64(d / time.Millisecond))
}

func (t *fdbTxn) SetReadYourWritesDisable() {
	t.tr.Options().SetReadYourWritesDisable()
}

func (t *fdbTxn) Snapshot() Txn {
	return &fdbReadTxn{tr: t.tr.Snapshot()}
}

type fdbIterator struct {
	it *fdb.RangeIterator
}

func (i *fdbIterator) Advance() bool { return i.it.Advance() }

func (i *fdbIterator) Get() (KeyValue, error) {
	kv, err := i.it.Get()
	if err != nil {
		return KeyValue{}, translateErr(err)
	}
	return KeyValue{Key: kv.Key, Value: kv.Value}, nil
}

func toFDBSelector(s KeySelector) fdb.KeySelector {
	switch {
	case s.direction > 0 && s.orEqual:
		return fdb.FirstGreaterOrEqual(fdb.Key(s.key)).WithOffset(s.Offset())
	case s.direction > 0 && !s.orEqual:
		return fdb.FirstGreaterThan(fdb.Key(s.key)).WithOffset(s.Offset())
	case s.direction < 0 && !s.orEqual:
		return fdb.LastLessThan(fdb.Key(s.key)).WithOffset(s.Offset())
	default:
		return fdb.LastLessOrEqual(fdb.Key(s.key)).WithOffset(s.Offset())
	}
}
