// Package build implements the long-running backfill components of spec
// §4.9: OnlineIndexer drives any Maintainer through a resumable batch scan
// of a record range; HNSWIndexBuilder specializes that loop into the
// two-phase level-assignment/graph-construction sequence HNSW graphs need.
// Grounded on the teacher's migrations.Migrator (migrations/migrations.go)
// for the "read recorded progress, skip what's done, persist progress as
// you go" shape, generalized from a one-shot migration list to an
// indefinitely resumable range scan.
package build

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/indexstate"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/log"
	"github.com/turbodb/recordlayer/rangeset"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Status is a build session's coarse lifecycle state (spec §4.9's
// notStarted -> running(phase, progress) -> (completed | paused | failed)).
type Status int

const (
	NotStarted Status = iota
	Running
	Completed
	Paused
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "notStarted"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanResume reports whether a session in this status may call ResumeBuild.
func (s Status) CanResume() bool { return s == Paused || s == Failed }

// RangeCheckpoint is the durable-enough-to-describe state a paused or
// failed build session carries, per spec §4.9.
type RangeCheckpoint struct {
	LastCompletedKey []byte
	Phase            string
	ProcessedRecords int64
	Timestamp        time.Time
}

// Progress is a point-in-time snapshot of a build session.
type Progress struct {
	Status            Status
	RecordsScanned    int64
	BatchesProcessed  int64
	EstimatedFraction float64
	Checkpoint        *RangeCheckpoint
	Err               error
}

// OnlineIndexer backfills one index from scratch or resumes an
// interrupted backfill without blocking concurrent writers (spec §4.9).
type OnlineIndexer struct {
	Store kv.Store

	IndexName string
	States    indexstate.Manager

	// RangeTracker records which sub-ranges of RecordSub have already
	// been scanned, rooted under the index's own build-progress subspace.
	RangeTracker rangeset.RangeSet
	RecordSub    tuple.Subspace
	// IndexSub is cleared along with RangeTracker when clearFirst is set.
	IndexSub tuple.Subspace

	Access     record.RecordAccess
	Maintainer record.Maintainer

	// BatchSize bounds records processed per transaction.
	BatchSize int
	// MaxBatchBytes additionally bounds one batch by summed key+value
	// size, the same forward-progress rule as scrub.Config.
	// MaxTransactionBytes: at least one record is always processed
	// before a size-triggered stop. Zero disables the byte check,
	// leaving BatchSize as the only limit.
	MaxBatchBytes datasize.ByteSize
	// ThrottleDelay is slept between batches to bound writer contention.
	ThrottleDelay time.Duration
	// Concurrency bounds how many missing ranges are drained in parallel;
	// defaults to 1 (sequential) when <= 0.
	Concurrency int
	Now         func() time.Time

	mu               sync.Mutex
	status           Status
	recordsScanned   int64
	batchesProcessed int64
	checkpoint       *RangeCheckpoint
	lastErr          error
	cancel           context.CancelFunc
}

func (o *OnlineIndexer) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *OnlineIndexer) batchSize() int {
	if o.BatchSize <= 0 {
		return 1000
	}
	return o.BatchSize
}

func (o *OnlineIndexer) concurrency() int {
	if o.Concurrency <= 0 {
		return 1
	}
	return o.Concurrency
}

// BuildIndex runs the algorithm of spec §4.9 to completion: transition
// DISABLED->WRITE_ONLY, optionally clear prior progress, drain every
// missing range, then transition WRITE_ONLY->READABLE.
func (o *OnlineIndexer) BuildIndex(ctx context.Context, clearFirst bool) error {
	return o.run(ctx, clearFirst)
}

// ResumeBuild continues a session left in Paused or Failed status,
// reusing whatever RangeTracker progress already persisted.
func (o *OnlineIndexer) ResumeBuild(ctx context.Context) error {
	o.mu.Lock()
	cur := o.status
	o.mu.Unlock()
	if !cur.CanResume() {
		return errs.NewInvalidArgument("onlineindexer: index %q cannot resume from status %s", o.IndexName, cur)
	}
	return o.run(ctx, false)
}

// GetProgress snapshots the session's current counters. EstimatedFraction
// is RangeTracker's byte-span estimate while a build is under way, and 1
// once the session has completed.
func (o *OnlineIndexer) GetProgress(ctx context.Context) (Progress, error) {
	o.mu.Lock()
	p := Progress{
		Status:           o.status,
		RecordsScanned:   o.recordsScanned,
		BatchesProcessed: o.batchesProcessed,
		Checkpoint:       o.checkpoint,
		Err:              o.lastErr,
	}
	o.mu.Unlock()

	fullBegin, fullEnd := o.RecordSub.Range()
	err := o.Store.View(ctx, func(txn kv.Txn) error {
		frac, err := o.RangeTracker.Progress(txn, fullBegin, fullEnd)
		p.EstimatedFraction = frac
		return err
	})
	if err == nil && p.Status == Completed {
		// drainRange marks only up to just past the last record it scanned,
		// so the tracker's estimate stays below 1 after a finished build.
		p.EstimatedFraction = 1
	}
	return p, err
}

// Cancel stops the current run at its next batch boundary and clears
// RangeTracker, per spec §4.9's "cancellation clears RangeSet".
func (o *OnlineIndexer) Cancel(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := o.Store.Update(ctx, func(txn kv.Txn) error {
		return o.RangeTracker.Clear(txn)
	})
	o.mu.Lock()
	o.status = NotStarted
	o.mu.Unlock()
	return err
}

func (o *OnlineIndexer) run(ctx context.Context, clearFirst bool) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.status = Running
	o.cancel = cancel
	o.lastErr = nil
	o.mu.Unlock()
	defer cancel()

	if err := o.Store.Update(runCtx, func(txn kv.Txn) error {
		return o.States.Enable(txn, o.IndexName)
	}); err != nil {
		o.fail(err)
		return err
	}

	if clearFirst {
		if err := o.Store.Update(runCtx, func(txn kv.Txn) error {
			if err := o.RangeTracker.Clear(txn); err != nil {
				return err
			}
			begin, end := o.IndexSub.Range()
			txn.ClearRange(begin, end)
			return nil
		}); err != nil {
			o.fail(err)
			return err
		}
	}

	fullBegin, fullEnd := o.RecordSub.Range()
	var missing [][2][]byte
	if err := o.Store.View(runCtx, func(txn kv.Txn) error {
		m, err := o.RangeTracker.MissingRanges(txn, fullBegin, fullEnd)
		missing = m
		return err
	}); err != nil {
		o.fail(err)
		return err
	}

	sem := semaphore.NewWeighted(int64(o.concurrency()))
	g, gctx := errgroup.WithContext(runCtx)
	for _, r := range missing {
		r := r
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return o.drainRange(gctx, r[0], r[1])
		})
	}
	if err := g.Wait(); err != nil {
		if gctx.Err() != nil {
			o.mu.Lock()
			o.status = Paused
			o.mu.Unlock()
			return gctx.Err()
		}
		o.fail(err)
		return err
	}

	if err := o.Store.Update(runCtx, func(txn kv.Txn) error {
		return o.States.MakeReadable(txn, o.IndexName)
	}); err != nil {
		o.fail(err)
		return err
	}

	o.mu.Lock()
	o.status = Completed
	o.mu.Unlock()
	return nil
}

func (o *OnlineIndexer) fail(err error) {
	o.mu.Lock()
	o.status = Failed
	o.lastErr = err
	o.mu.Unlock()
	log.Error("online index build failed", "index", o.IndexName, "err", err)
}

// drainRange streams [begin, end) one batch at a time, each batch its own
// committed transaction, per spec §4.9 step 4.
func (o *OnlineIndexer) drainRange(ctx context.Context, begin, end []byte) error {
	cur := append([]byte(nil), begin...)
	for bytes.Compare(cur, end) < 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var lastKey []byte
		n := 0
		err := o.Store.Update(ctx, func(txn kv.Txn) error {
			lastKey, n = nil, 0
			snap := txn.Snapshot()
			it := snap.GetRangeSelectors(kv.FirstGreaterOrEqual(cur), kv.FirstGreaterThan(end), kv.RangeOptions{})
			limit := o.batchSize()
			var batchBytes datasize.ByteSize
			for n < limit && it.Advance() {
				kvpair, err := it.Get()
				if err != nil {
					return err
				}
				sz := datasize.ByteSize(len(kvpair.Key) + len(kvpair.Value))
				if n > 0 && o.MaxBatchBytes > 0 && batchBytes+sz > o.MaxBatchBytes {
					break
				}
				rec, err := o.Access.Deserialize(kvpair.Value)
				if err != nil {
					return err
				}
				pk, err := o.Access.PrimaryKey(rec)
				if err != nil {
					return err
				}
				if err := o.Maintainer.ScanRecord(rec, pk, o.Access, txn); err != nil {
					return err
				}
				lastKey = append([]byte(nil), kvpair.Key...)
				batchBytes += sz
				n++
			}
			if lastKey != nil {
				markEnd := append(append([]byte(nil), lastKey...), 0x00)
				return o.RangeTracker.InsertRange(txn, cur, markEnd)
			}
			return nil
		})
		if err != nil {
			if errs.IsRetryable(err) {
				log.Warn("retrying backfill batch", "index", o.IndexName, "err", err)
				continue
			}
			o.fail(err)
			return err
		}

		o.mu.Lock()
		o.recordsScanned += int64(n)
		o.batchesProcessed++
		if lastKey != nil {
			o.checkpoint = &RangeCheckpoint{
				LastCompletedKey: lastKey,
				Phase:            "backfill",
				ProcessedRecords: o.recordsScanned,
				Timestamp:        o.now(),
			}
		}
		o.mu.Unlock()

		if n == 0 {
			break
		}
		cur = append(append([]byte(nil), lastKey...), 0x00)

		if o.ThrottleDelay > 0 {
			select {
			case <-time.After(o.ThrottleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
