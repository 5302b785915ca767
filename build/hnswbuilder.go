package build

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/index/hnsw"
	"github.com/turbodb/recordlayer/indexstate"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/log"
	"github.com/turbodb/recordlayer/rangeset"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// BuildStatistics summarizes a completed HNSW build (spec §6).
type BuildStatistics struct {
	RecordsProcessed int64
	LevelsBuilt      int
	Elapsed          time.Duration
}

// HNSWBuildOptions configures one HNSWIndexBuilder.Build call.
type HNSWBuildOptions struct {
	// PhaseABatchSize bounds records per Phase A transaction; level
	// assignment is cheap (~10 ops/record) so this can be large.
	PhaseABatchSize int
	// PhaseBBatchSize bounds records per Phase B transaction; each
	// record's InsertAtLevel call costs up to ~3 000 ops, so this should
	// stay small enough to fit the transaction budget.
	PhaseBBatchSize int
	ThrottleDelay   time.Duration
}

type hnswPhase int

const (
	phaseLevelAssignment hnswPhase = iota
	phaseGraphConstruction
)

// HNSWIndexBuilder wraps OnlineIndexer's batch-transaction discipline
// around HNSW's two-phase build (spec §4.9): Phase A assigns every
// record's graph level; Phase B wires each level's edges from the
// graph's maximum level down to 0, relying on hnsw.Maintainer's
// AssignLevel/InsertAtLevel hooks instead of its single-transaction
// Insert path.
type HNSWIndexBuilder struct {
	Store kv.Store

	IndexName string
	States    indexstate.Manager

	// PhaseATracker tracks Phase A's progress through RecordSub.
	PhaseATracker rangeset.RangeSet
	RecordSub     tuple.Subspace

	Access     record.RecordAccess
	Maintainer *hnsw.Maintainer

	// PhaseBTracker returns the RangeSet that Phase B records its progress
	// through the node-metadata range into, rooted distinctly per level.
	// Phase B only writes to it and never reads it back, so a resumed
	// build walks every level of Phase B from the start.
	PhaseBTracker func(level int) rangeset.RangeSet

	Now func() time.Time

	// ProgressFn, if set, is invoked as graphConstruction(level,
	// totalLevels) after each Phase B level finishes (spec §4.9).
	ProgressFn func(level, totalLevels int)

	mu          sync.Mutex
	status      Status
	phase       hnswPhase
	level       int
	totalLevels int
	processed   int64
	lastErr     error
	cancel      context.CancelFunc
}

func (b *HNSWIndexBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build runs Phase A then Phase B to completion, transitioning the index
// DISABLED->WRITE_ONLY->READABLE around them (spec §4.9).
func (b *HNSWIndexBuilder) Build(ctx context.Context, opts HNSWBuildOptions) (BuildStatistics, error) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.status = Running
	b.phase = phaseLevelAssignment
	b.cancel = cancel
	b.processed = 0
	b.totalLevels = 0
	b.lastErr = nil
	b.mu.Unlock()
	defer cancel()

	start := b.now()

	if err := b.Store.Update(runCtx, func(txn kv.Txn) error {
		return b.States.Enable(txn, b.IndexName)
	}); err != nil {
		b.fail(err)
		return BuildStatistics{}, err
	}

	phaseABatch := opts.PhaseABatchSize
	if phaseABatch <= 0 {
		phaseABatch = 5000
	}
	phaseBBatch := opts.PhaseBBatchSize
	if phaseBBatch <= 0 {
		phaseBBatch = 3
	}

	fullBegin, fullEnd := b.RecordSub.Range()
	var missing [][2][]byte
	if err := b.Store.View(runCtx, func(txn kv.Txn) error {
		m, err := b.PhaseATracker.MissingRanges(txn, fullBegin, fullEnd)
		missing = m
		return err
	}); err != nil {
		b.fail(err)
		return BuildStatistics{}, err
	}

	for _, r := range missing {
		if err := b.drainPhaseA(runCtx, r[0], r[1], phaseABatch); err != nil {
			b.failOrPause(err)
			return BuildStatistics{}, err
		}
		if paused, err := b.throttle(runCtx, opts.ThrottleDelay); paused {
			return BuildStatistics{}, err
		}
	}

	var maxLevel int
	if err := b.Store.View(runCtx, func(txn kv.Txn) error {
		ml, err := b.Maintainer.CurrentMaxLevel(txn)
		maxLevel = ml
		return err
	}); err != nil {
		b.fail(err)
		return BuildStatistics{}, err
	}

	b.mu.Lock()
	b.phase = phaseGraphConstruction
	b.totalLevels = maxLevel + 1
	recordsProcessed := b.processed
	b.mu.Unlock()

	nodeBegin, nodeEnd := b.Maintainer.NodesRange()
	for level := maxLevel; level >= 0; level-- {
		select {
		case <-runCtx.Done():
			b.mu.Lock()
			b.status = Paused
			b.mu.Unlock()
			return BuildStatistics{}, runCtx.Err()
		default:
		}
		if err := b.drainPhaseB(runCtx, level, nodeBegin, nodeEnd, phaseBBatch); err != nil {
			b.failOrPause(err)
			return BuildStatistics{}, err
		}
		b.mu.Lock()
		b.level = level
		b.mu.Unlock()
		if b.ProgressFn != nil {
			b.ProgressFn(level, maxLevel+1)
		}
		if paused, err := b.throttle(runCtx, opts.ThrottleDelay); paused {
			return BuildStatistics{}, err
		}
	}

	if err := b.Store.Update(runCtx, func(txn kv.Txn) error {
		return b.States.MakeReadable(txn, b.IndexName)
	}); err != nil {
		b.fail(err)
		return BuildStatistics{}, err
	}

	b.mu.Lock()
	b.status = Completed
	stats := BuildStatistics{RecordsProcessed: recordsProcessed, LevelsBuilt: maxLevel + 1, Elapsed: b.now().Sub(start)}
	b.mu.Unlock()
	return stats, nil
}

func (b *HNSWIndexBuilder) throttle(ctx context.Context, d time.Duration) (paused bool, err error) {
	if d <= 0 {
		return false, nil
	}
	select {
	case <-time.After(d):
		return false, nil
	case <-ctx.Done():
		b.mu.Lock()
		b.status = Paused
		b.mu.Unlock()
		return true, ctx.Err()
	}
}

// Resume continues a previously paused or failed build by running Build
// with the same options. Phase A skips the ranges PhaseATracker already
// holds; Phase B reprocesses every level from the start. checkpoint is
// accepted for spec §6 interface parity but its fields are not read.
func (b *HNSWIndexBuilder) Resume(ctx context.Context, checkpoint RangeCheckpoint, opts HNSWBuildOptions) (BuildStatistics, error) {
	b.mu.Lock()
	cur := b.status
	b.mu.Unlock()
	if !cur.CanResume() {
		return BuildStatistics{}, errs.NewInvalidArgument("hnswbuilder: index %q cannot resume from status %s", b.IndexName, cur)
	}
	return b.Build(ctx, opts)
}

// Cancel stops the build at its next checkpoint.
func (b *HNSWIndexBuilder) Cancel(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.mu.Lock()
	b.status = NotStarted
	b.mu.Unlock()
	return nil
}

// GetState snapshots the builder's current phase/progress.
func (b *HNSWIndexBuilder) GetState() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	phaseName := "levelAssignment"
	if b.phase == phaseGraphConstruction {
		phaseName = "graphConstruction"
	}
	return Progress{
		Status:         b.status,
		RecordsScanned: b.processed,
		Checkpoint: &RangeCheckpoint{
			Phase:            phaseName,
			ProcessedRecords: b.processed,
			Timestamp:        b.now(),
		},
		Err: b.lastErr,
	}
}

func (b *HNSWIndexBuilder) fail(err error) {
	b.mu.Lock()
	b.status = Failed
	b.lastErr = err
	b.mu.Unlock()
	log.Error("hnsw index build failed", "index", b.IndexName, "err", err)
}

func (b *HNSWIndexBuilder) failOrPause(err error) {
	if err == context.Canceled || err == context.DeadlineExceeded {
		b.mu.Lock()
		b.status = Paused
		b.mu.Unlock()
		return
	}
	b.fail(err)
}

// drainPhaseA streams [begin, end) of RecordSub, calling AssignLevel per
// record (spec §4.9 Phase A).
func (b *HNSWIndexBuilder) drainPhaseA(ctx context.Context, begin, end []byte, batchSize int) error {
	cur := append([]byte(nil), begin...)
	for bytes.Compare(cur, end) < 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var lastKey []byte
		n := 0
		err := b.Store.Update(ctx, func(txn kv.Txn) error {
			lastKey, n = nil, 0
			snap := txn.Snapshot()
			it := snap.GetRangeSelectors(kv.FirstGreaterOrEqual(cur), kv.FirstGreaterThan(end), kv.RangeOptions{})
			for n < batchSize && it.Advance() {
				kvpair, err := it.Get()
				if err != nil {
					return err
				}
				rec, err := b.Access.Deserialize(kvpair.Value)
				if err != nil {
					return err
				}
				pk, err := b.Access.PrimaryKey(rec)
				if err != nil {
					return err
				}
				vec, err := b.Maintainer.VectorOf(b.Access, rec)
				if err != nil {
					return err
				}
				if vec != nil {
					if _, err := b.Maintainer.AssignLevel(txn, pk, vec); err != nil {
						return err
					}
				}
				lastKey = append([]byte(nil), kvpair.Key...)
				n++
			}
			if lastKey != nil {
				markEnd := append(append([]byte(nil), lastKey...), 0x00)
				return b.PhaseATracker.InsertRange(txn, cur, markEnd)
			}
			return nil
		})
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.processed += int64(n)
		b.mu.Unlock()

		if n == 0 {
			break
		}
		cur = append(append([]byte(nil), lastKey...), 0x00)
	}
	return nil
}

// drainPhaseB streams the node-metadata range at one level, calling
// InsertAtLevel for every node whose assigned level is >= level (spec
// §4.9 Phase B).
func (b *HNSWIndexBuilder) drainPhaseB(ctx context.Context, level int, begin, end []byte, batchSize int) error {
	tracker := b.PhaseBTracker(level)
	cur := append([]byte(nil), begin...)
	for bytes.Compare(cur, end) < 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var lastKey []byte
		n := 0
		err := b.Store.Update(ctx, func(txn kv.Txn) error {
			lastKey, n = nil, 0
			snap := txn.Snapshot()
			it := snap.GetRangeSelectors(kv.FirstGreaterOrEqual(cur), kv.FirstGreaterThan(end), kv.RangeOptions{})
			for n < batchSize && it.Advance() {
				kvpair, err := it.Get()
				if err != nil {
					return err
				}
				pk, err := b.Maintainer.DecodeNodeKey(kvpair.Key)
				if err != nil {
					return err
				}
				nodeLevel, ok, err := b.Maintainer.NodeLevel(txn, pk)
				if err != nil {
					return err
				}
				if ok && nodeLevel >= level {
					vec, err := b.Maintainer.Vector(txn, pk)
					if err != nil {
						return err
					}
					if vec != nil {
						if err := b.Maintainer.InsertAtLevel(txn, pk, vec, level); err != nil {
							return err
						}
					}
				}
				lastKey = append([]byte(nil), kvpair.Key...)
				n++
			}
			if lastKey != nil {
				markEnd := append(append([]byte(nil), lastKey...), 0x00)
				return tracker.InsertRange(txn, cur, markEnd)
			}
			return nil
		})
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.processed += int64(n)
		b.mu.Unlock()

		if n == 0 {
			break
		}
		cur = append(append([]byte(nil), lastKey...), 0x00)
	}
	return nil
}
