package scrub

import (
	"bytes"
	"context"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/indexstate"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/log"
	"github.com/turbodb/recordlayer/rangeset"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Scrubber checks one index's entries for dangling and missing entries
// (spec §4.10) and optionally repairs what it finds. A Scrubber is built
// with New, which validates the index's type and state, then run with
// ScrubIndex as many times as desired; progress is persisted in
// Phase1Tracker/Phase2Tracker so an interrupted run resumes where it left
// off on the next call.
type Scrubber struct {
	Store     kv.Store
	IndexName string
	IndexType string
	States    indexstate.Manager
	Config    Config

	IndexSub  tuple.Subspace
	RecordSub tuple.Subspace
	Access    record.RecordAccess
	Expr      record.Expression
	// PKLen is the number of trailing tuple elements of an index key that
	// make up the record's primary key, per spec §4.3's index key layout
	// (indexed value columns followed by the primary key).
	PKLen int

	// Phase1Tracker and Phase2Tracker are rooted under independent
	// subspaces so a resumed run never mixes phase 1's index-side
	// progress with phase 2's record-side progress.
	Phase1Tracker rangeset.RangeSet
	Phase2Tracker rangeset.RangeSet

	Metrics *Metrics

	// Now stands in for time.Now in tests; defaults to time.Now.
	Now func() time.Time
}

// New validates s against spec §4.10's creation rules -- the index's type
// must be in s.Config.SupportedTypes and the index must currently be
// READABLE -- and fills in a Metrics registry if none was supplied.
func New(ctx context.Context, s Scrubber) (*Scrubber, error) {
	supported := false
	for _, t := range s.Config.SupportedTypes {
		if t == s.IndexType {
			supported = true
			break
		}
	}
	if !supported {
		return nil, errs.NewInvalidArgument("scrub: index type %q is not in the supported types %v", s.IndexType, s.Config.SupportedTypes)
	}
	if err := s.States.RequireReadable(ctx, s.Store, s.IndexName); err != nil {
		return nil, err
	}
	if s.Config.MaxTransactionBytes > maxTransactionBytesCeiling {
		return nil, errs.NewInvalidArgument("scrub: maxTransactionBytes %s exceeds the %s ceiling", s.Config.MaxTransactionBytes, maxTransactionBytesCeiling)
	}
	if s.Config.TransactionTimeoutMillis > maxTransactionTimeoutMsCeiling {
		return nil, errs.NewInvalidArgument("scrub: transactionTimeoutMillis %d exceeds the %d ms ceiling", s.Config.TransactionTimeoutMillis, maxTransactionTimeoutMsCeiling)
	}
	if err := validateScrubExpr(s.Expr); err != nil {
		return nil, err
	}
	if s.Metrics == nil {
		s.Metrics = NewMetrics(s.IndexName)
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	out := s
	return &out, nil
}

func (s *Scrubber) now() time.Time { return s.Now() }

// validateScrubExpr rejects expression variants a missing-entry scan
// cannot recompute a stable expected key set from. record.Evaluate itself
// also accepts LiteralExpr/EmptyExpr for index types that legitimately pin
// constant columns, but spec §4.10.1 limits the scrubber's expected-key
// evaluation to field/concatenate.
func validateScrubExpr(expr record.Expression) error {
	switch e := expr.(type) {
	case record.FieldExpr:
		return nil
	case record.ConcatenateExpr:
		for _, child := range e.Children {
			if err := validateScrubExpr(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return errs.NewInvalidArgument("scrub: expression variant %T is not supported; only field and concatenate expressions may be used", expr)
	}
}

// IssueCounts tallies how many of one issue type were found and how many
// were repaired in the same run.
type IssueCounts struct {
	Detected int64
	Repaired int64
}

// Summary is the quantitative half of a Result.
type Summary struct {
	TimeElapsed    time.Duration
	EntriesScanned int64
	RecordsScanned int64
	Dangling       IssueCounts
	Missing        IssueCounts
}

// Result is always returned by ScrubIndex, never replaced by a thrown
// error: a phase that cannot make progress still yields a partial Result
// with CompletedSuccessfully=false and Err set, per spec §4.10.
type Result struct {
	IsHealthy             bool
	CompletedSuccessfully bool
	Summary               Summary
	TerminationReason     string
	Err                   error
}

// ScrubIndex runs phase 1 (dangling entries) followed by phase 2 (missing
// entries), accumulating into a Result. A phase 1 failure skips phase 2
// entirely, since a dangling-entry scan that could not complete gives no
// useful basis for trusting the record scan that follows it.
func (s *Scrubber) ScrubIndex(ctx context.Context) Result {
	start := s.now()
	res := Result{IsHealthy: true, CompletedSuccessfully: true}

	begin1, end1 := s.IndexSub.Range()
	stats1, err := s.runPhase(ctx, "dangling", s.Phase1Tracker, begin1, end1, phase1SizeOf, s.processPhase1Entry)
	res.Summary.EntriesScanned = stats1.scanned
	res.Summary.Dangling = IssueCounts{Detected: stats1.detected, Repaired: stats1.repaired}
	if stats1.detected > 0 {
		res.IsHealthy = false
	}
	if err != nil {
		res.CompletedSuccessfully = false
		res.TerminationReason = "phase1 terminated: " + err.Error()
		res.Err = err
		res.Summary.TimeElapsed = s.now().Sub(start)
		return res
	}

	begin2, end2 := s.RecordSub.Range()
	stats2, err := s.runPhase(ctx, "missing", s.Phase2Tracker, begin2, end2, phase2SizeOf, s.processPhase2Entry)
	res.Summary.RecordsScanned = stats2.scanned
	res.Summary.Missing = IssueCounts{Detected: stats2.detected, Repaired: stats2.repaired}
	if stats2.detected > 0 {
		res.IsHealthy = false
	}
	if err != nil {
		res.CompletedSuccessfully = false
		res.TerminationReason = "phase2 terminated: " + err.Error()
		res.Err = err
	}
	res.Summary.TimeElapsed = s.now().Sub(start)
	return res
}

type batchStats struct {
	scanned  int64
	detected int64
	repaired int64
}

// runPhase drives one phase's batches to completion over every range the
// phase's tracker hasn't already marked done, in the resumable style of
// build.OnlineIndexer.drainRange: each missing sub-range is walked batch by
// batch until it's exhausted, persisting progress as it goes.
func (s *Scrubber) runPhase(
	ctx context.Context,
	phase string,
	tracker rangeset.RangeSet,
	fullBegin, fullEnd []byte,
	sizeOf func(kv.KeyValue) datasize.ByteSize,
	processOne func(kv.Txn, kv.KeyValue) (int, int, error),
) (batchStats, error) {
	var totals batchStats
	var missing [][2][]byte
	if err := s.Store.View(ctx, func(txn kv.Txn) error {
		m, err := tracker.MissingRanges(txn, fullBegin, fullEnd)
		missing = m
		return err
	}); err != nil {
		return totals, err
	}

	for _, r := range missing {
		cur := append([]byte(nil), r[0]...)
		end := r[1]
		for bytes.Compare(cur, end) < 0 {
			select {
			case <-ctx.Done():
				return totals, ctx.Err()
			default:
			}

			next, stats, err := s.runOneBatchWithRetry(ctx, phase, tracker, fullBegin, fullEnd, cur, end, sizeOf, processOne)
			if err != nil {
				return totals, err
			}
			totals.scanned += stats.scanned
			totals.detected += stats.detected
			totals.repaired += stats.repaired
			if next == nil {
				break
			}
			cur = next
		}
	}
	return totals, nil
}

// oneBatchResult is the outcome of a single batch transaction attempt.
type oneBatchResult struct {
	processed    int
	detected     int
	repaired     int
	next         []byte // resume cursor, set whenever the batch committed
	oversizedKey []byte // set instead of next when a single entry alone exceeds the byte budget
	fraction     float64
}

// attemptBatch runs one batch transaction over [cur, end): it processes
// entries until either the byte budget, the entry-count limit, or the
// range end is reached, per spec §4.10.2's forward-progress rule (at least
// one entry is always processed before a size-triggered stop, except for
// the single-oversized-key case which the caller handles separately).
func (s *Scrubber) attemptBatch(
	ctx context.Context,
	tracker rangeset.RangeSet,
	fullBegin, fullEnd, cur, end []byte,
	sizeOf func(kv.KeyValue) datasize.ByteSize,
	processOne func(kv.Txn, kv.KeyValue) (int, int, error),
) (oneBatchResult, error) {
	var result oneBatchResult
	err := s.Store.Update(ctx, func(txn kv.Txn) error {
		result = oneBatchResult{}
		txn.SetTimeout(s.Config.timeout())
		if !s.Config.ReadYourWrites {
			txn.SetReadYourWritesDisable()
		}

		it := txn.GetRange(cur, end, kv.RangeOptions{})
		var scannedBytes datasize.ByteSize
		var procErr error
	loop:
		for it.Advance() {
			kvpair, gerr := it.Get()
			if gerr != nil {
				procErr = gerr
				break loop
			}
			sz := sizeOf(kvpair)
			if result.processed > 0 && scannedBytes+sz > s.Config.MaxTransactionBytes {
				result.next = append([]byte(nil), kvpair.Key...)
				break loop
			}
			if result.processed == 0 && sz > s.Config.MaxTransactionBytes {
				result.oversizedKey = append([]byte(nil), kvpair.Key...)
				break loop
			}
			det, rep, perr := processOne(txn, kvpair)
			if perr != nil {
				procErr = perr
				break loop
			}
			result.detected += det
			result.repaired += rep
			scannedBytes += sz
			result.processed++
			if result.processed >= s.Config.EntriesScanLimit {
				result.next = append(append([]byte(nil), kvpair.Key...), 0x00)
				break loop
			}
		}
		if procErr != nil {
			return procErr
		}
		if result.oversizedKey != nil {
			return nil
		}
		if result.next == nil {
			result.next = append([]byte(nil), end...)
		}
		if result.processed > 0 {
			if err := tracker.InsertRange(txn, cur, result.next); err != nil {
				return err
			}
		}
		frac, err := tracker.Progress(txn, fullBegin, fullEnd)
		if err != nil {
			return err
		}
		result.fraction = frac
		return nil
	})
	return result, err
}

// runOneBatchWithRetry wraps attemptBatch with spec §4.10.2's retry and
// oversized-key skip handling, and emits metrics only after a successful
// commit.
func (s *Scrubber) runOneBatchWithRetry(
	ctx context.Context,
	phase string,
	tracker rangeset.RangeSet,
	fullBegin, fullEnd, cur, end []byte,
	sizeOf func(kv.KeyValue) datasize.ByteSize,
	processOne func(kv.Txn, kv.KeyValue) (int, int, error),
) ([]byte, batchStats, error) {
	var stats batchStats
	attempt := 0
	for {
		attempt++
		batchStart := s.now()
		result, err := s.attemptBatch(ctx, tracker, fullBegin, fullEnd, cur, end, sizeOf, processOne)
		if err != nil {
			if errs.IsRetryable(err) && attempt <= s.Config.MaxRetries {
				log.Warn("scrub batch retrying", "index", s.IndexName, "phase", phase, "attempt", attempt, "err", err)
				select {
				case <-time.After(s.Config.retryDelay(attempt)):
					continue
				case <-ctx.Done():
					return nil, stats, ctx.Err()
				}
			}
			if errs.IsRetryable(err) {
				return nil, stats, errs.NewScrubberRetryExhausted(phase, "batch", [2][]byte{cur, end}, attempt-1, err, "increase MaxRetries or investigate persistent KVS errors")
			}
			return nil, stats, err
		}

		stats.scanned = int64(result.processed)
		stats.detected = int64(result.detected)
		stats.repaired = int64(result.repaired)
		s.Metrics.BatchDuration.Observe(s.now().Sub(batchStart).Seconds())
		s.Metrics.BatchSize.Observe(float64(result.processed))
		s.Metrics.EntriesScanned.Add(float64(result.processed))
		if result.detected > 0 {
			s.Metrics.Issues.WithLabelValues(phase).Add(float64(result.detected))
		}
		if s.Config.LogProgress && result.oversizedKey == nil {
			s.Metrics.ProgressRatio.Set(result.fraction)
		}

		if result.oversizedKey != nil {
			if err := s.skipOversizedKey(ctx, tracker, result.oversizedKey); err != nil {
				return nil, stats, err
			}
			return append(append([]byte(nil), result.oversizedKey...), 0x00), stats, nil
		}

		return result.next, stats, nil
	}
}

// skipOversizedKey marks a single key whose own size already exceeds the
// transaction byte budget as complete, in a dedicated commit separate from
// any processing transaction, per spec §4.10.2 step 3.
func (s *Scrubber) skipOversizedKey(ctx context.Context, tracker rangeset.RangeSet, key []byte) error {
	markEnd := append(append([]byte(nil), key...), 0x00)
	attempt := 0
	for {
		attempt++
		err := s.Store.Update(ctx, func(txn kv.Txn) error {
			return tracker.InsertRange(txn, key, markEnd)
		})
		if err == nil {
			s.Metrics.Skipped.WithLabelValues("oversized_key").Inc()
			return nil
		}
		if errs.IsRetryable(err) && attempt <= s.Config.MaxRetries {
			select {
			case <-time.After(s.Config.retryDelay(attempt)):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errs.IsRetryable(err) {
			return errs.NewScrubberSkipFailed(key, err.Error(), attempt-1)
		}
		return err
	}
}

func phase1SizeOf(kvpair kv.KeyValue) datasize.ByteSize {
	return datasize.ByteSize(len(kvpair.Key))
}

func phase2SizeOf(kvpair kv.KeyValue) datasize.ByteSize {
	return datasize.ByteSize(len(kvpair.Key) + len(kvpair.Value))
}

// processPhase1Entry checks one index entry's record for existence, per
// spec §4.10.1's dangling-entry rule.
func (s *Scrubber) processPhase1Entry(txn kv.Txn, kvpair kv.KeyValue) (detected, repaired int, err error) {
	full, err := s.IndexSub.Unpack(kvpair.Key)
	if err != nil {
		return 0, 0, err
	}
	if len(full) < s.PKLen {
		return 0, 0, errs.NewInvalidKey("scrub: index key %x is shorter than the primary key length %d", kvpair.Key, s.PKLen)
	}
	pk := full[len(full)-s.PKLen:]
	val, err := txn.Get(s.RecordSub.Pack(pk))
	if err != nil {
		return 0, 0, err
	}
	if val != nil {
		return 0, 0, nil
	}
	if s.Config.AllowRepair {
		txn.Clear(kvpair.Key)
		return 1, 1, nil
	}
	return 1, 0, nil
}

// processPhase2Entry computes the index entries one record should have
// produced and checks each for presence, per spec §4.10.1's missing-entry
// rule.
func (s *Scrubber) processPhase2Entry(txn kv.Txn, kvpair kv.KeyValue) (detected, repaired int, err error) {
	rec, err := s.Access.Deserialize(kvpair.Value)
	if err != nil {
		return 0, 0, err
	}
	pk, err := s.Access.PrimaryKey(rec)
	if err != nil {
		return 0, 0, err
	}
	entries, err := s.Access.Evaluate(rec, s.Expr)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		key := s.IndexSub.Pack(entry.Append(pk...))
		// index entries carry an empty value by convention (index/value's
		// set/clear shape), so presence must be tested with a key
		// selector rather than Get, which cannot tell "absent" from
		// "present with a nil value" apart.
		found, gerr := txn.GetKey(kv.FirstGreaterOrEqual(key))
		if gerr != nil {
			return detected, repaired, gerr
		}
		if bytes.Equal(found, key) {
			continue
		}
		detected++
		if s.Config.AllowRepair {
			txn.Set(key, nil)
			repaired++
		}
	}
	return detected, repaired, nil
}
