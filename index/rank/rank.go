// Package rank implements the RANK maintainer (spec §4.5): a range-tree of
// hierarchical count nodes over a grouping's score entries, giving O(log n)
// rank/count queries and O(rank) by-rank queries. Grounded on the range
// tree shape sketched in the HNSW reference file
// (other_examples/.../pkg-hnsw-incremental.go, which layers coarse-to-fine
// structures for approximate search) generalized here to an exact,
// KVS-resident count hierarchy, and on ethdb/bitmapdb's atomic-add-keyed
// sharding idiom for the count nodes themselves. Pending count-node deltas
// within one UpdateIndex/ScanRecord call are coalesced and flushed in key
// order through a github.com/petar/GoLLRB tree (pendingCounts below).
package rank

import (
	"bytes"

	"github.com/petar/GoLLRB/llrb"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Order selects whether lower (Asc) or higher (Desc) scores rank first
// ("better").
type Order int

const (
	Asc Order = iota
	Desc
)

const countMarker = "_count"
const maxLevel = 3

// Maintainer writes score entries and their level 1..3 count nodes.
// Expr's last column is the Int64 score; the rest is the grouping.
type Maintainer struct {
	Sub        tuple.Subspace
	Expr       record.Expression
	Order      Order
	BucketSize int64
}

func New(sub tuple.Subspace, expr record.Expression, order Order, bucketSize int64) *Maintainer {
	if bucketSize <= 0 {
		bucketSize = 100
	}
	return &Maintainer{Sub: sub, Expr: expr, Order: order, BucketSize: bucketSize}
}

func (m *Maintainer) UpdateIndex(old, new record.Record, access record.RecordAccess, txn kv.Txn) error {
	if old == nil && new == nil {
		return nil
	}
	pending := newPendingCounts()
	if old != nil {
		if err := m.mutate(old, access, txn, -1, pending); err != nil {
			return err
		}
	}
	if new != nil {
		if err := m.mutate(new, access, txn, +1, pending); err != nil {
			return err
		}
	}
	pending.flush(txn)
	return nil
}

func (m *Maintainer) ScanRecord(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn) error {
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	pending := newPendingCounts()
	for _, e := range entries {
		if err := m.writeOne(e, pk, txn, +1, pending); err != nil {
			return err
		}
	}
	pending.flush(txn)
	return nil
}

func (m *Maintainer) mutate(rec record.Record, access record.RecordAccess, txn kv.Txn, sign int64, pending *pendingCounts) error {
	pk, err := access.PrimaryKey(rec)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "rank maintainer: extract primary key")
	}
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.writeOne(e, pk, txn, sign, pending); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) writeOne(entry tuple.Tuple, pk tuple.Tuple, txn kv.Txn, sign int64, pending *pendingCounts) error {
	if len(entry) == 0 {
		return errs.NewInvalidArgument("rank index: expression produced no score column")
	}
	grouping, scoreEl := entry[:len(entry)-1], entry[len(entry)-1]
	score, err := asInt64(scoreEl)
	if err != nil {
		return err
	}
	scoreKey := m.Sub.Pack(grouping.Append(score).Append(pk...))
	if sign > 0 {
		txn.Set(scoreKey, nil)
	} else {
		txn.Clear(scoreKey)
	}
	for level := int64(1); level <= maxLevel; level++ {
		rangeStart := bucketStart(score, m.BucketSize, level)
		countKey := m.Sub.Pack(grouping.Append(countMarker, level, rangeStart))
		pending.add(countKey, sign)
	}
	return nil
}

// pendingCounts coalesces count-node deltas produced by one UpdateIndex or
// ScanRecord call into an ordered in-memory tree, so a record move that
// touches the same count node from both its old and new side nets to a
// single Add (or cancels out entirely) instead of two separate ones, and so
// the final flush writes count nodes in key order.
type pendingCounts struct {
	tree *llrb.LLRB
}

func newPendingCounts() *pendingCounts {
	return &pendingCounts{tree: llrb.New()}
}

type countDelta struct {
	key   []byte
	delta int64
}

func (d *countDelta) Less(than llrb.Item) bool {
	return bytes.Compare(d.key, than.(*countDelta).key) < 0
}

func (p *pendingCounts) add(key []byte, delta int64) {
	probe := &countDelta{key: key}
	if existing := p.tree.Get(probe); existing != nil {
		existing.(*countDelta).delta += delta
		return
	}
	p.tree.ReplaceOrInsert(&countDelta{key: append([]byte(nil), key...), delta: delta})
}

func (p *pendingCounts) flush(txn kv.Txn) {
	if p.tree.Len() == 0 {
		return
	}
	p.tree.AscendGreaterOrEqual(p.tree.Min(), func(i llrb.Item) bool {
		cd := i.(*countDelta)
		if cd.delta != 0 {
			txn.Add(cd.key, cd.delta)
		}
		return true
	})
}

func asInt64(v tuple.Element) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, errs.NewInvalidArgument("rank index: non-integer score %T", v)
	}
}

// bucketStart computes floor(score / b^level) * b^level using floor
// (not truncating) division so negative scores bucket consistently.
func bucketStart(score, b, level int64) int64 {
	step := pow(b, level)
	q := floorDiv(score, step)
	return q * step
}

func pow(b, n int64) int64 {
	r := int64(1)
	for i := int64(0); i < n; i++ {
		r *= b
	}
	return r
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// RankQuery is the read-side API over a grouping's rank structure (spec
// §6).
type RankQuery struct {
	Sub        tuple.Subspace
	Order      Order
	BucketSize int64
}

func NewQuery(sub tuple.Subspace, order Order, bucketSize int64) RankQuery {
	if bucketSize <= 0 {
		bucketSize = 100
	}
	return RankQuery{Sub: sub, Order: order, BucketSize: bucketSize}
}

// better reports whether a is strictly better than b under rq.Order.
func (rq RankQuery) better(a, b int64) bool {
	if rq.Order == Desc {
		return a > b
	}
	return a < b
}

// countNodeRange returns [begin,end) over grouping++countMarker++level
// count nodes whose rangeStart falls in [lo, hi).
func (rq RankQuery) countNodeRange(grouping tuple.Tuple, level, lo, hi int64) (begin, end []byte) {
	return rq.Sub.Pack(grouping.Append(countMarker, level, lo)), rq.Sub.Pack(grouping.Append(countMarker, level, hi))
}

func (rq RankQuery) sumCountNodes(txn kv.Txn, begin, end []byte) (int64, error) {
	it := txn.GetRange(begin, end, kv.RangeOptions{})
	var sum int64
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return 0, err
		}
		sum += decodeInt64(kvpair.Value)
	}
	return sum, nil
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}

// CountBetter returns the number of score entries in grouping strictly
// better than score, walking the count-node hierarchy top-down (spec
// §4.5).
func (rq RankQuery) CountBetter(txn kv.Txn, grouping tuple.Tuple, score int64) (int64, error) {
	var total int64
	lo, hi := int64(minInt64Bound), int64(maxInt64Bound)
	for level := int64(maxLevel); level >= 1; level-- {
		step := pow(rq.BucketSize, level)
		cur := bucketStart(score, rq.BucketSize, level)

		var betterLo, betterHi int64
		if rq.Order == Desc {
			// strictly-better buckets are those with rangeStart > cur,
			// bounded within the parent window [lo, hi).
			betterLo, betterHi = cur+step, hi
		} else {
			betterLo, betterHi = lo, cur
		}
		if betterLo < betterHi {
			begin, end := rq.countNodeRange(grouping, level, betterLo, betterHi)
			sum, err := rq.sumCountNodes(txn, begin, end)
			if err != nil {
				return 0, err
			}
			total += sum
		}
		lo, hi = cur, cur+step
	}

	// Final partial bucket of width BucketSize: scan actual score entries.
	begin := rq.Sub.Pack(grouping.Append(lo))
	end := rq.Sub.Pack(grouping.Append(hi))
	it := txn.GetRange(begin, end, kv.RangeOptions{})
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return 0, err
		}
		entry, err := rq.Sub.Unpack(kvpair.Key)
		if err != nil {
			return 0, err
		}
		s, err := asInt64(entry[len(grouping)])
		if err != nil {
			return 0, err
		}
		if rq.better(s, score) {
			total++
		}
	}
	return total, nil
}

// bounds wide enough to contain any practical score range without
// overflow when added to a bucket step.
const (
	minInt64Bound = -(int64(1) << 40)
	maxInt64Bound = int64(1) << 40
)

// GetRank returns the 1-based rank of (score, pk) within grouping:
// countBetter(score) + 1.
func (rq RankQuery) GetRank(txn kv.Txn, grouping tuple.Tuple, score int64, pk tuple.Tuple) (int64, error) {
	better, err := rq.CountBetter(txn, grouping, score)
	if err != nil {
		return 0, err
	}
	return better + 1, nil
}

// Count returns the total number of score entries in grouping, summed
// from level-1 count nodes (spec §4.5).
func (rq RankQuery) Count(txn kv.Txn, grouping tuple.Tuple) (int64, error) {
	begin, end := rq.countNodeRange(grouping, 1, minInt64Bound, maxInt64Bound)
	return rq.sumCountNodes(txn, begin, end)
}

// orderedIterate walks score entries under grouping in rank order
// (ascending rank: best first) regardless of rq.Order, by choosing scan
// direction.
func (rq RankQuery) orderedIterate(txn kv.Txn, grouping tuple.Tuple) kv.Iterator {
	begin, end := groupingScoreRange(rq.Sub, grouping)
	reverse := rq.Order == Desc
	return txn.GetRange(begin, end, kv.RangeOptions{Reverse: reverse})
}

// groupingScoreRange bounds the scan to the integer-typed score-entry
// region of grouping's subspace, excluding the "_count" marker keys
// (spec §3's count nodes) that share the same prefix: a string element
// sorts before every integer in tuple order, so a naive prefix-to-0xFF
// range would return count nodes first on an ascending scan.
func groupingScoreRange(sub tuple.Subspace, grouping tuple.Tuple) (begin, end []byte) {
	begin = sub.Pack(grouping.Append(minInt64Bound))
	end = sub.Pack(grouping.Append(maxInt64Bound))
	return begin, end
}

// ByRank returns the pk tuple at 1-based rank r within grouping, or
// ok=false if r is out of range (spec §8: rank = total+1 => None).
func (rq RankQuery) ByRank(txn kv.Txn, grouping tuple.Tuple, r int64) (pk tuple.Tuple, ok bool, err error) {
	if r <= 0 {
		return nil, false, errs.NewInvalidArgument("rank index: rank must be positive, got %d", r)
	}
	it := rq.orderedIterate(txn, grouping)
	var idx int64
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, false, err
		}
		idx++
		if idx == r {
			tup, err := rq.Sub.Unpack(kvpair.Key)
			if err != nil {
				return nil, false, err
			}
			return tup[len(grouping)+1:], true, nil
		}
	}
	return nil, false, nil
}

// ScoreAtRank returns the score stored at 1-based rank r.
func (rq RankQuery) ScoreAtRank(txn kv.Txn, grouping tuple.Tuple, r int64) (score int64, ok bool, err error) {
	if r <= 0 {
		return 0, false, errs.NewInvalidArgument("rank index: rank must be positive, got %d", r)
	}
	it := rq.orderedIterate(txn, grouping)
	var idx int64
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return 0, false, err
		}
		idx++
		if idx == r {
			tup, err := rq.Sub.Unpack(kvpair.Key)
			if err != nil {
				return 0, false, err
			}
			s, err := asInt64(tup[len(grouping)])
			if err != nil {
				return 0, false, err
			}
			return s, true, nil
		}
	}
	return 0, false, nil
}

// Range returns pk tuples at 1-based ranks [start, end).
func (rq RankQuery) Range(txn kv.Txn, grouping tuple.Tuple, start, end int64) ([]tuple.Tuple, error) {
	if start <= 0 || end < start {
		return nil, errs.NewInvalidArgument("rank index: invalid rank range [%d,%d)", start, end)
	}
	it := rq.orderedIterate(txn, grouping)
	var idx int64
	var out []tuple.Tuple
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, err
		}
		idx++
		if idx < start {
			continue
		}
		if idx >= end {
			break
		}
		tup, err := rq.Sub.Unpack(kvpair.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, tup[len(grouping)+1:])
	}
	return out, nil
}

// Top returns the pk tuples of the best n entries (ranks [1, n]).
func (rq RankQuery) Top(txn kv.Txn, grouping tuple.Tuple, n int64) ([]tuple.Tuple, error) {
	return rq.Range(txn, grouping, 1, n+1)
}

// ByScoreRange returns pk tuples whose score lies in [min, max], in rank
// order.
func (rq RankQuery) ByScoreRange(txn kv.Txn, grouping tuple.Tuple, min, max int64) ([]tuple.Tuple, error) {
	lowKey := rq.Sub.Pack(grouping.Append(min))
	highKey := rq.Sub.Pack(grouping.Append(max + 1))
	begin, end := lowKey, highKey
	if bytes.Compare(begin, end) > 0 {
		begin, end = end, begin
	}
	reverse := rq.Order == Desc
	it := txn.GetRange(begin, end, kv.RangeOptions{Reverse: reverse})
	var out []tuple.Tuple
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, err
		}
		tup, err := rq.Sub.Unpack(kvpair.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, tup[len(grouping)+1:])
	}
	return out, nil
}
