// Package rangeset implements a persistent set of completed half-open byte
// ranges under one tuple.Subspace, and the complementary "missing ranges"
// query the online builder and scrubber use to resume interrupted work
// (spec §3, §4.9, §6). Each entry is stored as rangeStart -> rangeEnd;
// insert_range coalesces with any adjacent or overlapping neighbor the way
// the teacher's bitmapdb shard merge coalesces adjacent shards on write,
// so the persisted set never accumulates redundant fragments.
package rangeset

import (
	"bytes"

	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/tuple"
)

// RangeSet is a persistent set of non-overlapping, non-adjacent half-open
// byte ranges [begin, end) rooted at one subspace.
type RangeSet struct {
	sub tuple.Subspace
}

// New roots a RangeSet at sub. Entries are packed directly as
// sub.Bytes()+rangeStart -> rangeEnd, not tuple-encoded, since range
// endpoints are themselves already-encoded record/index keys.
func New(sub tuple.Subspace) RangeSet {
	return RangeSet{sub: sub}
}

func (r RangeSet) key(begin []byte) []byte {
	return append(append([]byte(nil), r.sub.Bytes()...), begin...)
}

func (r RangeSet) decodeBegin(k []byte) []byte {
	return append([]byte(nil), k[len(r.sub.Bytes()):]...)
}

// entry is one persisted [begin, end) row.
type entry struct {
	begin, end []byte
}

// scanAll returns every persisted entry in ascending begin order.
func (r RangeSet) scanAll(txn kv.Txn) ([]entry, error) {
	begin, end := r.sub.Range()
	it := txn.GetRange(begin, end, kv.RangeOptions{})
	var out []entry
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, err
		}
		out = append(out, entry{begin: r.decodeBegin(kvpair.Key), end: append([]byte(nil), kvpair.Value...)})
	}
	return out, nil
}

// InsertRange records [begin, end) as complete, merging with any entry
// that overlaps or directly abuts it on either side so the persisted set
// stays garbage-free: insert_range(a,b); insert_range(a,b) leaves exactly
// one entry, per spec §8's idempotency property.
func (r RangeSet) InsertRange(txn kv.Txn, begin, end []byte) error {
	if bytes.Compare(begin, end) >= 0 {
		return nil
	}
	entries, err := r.scanAll(txn)
	if err != nil {
		return err
	}

	newBegin, newEnd := append([]byte(nil), begin...), append([]byte(nil), end...)
	for _, e := range entries {
		if bytes.Compare(e.end, newBegin) < 0 || bytes.Compare(e.begin, newEnd) > 0 {
			// no overlap and not adjacent; keep as-is
			continue
		}
		if bytes.Compare(e.begin, newBegin) < 0 {
			newBegin = e.begin
		}
		if bytes.Compare(e.end, newEnd) > 0 {
			newEnd = e.end
		}
		txn.Clear(r.key(e.begin))
	}
	txn.Set(r.key(newBegin), newEnd)
	return nil
}

// MissingRanges computes the gaps within [fullBegin, fullEnd) not yet
// covered by any persisted entry, in ascending order.
func (r RangeSet) MissingRanges(txn kv.Txn, fullBegin, fullEnd []byte) ([][2][]byte, error) {
	entries, err := r.scanAll(txn)
	if err != nil {
		return nil, err
	}
	var missing [][2][]byte
	cursor := append([]byte(nil), fullBegin...)
	for _, e := range entries {
		if bytes.Compare(e.end, fullBegin) <= 0 {
			continue
		}
		if bytes.Compare(e.begin, fullEnd) >= 0 {
			break
		}
		b, en := e.begin, e.end
		if bytes.Compare(b, cursor) < 0 {
			b = cursor
		}
		if bytes.Compare(en, fullEnd) > 0 {
			en = fullEnd
		}
		if bytes.Compare(cursor, b) < 0 {
			missing = append(missing, [2][]byte{append([]byte(nil), cursor...), append([]byte(nil), b...)})
		}
		if bytes.Compare(en, cursor) > 0 {
			cursor = append([]byte(nil), en...)
		}
		if bytes.Compare(cursor, fullEnd) >= 0 {
			break
		}
	}
	if bytes.Compare(cursor, fullEnd) < 0 {
		missing = append(missing, [2][]byte{cursor, append([]byte(nil), fullEnd...)})
	}
	return missing, nil
}

// ContainsRange reports whether [begin, end) is fully covered by a single
// persisted entry or a contiguous run of them.
func (r RangeSet) ContainsRange(txn kv.Txn, begin, end []byte) (bool, error) {
	missing, err := r.MissingRanges(txn, begin, end)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Clear removes every entry in this RangeSet, used on clearFirst rebuilds
// and cancellation (spec §4.9).
func (r RangeSet) Clear(txn kv.Txn) error {
	begin, end := r.sub.Range()
	txn.ClearRange(begin, end)
	return nil
}

// Progress reports the fraction of [fullBegin, fullEnd) already covered,
// approximated by total byte span since keys are not uniformly dense
// (spec §4.9's "estimated fraction from RangeSet").
func (r RangeSet) Progress(txn kv.Txn, fullBegin, fullEnd []byte) (float64, error) {
	total := spanLen(fullBegin, fullEnd)
	if total == 0 {
		return 1, nil
	}
	missing, err := r.MissingRanges(txn, fullBegin, fullEnd)
	if err != nil {
		return 0, err
	}
	var missingLen float64
	for _, m := range missing {
		missingLen += spanLen(m[0], m[1])
	}
	done := 1 - missingLen/total
	if done < 0 {
		done = 0
	}
	if done > 1 {
		done = 1
	}
	return done, nil
}

// spanLen approximates the byte-ordered distance between begin and end as
// a float by comparing their common prefix and first differing bytes; it
// need only be monotonic and comparable across ranges of the same
// subspace, not an exact integer count.
func spanLen(begin, end []byte) float64 {
	n := len(begin)
	if len(end) > n {
		n = len(end)
	}
	var diff float64
	scale := 1.0
	for i := 0; i < n; i++ {
		var b, e byte
		if i < len(begin) {
			b = begin[i]
		}
		if i < len(end) {
			e = end[i]
		}
		diff += float64(int(e)-int(b)) * scale
		scale /= 256
	}
	if diff < 0 {
		return 0
	}
	return diff
}
