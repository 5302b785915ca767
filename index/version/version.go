// Package version implements the VERSION maintainer (spec §4.6):
// versionstamped keys giving OCC and history retention. Grounded on
// core/state/history.go's FindByHistory "seek last-less-than, verify
// prefix, compare stored value" shape for the OCC check, and its chunked
// history-index idea for retention sweeps.
package version

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Retention selects how many historical versions of a primary key are
// kept after each insert.
type Retention struct {
	Kind        RetentionKind
	KeepLastN   int
	KeepForDur  time.Duration
}

type RetentionKind int

const (
	KeepAll RetentionKind = iota
	KeepLast
	KeepForDuration
)

// Maintainer writes one versionstamped entry per insert under
// Sub.Pack(pk) ++ <10-byte native versionstamp>, value = little-endian
// commit wall-clock timestamp, and enforces the chosen Retention policy
// after each write.
type Maintainer struct {
	Sub       tuple.Subspace
	Retention Retention
	Now       func() int64 // commit wall-clock timestamp source, in caller-defined units
}

func New(sub tuple.Subspace, retention Retention, now func() int64) *Maintainer {
	return &Maintainer{Sub: sub, Retention: retention, Now: now}
}

// Write stamps a new version for pk inside txn, returning a function that
// resolves to the assigned 10-byte versionstamp once txn has committed.
func (m *Maintainer) Write(txn kv.Txn, pk tuple.Tuple) (func() ([]byte, error), error) {
	prefix := m.Sub.Pack(pk)
	key := append(append([]byte{}, prefix...), placeholder()...)
	key = append(key, offsetTrailer(len(prefix))...)

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, uint64(m.Now()))

	txn.SetVersionstampedKey(key, value)
	resolve := txn.Versionstamp()

	if err := m.applyRetention(txn, pk); err != nil {
		return nil, err
	}
	return resolve, nil
}

// UpdateIndex implements record.Maintainer: an insert or update stamps a
// fresh version for the record's primary key, a delete removes every
// version key recorded for it.
func (m *Maintainer) UpdateIndex(old, new record.Record, access record.RecordAccess, txn kv.Txn) error {
	if old == nil && new == nil {
		return nil
	}
	if new == nil {
		pk, err := access.PrimaryKey(old)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "version maintainer: primary key")
		}
		return m.DeleteAll(txn, pk)
	}
	pk, err := access.PrimaryKey(new)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "version maintainer: primary key")
	}
	_, err = m.Write(txn, pk)
	return err
}

// ScanRecord implements record.Maintainer for online-build backfill.
func (m *Maintainer) ScanRecord(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn) error {
	_, err := m.Write(txn, pk)
	return err
}

func placeholder() []byte {
	p := make([]byte, kv.VersionstampPlaceholderSize)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}

func offsetTrailer(offset int) []byte {
	t := make([]byte, kv.IncompleteVersionstampOffset)
	binary.LittleEndian.PutUint32(t, uint32(offset))
	return t
}

// CheckExpected implements the OCC check of spec §4.6: read the last
// version key for pk and compare its 10-byte versionstamp suffix against
// expected, raising VersionMismatch on disagreement and VersionNotFound
// if pk has no recorded version at all.
func (m *Maintainer) CheckExpected(txn kv.Txn, pk tuple.Tuple, expected []byte) error {
	prefix := m.Sub.Pack(pk)
	upper := append(append([]byte{}, prefix...), 0xFF)
	key, err := txn.GetKey(kv.LastLessThan(upper))
	if err != nil {
		return err
	}
	if key == nil || !bytes.HasPrefix(key, prefix) {
		return errs.NewVersionNotFound(expected)
	}
	actual := key[len(key)-10:]
	if !bytes.Equal(actual, expected) {
		return errs.NewVersionMismatch(expected, actual)
	}
	return nil
}

// CurrentVersion returns the lexicographically greatest versionstamp
// recorded for pk (spec §8: "getCurrentVersion(pk) = max H").
func (m *Maintainer) CurrentVersion(txn kv.Txn, pk tuple.Tuple) ([]byte, bool, error) {
	prefix := m.Sub.Pack(pk)
	upper := append(append([]byte{}, prefix...), 0xFF)
	key, err := txn.GetKey(kv.LastLessThan(upper))
	if err != nil {
		return nil, false, err
	}
	if key == nil || !bytes.HasPrefix(key, prefix) {
		return nil, false, nil
	}
	return append([]byte(nil), key[len(key)-10:]...), true, nil
}

// DeleteAll removes every version key for pk.
func (m *Maintainer) DeleteAll(txn kv.Txn, pk tuple.Tuple) error {
	prefix := m.Sub.Pack(pk)
	end := append(append([]byte{}, prefix...), 0xFF)
	txn.ClearRange(prefix, end)
	return nil
}

// listVersions returns every (key, timestamp) pair for pk in ascending
// versionstamp order.
func (m *Maintainer) listVersions(txn kv.Txn, pk tuple.Tuple) ([][]byte, []int64, error) {
	prefix := m.Sub.Pack(pk)
	end := append(append([]byte{}, prefix...), 0xFF)
	it := txn.GetRange(prefix, end, kv.RangeOptions{})
	var keys [][]byte
	var timestamps []int64
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, append([]byte(nil), kvpair.Key...))
		var ts int64
		if len(kvpair.Value) >= 8 {
			ts = int64(binary.LittleEndian.Uint64(kvpair.Value))
		}
		timestamps = append(timestamps, ts)
	}
	return keys, timestamps, nil
}

func (m *Maintainer) applyRetention(txn kv.Txn, pk tuple.Tuple) error {
	switch m.Retention.Kind {
	case KeepAll:
		return nil
	case KeepLast:
		keys, _, err := m.listVersions(txn, pk)
		if err != nil {
			return err
		}
		// listVersions cannot see the versionstamped write this same
		// transaction just issued (the placeholder resolves only at
		// commit), so keys holds only the previously committed versions.
		// Reserve a slot for that incoming version so the post-commit
		// steady state holds exactly KeepLastN, not KeepLastN+1.
		keepFrom := len(keys) - (m.Retention.KeepLastN - 1)
		if keepFrom <= 0 {
			return nil
		}
		for _, k := range keys[:keepFrom] {
			txn.Clear(k)
		}
		return nil
	case KeepForDuration:
		keys, timestamps, err := m.listVersions(txn, pk)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		cutoff := m.Now() - int64(m.Retention.KeepForDur)
		// Never delete the most recent version, even if it is older
		// than the cutoff (legacy timestamp=0 entries after a duration
		// policy is newly introduced, spec §9's transitional note).
		for i := 0; i < len(keys)-1; i++ {
			if timestamps[i] < cutoff {
				txn.Clear(keys[i])
			}
		}
		return nil
	default:
		return nil
	}
}
