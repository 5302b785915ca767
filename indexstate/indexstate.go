// Package indexstate manages the per-index lifecycle state stored at
// S/indexState/<name> (spec §3, §4.1): DISABLED -> WRITE_ONLY -> READABLE,
// plus the any-state -> DISABLED reset. All transitions are validated
// read-modify-write inside the caller's transaction, the same pattern the
// teacher uses for its migrations table's apply-once check
// (migrations/migrations.go: read the recorded state, decide, write the
// new state, all inside one txn).
package indexstate

import (
	"context"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/tuple"
)

// State is the three-valued index lifecycle state of spec §3/§4.9.
type State byte

const (
	Disabled  State = 0
	WriteOnly State = 1
	Readable  State = 2
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "DISABLED"
	case WriteOnly:
		return "WRITE_ONLY"
	case Readable:
		return "READABLE"
	default:
		return "UNKNOWN"
	}
}

// Manager reads and transitions index state under one subspace, keyed by
// index name.
type Manager struct {
	sub tuple.Subspace
}

// New roots a Manager at sub (conventionally tuple.NewSubspace("S", "indexState")).
func New(sub tuple.Subspace) Manager {
	return Manager{sub: sub}
}

func (m Manager) key(name string) []byte {
	return m.sub.Pack(tuple.Tuple{name})
}

// State returns the current state of name, defaulting to DISABLED if no
// entry has ever been written (an index is DISABLED from creation until
// enable() is first called, per spec §3's design notes).
func (m Manager) State(txn kv.Txn, name string) (State, error) {
	v, err := txn.Get(m.key(name))
	if err != nil {
		return Disabled, err
	}
	if len(v) == 0 {
		return Disabled, nil
	}
	return State(v[0]), nil
}

// States reads the state of every name in one pass.
func (m Manager) States(txn kv.Txn, names []string) (map[string]State, error) {
	out := make(map[string]State, len(names))
	for _, n := range names {
		s, err := m.State(txn, n)
		if err != nil {
			return nil, err
		}
		out[n] = s
	}
	return out, nil
}

func (m Manager) set(txn kv.Txn, name string, s State) {
	txn.Set(m.key(name), []byte{byte(s)})
}

// Enable transitions DISABLED -> WRITE_ONLY. Calling it on an index that
// is already WRITE_ONLY or READABLE is a no-op success (spec §8's
// idempotency expectations for lifecycle operations); any other current
// state is rejected.
func (m Manager) Enable(txn kv.Txn, name string) error {
	cur, err := m.State(txn, name)
	if err != nil {
		return err
	}
	switch cur {
	case Disabled:
		m.set(txn, name, WriteOnly)
		return nil
	case WriteOnly, Readable:
		return nil
	default:
		return errs.NewInvalidStateTransition(name, cur.String(), WriteOnly.String())
	}
}

// MakeReadable transitions WRITE_ONLY -> READABLE. The caller (the online
// builder) is responsible for having already drained every missing range
// before calling this; MakeReadable itself only validates and flips the
// state bit atomically within txn.
func (m Manager) MakeReadable(txn kv.Txn, name string) error {
	cur, err := m.State(txn, name)
	if err != nil {
		return err
	}
	switch cur {
	case WriteOnly:
		m.set(txn, name, Readable)
		return nil
	case Readable:
		return nil
	default:
		return errs.NewInvalidStateTransition(name, cur.String(), Readable.String())
	}
}

// Disable transitions any state back to DISABLED. It never erases the
// index's data subspace or RangeSet progress itself; callers that want a
// clean rebuild pass clearFirst to the online builder separately (spec
// §3: "does not erase data unless clearFirst").
func (m Manager) Disable(txn kv.Txn, name string) error {
	m.set(txn, name, Disabled)
	return nil
}

// EnsureReadable idempotently drives name to READABLE from either
// DISABLED or WRITE_ONLY, for callers that want "make sure this index
// ends up usable" without caring about its starting state. It does not
// itself backfill: it makes both DISABLED->WRITE_ONLY->READABLE
// transitions in the one call, so the index data must already be
// complete when it is called.
func (m Manager) EnsureReadable(txn kv.Txn, name string) error {
	cur, err := m.State(txn, name)
	if err != nil {
		return err
	}
	if cur == Disabled {
		if err := m.Enable(txn, name); err != nil {
			return err
		}
		cur = WriteOnly
	}
	if cur == WriteOnly {
		return m.MakeReadable(txn, name)
	}
	return nil
}

// RequireReadable returns IndexNotReadable if name is not currently
// READABLE, the check query planners make before using an index (spec
// §4.9's "WRITE_ONLY receives maintenance but is not query-visible").
func (m Manager) RequireReadable(ctx context.Context, store kv.Store, name string) error {
	var cur State
	err := store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, name)
		cur = s
		return err
	})
	if err != nil {
		return err
	}
	if cur != Readable {
		return errs.NewIndexNotReadable(name)
	}
	return nil
}
