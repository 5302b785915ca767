package indexstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/kv/kvtest"
	"github.com/turbodb/recordlayer/tuple"
)

func newTestManager() (Manager, *kvtest.Store) {
	return New(tuple.NewSubspace("S", "indexState")), kvtest.New()
}

func TestDefaultStateIsDisabled(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, "byEmail")
		require.NoError(t, err)
		require.Equal(t, Disabled, s)
		return nil
	}))
}

func TestLifecycleTransitions(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.Enable(txn, "byEmail")
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, "byEmail")
		require.NoError(t, err)
		require.Equal(t, WriteOnly, s)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.MakeReadable(txn, "byEmail")
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, "byEmail")
		require.NoError(t, err)
		require.Equal(t, Readable, s)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.Disable(txn, "byEmail")
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, "byEmail")
		require.NoError(t, err)
		require.Equal(t, Disabled, s)
		return nil
	}))
}

func TestMakeReadableFromDisabledRejected(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	err := store.Update(ctx, func(txn kv.Txn) error {
		return m.MakeReadable(txn, "byEmail")
	})
	require.Error(t, err)
	k, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.InvalidStateTransition, k)
}

func TestEnsureReadableIdempotent(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
			return m.EnsureReadable(txn, "byEmail")
		}))
	}
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		s, err := m.State(txn, "byEmail")
		require.NoError(t, err)
		require.Equal(t, Readable, s)
		return nil
	}))
}

func TestRequireReadable(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	require.Error(t, m.RequireReadable(ctx, store, "byEmail"))

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.EnsureReadable(txn, "byEmail")
	}))
	require.NoError(t, m.RequireReadable(ctx, store, "byEmail"))
}

func TestStatesBatch(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(txn kv.Txn) error {
		return m.Enable(txn, "a")
	}))
	require.NoError(t, store.View(ctx, func(txn kv.Txn) error {
		states, err := m.States(txn, []string{"a", "b"})
		require.NoError(t, err)
		require.Equal(t, WriteOnly, states["a"])
		require.Equal(t, Disabled, states["b"])
		return nil
	}))
}
