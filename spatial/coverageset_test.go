package spatial

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoverageSetRoundTrip(t *testing.T) {
	cs := NewCoverageSet()
	cs.Add(1)
	cs.Add(100)
	cs.Add(1 << 40)

	data, err := cs.Serialize()
	require.NoError(t, err)

	loaded, err := DeserializeCoverageSet(data)
	require.NoError(t, err)
	require.True(t, loaded.Contains(1))
	require.True(t, loaded.Contains(100))
	require.True(t, loaded.Contains(1<<40))
	require.False(t, loaded.Contains(2))
	require.Equal(t, uint64(3), loaded.Cardinality())
}

func TestCoverageSetMerge(t *testing.T) {
	a := NewCoverageSet()
	a.Add(1)
	b := NewCoverageSet()
	b.Add(2)
	a.Merge(b)
	require.Equal(t, uint64(2), a.Cardinality())
}
