package spatial

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeohashRoundTrip(t *testing.T) {
	hash, err := Encode(57.64911, 10.40744, 9)
	require.NoError(t, err)
	require.Equal(t, 9, len(hash))

	lat, lon, latErr, lonErr, err := Decode(hash)
	require.NoError(t, err)
	require.InDelta(t, 57.64911, lat, latErr)
	require.InDelta(t, 10.40744, lon, lonErr)
}

func TestGeohashNeighborIsAdjacent(t *testing.T) {
	hash, err := Encode(40.0, -105.0, 7)
	require.NoError(t, err)
	n, err := Neighbor(hash, North)
	require.NoError(t, err)
	require.NotEqual(t, hash, n)

	lat1, _, _, _, err := Decode(hash)
	require.NoError(t, err)
	lat2, _, _, _, err := Decode(n)
	require.NoError(t, err)
	require.Greater(t, lat2, lat1)
}

func TestGeohashCoverBoundingBoxIncludesCorners(t *testing.T) {
	covering, err := CoverBoundingBox(40.0, -105.0, 40.1, -104.9, 6)
	require.NoError(t, err)
	require.NotEmpty(t, covering)

	corner, err := Encode(40.0, -105.0, 6)
	require.NoError(t, err)
	require.Contains(t, covering, corner)
}
