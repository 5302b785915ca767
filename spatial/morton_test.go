package spatial

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMorton2DRoundTrip(t *testing.T) {
	code, err := Encode2D(0.75, 0.25, 16)
	require.NoError(t, err)
	x, y, err := Decode2D(code, 16)
	require.NoError(t, err)
	require.InDelta(t, 0.75, x, math.Pow(2, -16))
	require.InDelta(t, 0.25, y, math.Pow(2, -16))
}

func TestMorton2DOrderingIsPrefixCompatible(t *testing.T) {
	a, err := Encode2D(0.1, 0.1, 10)
	require.NoError(t, err)
	b, err := Encode2D(0.9, 0.9, 10)
	require.NoError(t, err)
	require.Less(t, a, b)
}

func TestMorton3DRoundTrip(t *testing.T) {
	code, err := Encode3D(0.6, 0.3, 0.9, 15)
	require.NoError(t, err)
	x, y, z, err := Decode3D(code, 15)
	require.NoError(t, err)
	require.InDelta(t, 0.6, x, math.Pow(2, -15))
	require.InDelta(t, 0.3, y, math.Pow(2, -15))
	require.InDelta(t, 0.9, z, math.Pow(2, -15))
}

func TestMortonRejectsOutOfRangeCoordinate(t *testing.T) {
	_, err := Encode2D(1.5, 0.5, 10)
	require.Error(t, err)
}

func TestMortonRejectsInvalidLevel(t *testing.T) {
	_, err := Encode2D(0.1, 0.1, 99)
	require.Error(t, err)
}
