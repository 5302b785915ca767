package spatial

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoverRadiusStaysWithinCellBudget(t *testing.T) {
	covering := CoverRadius(47.6062, -122.3321, 5000, 13)
	require.NotEmpty(t, covering)
	require.LessOrEqual(t, len(covering), 8)
}

func TestCellRangeIsHalfOpenAndNonEmpty(t *testing.T) {
	id := CellID(47.6062, -122.3321, 13)
	begin, end := CellRange(id)
	require.Less(t, begin, end)
}
