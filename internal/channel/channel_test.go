package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func Test_IntersectsInclusive(t *testing.T) {
	a := Channel{FC: 0, BW: 100}   // [-50, 50)
	b := Channel{FC: 50, BW: 100}  // [0, 100)
	c := Channel{FC: 200, BW: 100} // [150, 250)

	assert.True(t, a.Intersects(b))
	assert.True(t, b.Intersects(a))
	assert.False(t, a.Intersects(c))
}

func Test_NewRejectsUnevenRows(t *testing.T) {
	_, err := New([][]bool{
		{true, false},
		{true, false, true},
	})
	require.ErrorIs(t, err, ErrUnevenRows)
}

func Test_IsFDMA(t *testing.T) {
	fdma, err := New([][]bool{
		{true, true, true},
		{false, false, false},
	})
	require.NoError(t, err)
	assert.True(t, fdma.IsFDMA())
	assert.NoError(t, fdma.ValidateFDMA())

	tdma, err := New([][]bool{
		{true, false, true},
	})
	require.NoError(t, err)
	assert.False(t, tdma.IsFDMA())
	assert.ErrorIs(t, tdma.ValidateFDMA(), ErrNotFDMA)
}

// Test_ScheduleWellFormedness is the property-based check from spec.md
// section 8: every installed schedule has equal-length rows, and the FDMA
// MAC rejects any schedule for which some row is non-constant.
func Test_ScheduleWellFormedness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nChannels := rapid.IntRange(0, 6).Draw(t, "nChannels")
		nSlots := rapid.IntRange(1, 8).Draw(t, "nSlots")
		rows := make([][]bool, nChannels)
		for c := range rows {
			rows[c] = rapid.SliceOfN(rapid.Boolean(), nSlots, nSlots).Draw(t, "row")
		}

		s, err := New(rows)
		require.NoError(t, err)

		for _, row := range s.Rows {
			assert.Len(t, row, nSlots)
		}

		wantFDMA := true
		for _, row := range rows {
			for _, v := range row {
				if v != row[0] {
					wantFDMA = false
				}
			}
		}
		assert.Equal(t, wantFDMA, s.IsFDMA())
	})
}
