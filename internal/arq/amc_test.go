package arq

import (
	"testing"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/stretchr/testify/assert"
)

func Test_LevelsToDescendStopsAtMinOrInvalid(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 2, MCSIdxMin: 1, NumMCS: 3})
	w.mcsIdx = 2
	params := &AMCParams{
		Valid:         []bool{true, false, true}, // MCS 1 is invalid
		EVMThresholds: make([]EVMThreshold, 3),
	}

	n := w.levelsToDescend(0, false, params)
	assert.Equal(t, 0, n, "descending into an invalid MCS level must not happen")
}

func Test_LevelsToDescendHonorsEVMThreshold(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 2, MCSIdxMin: 0, NumMCS: 3})
	w.mcsIdx = 2
	params := &AMCParams{
		Valid: []bool{true, true, true},
		EVMThresholds: []EVMThreshold{
			{}, // MCS 0: no threshold
			{HasThreshold: true, DB: -10}, // MCS 1
			{},
		},
	}

	// long EVM is well above the threshold for MCS 1: descending one level
	// to MCS 1 isn't enough, the loop should keep going to MCS 0.
	n := w.levelsToDescend(-5, true, params)
	assert.Equal(t, 2, n)

	// long EVM already clears the MCS 1 threshold: stop there.
	n = w.levelsToDescend(-20, true, params)
	assert.Equal(t, 1, n)
}

func Test_MayMoveUpMCSAtCeiling(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 2, MCSIdxMin: 0, NumMCS: 3})
	w.mcsIdx = 2
	params := &AMCParams{MCSIdxMax: 2, EVMThresholds: make([]EVMThreshold, 3)}

	assert.False(t, w.mayMoveUpMCS(0, false, params), "already at the ceiling MCS")
}

func Test_MayMoveUpMCSWithEVMThreshold(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 0, MCSIdxMin: 0, NumMCS: 3})
	params := &AMCParams{
		MCSIdxMax: 2,
		EVMThresholds: []EVMThreshold{
			{},
			{HasThreshold: true, DB: -10},
			{},
		},
	}

	assert.False(t, w.mayMoveUpMCS(-5, true, params), "EVM above threshold must block the move")
	assert.True(t, w.mayMoveUpMCS(-15, true, params), "EVM below threshold must allow the move")
	assert.False(t, w.mayMoveUpMCS(-15, false, params), "no long EVM data yet must block a threshold-gated move")
}

func Test_MayMoveUpMCSFallsBackToProbability(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 0, MCSIdxMin: 0, NumMCS: 3})
	params := &AMCParams{MCSIdxMax: 2, EVMThresholds: make([]EVMThreshold, 3)}

	w.mcsIdxProb[1] = 0.5
	params.RandFloat64 = func() float64 { return 0.4 }
	assert.True(t, w.mayMoveUpMCS(0, false, params))

	params.RandFloat64 = func() float64 { return 0.6 }
	assert.False(t, w.mayMoveUpMCS(0, false, params))
}

func Test_SetMCSSkipsInvalidIndices(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 0, MCSIdxMin: 0, NumMCS: 3})
	params := &AMCParams{
		Valid:         []bool{true, false, true},
		EVMThresholds: make([]EVMThreshold, 3),
	}

	var changedTo packet.MCS = 99
	params.OnMCSChange = func(_ packet.NodeID, _, n packet.MCS) { changedTo = n }

	w.setMCS(clock.FromSeconds(0), params, 1)
	assert.Equal(t, packet.MCS(2), w.MCSIdx(), "invalid index 1 must be skipped forward to 2")
	assert.Equal(t, packet.MCS(2), changedTo)
}

func Test_SetMCSNoopWhenUnchanged(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{MaxWin: 4, MCSIdxInit: 1, MCSIdxMin: 0, NumMCS: 3})
	w.mcsIdx = 1
	params := &AMCParams{Valid: []bool{true, true, true}, EVMThresholds: make([]EVMThreshold, 3)}

	called := false
	params.OnMCSChange = func(packet.NodeID, packet.MCS, packet.MCS) { called = true }

	w.setMCS(clock.FromSeconds(0), params, 1)
	assert.False(t, called, "setting the already-active MCS must not fire OnMCSChange")
}

func Test_EnvironmentDiscontinuityResetsAMCState(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{
		MaxWin: 4, MCSIdxInit: 1, MCSIdxMin: 0, NumMCS: 3,
		ShortPERWindow: 10, LongPERWindow: 10,
	})
	now := clock.FromSeconds(0)

	w.mcsIdx = 2
	w.mcsIdxProb[0] = 0.2
	w.mcsIdxProb[2] = 0.1
	w.RecordPER(now, false)
	w.RecordEVM(now, -3)

	w.EnvironmentDiscontinuity(now)

	assert.Equal(t, packet.MCS(1), w.MCSIdx(), "must snap back to mcsidx_init")
	for i, p := range w.mcsIdxProb {
		assert.Equal(t, 1.0, p, "probability %d must reset to 1.0", i)
	}
	assert.Equal(t, 0, w.shortPER.NSamples())
	assert.False(t, w.hasLongEVM)
}

func Test_UpdateMCSFastAdjustSnapsToEVMEligibleIndex(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{
		MaxWin: 4, MCSIdxInit: 0, MCSIdxMin: 0, NumMCS: 3,
		ShortPERWindow: 10, LongPERWindow: 10,
	})
	params := &AMCParams{
		MCSIdxMax:        2,
		Valid:            []bool{true, true, true},
		UpPERThreshold:   0.04,
		DownPERThreshold: 0.10,
		EVMThresholds: []EVMThreshold{
			{},
			{HasThreshold: true, DB: -10},
			{HasThreshold: true, DB: -20},
		},
		FastAdjustPackets: 100,
	}

	now := clock.FromSeconds(0)
	w.RecordEVM(now, -25) // clears even the MCS-2 threshold
	w.UpdateMCS(now, params)

	assert.Equal(t, packet.MCS(2), w.MCSIdx())
}
