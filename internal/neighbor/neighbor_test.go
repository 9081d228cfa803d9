package neighbor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

func Test_ObserveCreatesAndUpdatesEntry(t *testing.T) {
	tab := NewTable(1)
	now := clock.FromSeconds(10)

	e := tab.Observe(2, true, now)
	require.NotNil(t, e)
	assert.Equal(t, packet.NodeID(2), e.ID())
	assert.True(t, e.IsGateway())
	heard, ok := e.LastHeard()
	require.True(t, ok)
	assert.Equal(t, now, heard)

	got, ok := tab.Get(2)
	require.True(t, ok)
	assert.Same(t, e, got)

	tab.Observe(2, false, now.AddSeconds(1))
	assert.False(t, e.IsGateway())
}

func Test_TimeMasterPrefersLowestIDGateway(t *testing.T) {
	tab := NewTable(5)
	now := clock.FromSeconds(0)

	tab.Observe(10, true, now)
	tab.Observe(3, true, now)
	tab.Observe(7, false, now)

	master, ok := tab.TimeMaster(false)
	require.True(t, ok)
	assert.Equal(t, packet.NodeID(3), master)
}

func Test_TimeMasterPrefersSelfWhenLowestGateway(t *testing.T) {
	tab := NewTable(1)
	tab.Observe(10, true, clock.FromSeconds(0))

	master, ok := tab.TimeMaster(true)
	require.True(t, ok)
	assert.Equal(t, packet.NodeID(1), master)
}

func Test_TimeMasterFalseWhenNoGateways(t *testing.T) {
	tab := NewTable(1)
	tab.Observe(2, false, clock.FromSeconds(0))
	_, ok := tab.TimeMaster(false)
	assert.False(t, ok)
}

func Test_PruneRemovesStaleEntries(t *testing.T) {
	tab := NewTable(1)
	tab.Observe(2, false, clock.FromSeconds(0))
	tab.Observe(3, false, clock.FromSeconds(100))

	tab.Prune(clock.FromSeconds(100), 10)

	_, ok := tab.Get(2)
	assert.False(t, ok)
	_, ok = tab.Get(3)
	assert.True(t, ok)
}

func Test_DistanceMetersRequiresBothPositions(t *testing.T) {
	a := newEntry(1)
	b := newEntry(2)

	_, err := DistanceMeters(a, b)
	assert.ErrorIs(t, err, ErrNoPosition)

	// Philadelphia and New York City, roughly 130km apart.
	a.SetPosition(39.9526, -75.1652)
	b.SetPosition(40.7128, -74.0060)

	d, err := DistanceMeters(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 130000, d, 15000)
}

func Test_GainHintFlatBelowBaselineDistance(t *testing.T) {
	assert.Equal(t, 10.0, GainHint(500, 10, 1000))
}

func Test_GainHintIncreasesWithDistance(t *testing.T) {
	g := GainHint(10000, 10, 1000)
	assert.Greater(t, g, 10.0)
}

func Test_UTMFailsWithoutPosition(t *testing.T) {
	e := newEntry(1)
	_, err := e.UTM()
	assert.ErrorIs(t, err, ErrNoPosition)
}
