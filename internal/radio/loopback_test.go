package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0sdr/corenet/internal/clock"
)

type manualKeeper struct{ now clock.Time }

func (k *manualKeeper) Now() clock.Time { return k.now }

func TestLoopbackFrontEnd_ReceivesAnothersBurst(t *testing.T) {
	medium := NewMedium()
	keeper := &manualKeeper{now: clock.FromSeconds(0)}

	a := NewLoopbackFrontEnd(medium, keeper)
	b := NewLoopbackFrontEnd(medium, keeper)

	rxB, err := b.StartRXStream(clock.Time{}, false)
	require.NoError(t, err)
	defer b.StopRXStream()

	buf := []complex64{1, 2, 3}
	require.NoError(t, a.BurstTX(clock.Time{}, false, true, true, [][]complex64{buf}))

	select {
	case got := <-rxB:
		assert.Equal(t, buf, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the burst to arrive")
	}
}

func TestLoopbackFrontEnd_NeverHearsItsOwnBurst(t *testing.T) {
	medium := NewMedium()
	keeper := &manualKeeper{now: clock.FromSeconds(0)}

	a := NewLoopbackFrontEnd(medium, keeper)

	rxA, err := a.StartRXStream(clock.Time{}, false)
	require.NoError(t, err)
	defer a.StopRXStream()

	require.NoError(t, a.BurstTX(clock.Time{}, false, true, true, [][]complex64{{1, 2, 3}}))

	select {
	case got := <-rxA:
		t.Fatalf("front end heard its own transmission: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackFrontEnd_StartRXStreamTwiceFails(t *testing.T) {
	medium := NewMedium()
	fe := NewLoopbackFrontEnd(medium, &manualKeeper{now: clock.FromSeconds(0)})

	_, err := fe.StartRXStream(clock.Time{}, false)
	require.NoError(t, err)
	defer fe.StopRXStream()

	_, err = fe.StartRXStream(clock.Time{}, false)
	assert.Error(t, err)
}

func TestLoopbackFrontEnd_BurstStateTracksStartEndOfBurst(t *testing.T) {
	medium := NewMedium()
	fe := NewLoopbackFrontEnd(medium, &manualKeeper{now: clock.FromSeconds(0)})

	assert.False(t, fe.InTXBurst())

	require.NoError(t, fe.BurstTX(clock.Time{}, false, true, false, [][]complex64{{1}}))
	assert.True(t, fe.InTXBurst())
	_, err := fe.GetNextTXTime()
	assert.NoError(t, err)

	require.NoError(t, fe.BurstTX(clock.Time{}, false, false, true, [][]complex64{{2}}))
	assert.False(t, fe.InTXBurst())
	_, err = fe.GetNextTXTime()
	assert.Error(t, err)
}

func TestLoopbackFrontEnd_StopRXStreamLeavesTheMedium(t *testing.T) {
	medium := NewMedium()
	keeper := &manualKeeper{now: clock.FromSeconds(0)}

	a := NewLoopbackFrontEnd(medium, keeper)
	b := NewLoopbackFrontEnd(medium, keeper)

	_, err := b.StartRXStream(clock.Time{}, false)
	require.NoError(t, err)
	require.NoError(t, b.StopRXStream())

	// b left the medium; publishing now must not panic or block even
	// though nothing is listening.
	require.NoError(t, a.BurstTX(clock.Time{}, false, true, true, [][]complex64{{1}}))
}
