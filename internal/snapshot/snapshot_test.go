package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/iqbuf"
)

type manualKeeper struct{ now clock.Time }

func (k *manualKeeper) Now() clock.Time { return k.now }

func Test_PushFinalizePushAddsSlotAndAdvancesOffset(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(10)}
	c := NewCollector(keeper, nil)
	c.Start()

	buf1 := iqbuf.New(0, 4)
	require.True(t, c.Push(buf1))
	assert.True(t, buf1.HasSnapshotOffset)
	assert.Equal(t, int64(0), buf1.SnapshotOffset)
	buf1.Append(make([]iqbuf.Sample, 4))
	buf1.MarkComplete()
	c.FinalizePush()

	buf2 := iqbuf.New(1, 6)
	require.True(t, c.Push(buf2))
	assert.Equal(t, int64(4), buf2.SnapshotOffset)
	buf2.Append(make([]iqbuf.Sample, 6))
	buf2.MarkComplete()
	c.FinalizePush()

	snap := c.Finalize()
	require.NotNil(t, snap)
	assert.Len(t, snap.Slots, 2)
}

func Test_PushReportsFalseWhenNotCollecting(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(0)}
	c := NewCollector(keeper, nil)

	buf := iqbuf.New(0, 4)
	assert.False(t, c.Push(buf))
}

func Test_StopStillAllowsFinalize(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(0)}
	c := NewCollector(keeper, nil)
	c.Start()
	c.Stop()

	assert.False(t, c.Push(iqbuf.New(0, 1)))
	snap := c.Finalize()
	require.NotNil(t, snap)
}

func Test_SelfTXRecordedWhileActive(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(0)}
	c := NewCollector(keeper, nil)
	c.Start()

	c.SelfTX(100, 200, 915e6, 1e6)

	snap := c.Finalize()
	require.Len(t, snap.SelfTX, 1)
	assert.False(t, snap.SelfTX[0].IsLocal)
	assert.Equal(t, int64(100), snap.SelfTX[0].Start)
	assert.Equal(t, int64(200), snap.SelfTX[0].End)
}

func Test_SelfTXDroppedWhenNoSnapshotActive(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(0)}
	c := NewCollector(keeper, nil)

	c.SelfTX(0, 10, 0, 0)
	assert.False(t, c.Active())
}

func Test_LocalTXWhileActiveComputesOffsetFromSnapshotStart(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(100)}
	c := NewCollector(keeper, nil)
	c.Start()

	// half a second after the snapshot started, at 1 MSa/s RX.
	c.LocalTX(clock.FromSeconds(100.5), 1e6, 1e6, 915e6, 200e3, 1000)

	snap := c.Finalize()
	require.Len(t, snap.SelfTX, 1)
	tx := snap.SelfTX[0]
	assert.True(t, tx.IsLocal)
	assert.Equal(t, int64(500000), tx.Start)
	assert.Equal(t, int64(500000+1000), tx.End)
}

func Test_LocalTXBeforeSnapshotCarriesIntoNextSnapshotIfStillInProgress(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(100)}
	c := NewCollector(keeper, nil)

	// a 2000-sample burst at 1 MSa/s started 1ms before the snapshot, and
	// won't finish for another millisecond -- it is still "in the air" when
	// Start is called.
	c.LocalTX(clock.FromSeconds(99.999), 1e6, 1e6, 915e6, 200e3, 2000)

	keeper.now = clock.FromSeconds(100)
	c.Start()

	snap := c.Finalize()
	require.Len(t, snap.SelfTX, 1)
	assert.True(t, snap.SelfTX[0].IsLocal)
	// the burst started 1ms (1000 samples) before the snapshot's start and
	// runs for 2000 samples total, so within the new snapshot's timeline it
	// spans [-1000, 1000).
	assert.Equal(t, int64(-1000), snap.SelfTX[0].Start)
	assert.Equal(t, int64(1000), snap.SelfTX[0].End)
}

func Test_LocalTXBeforeSnapshotDroppedIfAlreadyFinishedBySnapshotStart(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(50)}
	c := NewCollector(keeper, nil)

	c.LocalTX(clock.FromSeconds(0), 1e6, 1e6, 915e6, 200e3, 1000)

	keeper.now = clock.FromSeconds(50)
	c.Start()

	snap := c.Finalize()
	assert.Empty(t, snap.SelfTX)
}

func Test_FinalizeFixesTimestampToFirstSlotAndAdjustsLocalSelfTX(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(10)}
	c := NewCollector(keeper, nil)
	c.Start()

	c.LocalTX(clock.FromSeconds(10.5), 1e6, 1e6, 915e6, 200e3, 100)

	buf := iqbuf.New(0, 4)
	buf.Timestamp, buf.HasTimestamp = clock.FromSeconds(10.2), true
	buf.SampleRate = 1e6
	require.True(t, c.Push(buf))
	buf.Append(make([]iqbuf.Sample, 4))
	buf.MarkComplete()
	c.FinalizePush()

	snap := c.Finalize()
	// provisional timestamp was 10s, actual first-slot timestamp is
	// 10.2s -- a 0.2s (200000-sample) shift at 1 MSa/s.
	assert.InDelta(t, 10.2, snap.Timestamp.Seconds(), 1e-9)
	require.Len(t, snap.SelfTX, 1)
	assert.Equal(t, int64(500000-200000), snap.SelfTX[0].Start)
}

func Test_CombinedSlotsConcatenatesMatchingLeadingSlots(t *testing.T) {
	keeper := &manualKeeper{now: clock.FromSeconds(0)}
	c := NewCollector(keeper, nil)
	c.Start()

	mk := func(seq uint64, n int, fc, fs float64) *iqbuf.Buf {
		b := iqbuf.New(seq, n)
		b.CenterFreq, b.SampleRate = fc, fs
		b.Append(make([]iqbuf.Sample, n))
		b.MarkComplete()
		return b
	}

	c.Push(mk(0, 4, 915e6, 1e6))
	c.FinalizePush()
	buf2 := mk(1, 6, 915e6, 1e6)
	c.snapshot.Slots = append(c.snapshot.Slots, buf2)
	// a slot on a different center frequency should not be folded in.
	buf3 := mk(2, 2, 920e6, 1e6)
	c.snapshot.Slots = append(c.snapshot.Slots, buf3)

	combined, ok := c.snapshot.CombinedSlots()
	require.True(t, ok)
	assert.Equal(t, 10, combined.NSamples())
}
