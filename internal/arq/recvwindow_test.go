package arq

import (
	"testing"

	"github.com/n0sdr/corenet/internal/packet"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func Test_RecvWindowDeliversInOrder(t *testing.T) {
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 4})
	w.SetAck(0)

	w.Insert(&packet.Packet{Header: packet.Header{Seq: 1}})
	assert.Empty(t, w.DrainInOrder(), "seq 1 arriving before seq 0 must buffer, not deliver")
	assert.Equal(t, packet.Seq(0), w.Ack())

	w.Insert(&packet.Packet{Header: packet.Header{Seq: 0}})
	out := w.DrainInOrder()
	assert.Len(t, out, 2, "filling the hole must drain both buffered packets")
	assert.Equal(t, packet.Seq(2), w.Ack())
}

func Test_RecvWindowDuplicateDetection(t *testing.T) {
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 4})
	w.SetAck(0)
	w.Insert(&packet.Packet{Header: packet.Header{Seq: 0}})
	w.DrainInOrder()

	assert.True(t, w.IsDuplicate(0), "already-delivered seq must be flagged duplicate")
	assert.False(t, w.IsDuplicate(1), "next expected seq is not a duplicate")
}

func Test_RecvWindowSACKRangesWithInteriorHole(t *testing.T) {
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 8})
	w.SetAck(0)

	w.Insert(&packet.Packet{Header: packet.Header{Seq: 1}})
	w.Insert(&packet.Packet{Header: packet.Header{Seq: 2}})
	// seq 3 is a hole
	w.Insert(&packet.Packet{Header: packet.Header{Seq: 4}})

	ranges := w.SACKRanges(0)
	assert.Equal(t, []Range{
		{Begin: 1, End: 3},
		{Begin: 4, End: 5},
	}, ranges)
}

func Test_RecvWindowSACKRangesTrailingHole(t *testing.T) {
	// max can be reported ahead of the last actually-received entry (e.g.
	// learned out-of-band); SACKRanges must then close with an empty
	// trailing range flagging that max itself is still outstanding.
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 8})
	w.SetAck(0)
	w.Insert(&packet.Packet{Header: packet.Header{Seq: 1}})
	w.max = 3

	ranges := w.SACKRanges(0)
	assert.Equal(t, []Range{
		{Begin: 1, End: 2},
		{Begin: 4, End: 4},
	}, ranges)
}

func Test_RecvWindowSACKRangesCapKeepsLatest(t *testing.T) {
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 16})
	w.SetAck(0)
	for _, seq := range []packet.Seq{1, 3, 5, 7} {
		w.Insert(&packet.Packet{Header: packet.Header{Seq: seq}})
	}

	ranges := w.SACKRanges(2)
	assert.Len(t, ranges, 2)
	assert.Equal(t, packet.Seq(5), ranges[0].Begin)
}

func Test_RecvWindowAllowNAKRateLimits(t *testing.T) {
	w := NewRecvWindow(1, RecvWindowConfig{RecvWin: 4})
	now := seconds(0)

	assert.True(t, w.AllowNAK(now, 2, 1.0))
	assert.True(t, w.AllowNAK(now, 2, 1.0))
	assert.False(t, w.AllowNAK(now, 2, 1.0), "third NAK within the window must be throttled")

	later := seconds(2.0)
	assert.True(t, w.AllowNAK(later, 2, 1.0), "NAKs age out of the rolling window")
}

// Test_RecvWindowInvariant is a rapid-based property test of spec.md
// 4.7.2: max never exceeds ack+recvwin-1, and every seq below ack stays
// empty.
func Test_RecvWindowInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const recvWin = 4
		w := NewRecvWindow(1, RecvWindowConfig{RecvWin: recvWin})
		w.SetAck(0)

		offsets := rapid.SliceOfN(rapid.Uint32Range(0, recvWin-1), 1, 20).Draw(t, "offsets")
		for _, off := range offsets {
			seq := w.Ack().Add(off)
			if !w.InWindow(seq) || w.IsDuplicate(seq) {
				continue
			}
			w.Insert(&packet.Packet{Header: packet.Header{Seq: seq}})
			w.DrainInOrder()

			assert.LessOrEqual(t, uint32(w.Ack().Distance(w.Max())), uint32(recvWin-1))
		}
	})
}
