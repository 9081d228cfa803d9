package arq

import (
	"testing"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testSendWindowConfig() SendWindowConfig {
	return SendWindowConfig{
		MaxWin:             4,
		MCSIdxInit:         0,
		MCSIdxMin:          0,
		NumMCS:             3,
		ShortPERWindow:     1,
		LongPERWindow:      5,
		MinRetransmitDelay: 0.1,
		AckDelayWindow:     5,
	}
}

func Test_SendWindowStartsAtWindowOne(t *testing.T) {
	w := NewSendWindow(1, testSendWindowConfig())
	assert.Equal(t, uint32(1), w.Win())
	assert.True(t, w.HasRoom())

	p1 := &packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true}}}
	seq1 := w.Assign(p1)
	assert.Equal(t, packet.Seq(0), seq1)
	assert.True(t, p1.Header.Flags.SYN, "first packet to a destination must carry SYN")
	assert.False(t, w.HasRoom(), "window of 1 is full until the SYN is acked")

	p2 := &packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true}}}
	assert.False(t, p2.Header.Flags.SYN)
}

func Test_SendWindowOpensToMaxOnFirstAck(t *testing.T) {
	w := NewSendWindow(1, testSendWindowConfig())
	p1 := &packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true}}}
	w.Assign(p1)

	w.AckThrough(1, nil, nil)
	assert.Equal(t, uint32(4), w.Win())
	assert.Equal(t, packet.Seq(1), w.Unack())
	assert.True(t, w.HasRoom())
}

func Test_SendWindowAckThroughIsIdempotent(t *testing.T) {
	w := NewSendWindow(1, testSendWindowConfig())
	w.Assign(&packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true}}})
	w.AckThrough(1, nil, nil)

	calls := 0
	w.AckThrough(1, nil, func(packet.Seq) { calls++ })
	assert.Equal(t, 0, calls, "re-acking the same value must be a no-op")
}

func Test_SendWindowOldestDroppableRespectsSYN(t *testing.T) {
	w := NewSendWindow(1, testSendWindowConfig())
	syn := &packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true, SYN: true}}}
	syn.AssignedSeq = true
	w.entries[0].pkt = syn
	w.seq = 1 // seq 0 is pending, so the window is full at win 1

	_, ok := w.OldestDroppable(1, true, clock.FromSeconds(0))
	assert.False(t, ok, "a SYN-carrying entry may never be dropped")
}

// Test_SendWindowInvariants is a rapid-based property test of spec.md
// 4.7.1's core invariant: unack <= seq <= unack+win, and win never exceeds
// maxwin, across an arbitrary sequence of assign/ack operations.
func Test_SendWindowInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := testSendWindowConfig()
		w := NewSendWindow(1, cfg)

		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 30).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				if w.HasRoom() {
					w.Assign(&packet.Packet{Header: packet.Header{Flags: packet.Flags{HasSeq: true}}})
				}
			case 1:
				if w.Unack() != w.SeqNext() {
					ackVal := w.Unack().Add(1)
					w.AckThrough(ackVal, nil, nil)
				}
			}

			assert.LessOrEqual(t, uint32(w.Unack().Distance(w.SeqNext())), w.Win())
			assert.LessOrEqual(t, w.Win(), cfg.MaxWin)
		}
	})
}

func Test_SendWindowAMCMovesDownOnHighShortPER(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{
		MaxWin: 4, MCSIdxInit: 2, MCSIdxMin: 0, NumMCS: 3,
		ShortPERWindow: 10, LongPERWindow: 10, MinRetransmitDelay: 0.1, AckDelayWindow: 5,
	})
	w.mcsIdx = 2

	params := &AMCParams{
		MCSIdxMax:        2,
		Valid:            []bool{true, true, true},
		UpPERThreshold:   0.04,
		DownPERThreshold: 0.10,
		Alpha:            0.5,
		ProbFloor:        0.1,
		EVMThresholds:    make([]EVMThreshold, 3),
	}

	now := clock.FromSeconds(0)
	for i := 0; i < 5; i++ {
		w.RecordPER(now.AddSeconds(float64(i)*0.01), false)
	}
	w.UpdateMCS(now.AddSeconds(0.05), params)

	require.Less(t, w.MCSIdx(), packet.MCS(2))
}

func Test_SendWindowAMCMovesUpOnLowLongPER(t *testing.T) {
	w := NewSendWindow(1, SendWindowConfig{
		MaxWin: 4, MCSIdxInit: 0, MCSIdxMin: 0, NumMCS: 3,
		ShortPERWindow: 10, LongPERWindow: 10, MinRetransmitDelay: 0.1, AckDelayWindow: 5,
	})

	params := &AMCParams{
		MCSIdxMax:        2,
		Valid:            []bool{true, true, true},
		UpPERThreshold:   0.04,
		DownPERThreshold: 0.10,
		Alpha:            0.5,
		ProbFloor:        0.1,
		EVMThresholds:    make([]EVMThreshold, 3),
		RandFloat64:      func() float64 { return 0 }, // always passes the Bernoulli test
	}

	now := clock.FromSeconds(0)
	for i := 0; i < 5; i++ {
		w.RecordPER(now.AddSeconds(float64(i)*0.01), true)
	}
	w.UpdateMCS(now.AddSeconds(0.05), params)

	assert.Equal(t, packet.MCS(1), w.MCSIdx())
}
