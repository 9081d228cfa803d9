package arq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/timerqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource feeds packets to a Controller's Pull on demand; Send blocks
// until the packet is pulled or ctx is cancelled, matching a network tap's
// Pull semantics.
type chanSource struct {
	ch chan *packet.Packet
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan *packet.Packet)}
}

func (s *chanSource) Pull(ctx context.Context) (*packet.Packet, error) {
	select {
	case pkt := <-s.ch:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) Send(pkt *packet.Packet) {
	s.ch <- pkt
}

// recordingDeliverer collects every packet the controller releases to the
// upper layer, in the order Deliver was called.
type recordingDeliverer struct {
	mu  sync.Mutex
	got []*packet.Packet
}

func (d *recordingDeliverer) Deliver(pkt *packet.Packet) {
	d.mu.Lock()
	d.got = append(d.got, pkt)
	d.mu.Unlock()
}

func (d *recordingDeliverer) snapshot() []*packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*packet.Packet, len(d.got))
	copy(out, d.got)
	return out
}

func testControllerConfig(self packet.NodeID) Config {
	return Config{
		Self:    self,
		MaxWin:  4,
		RecvWin: 4,

		MaxRetransmissions:    3,
		HasMaxRetransmissions: true,

		MinRetransmissionDelay: 0.05,
		SlopFactor:             2,

		SackDelay:    0.02,
		FullAckDelay: 0.04,

		SelectiveAckFeedbackDelay: 0.01,
		MaxSacks:                  4,

		ExplicitNAKWinSize:     4,
		ExplicitNAKWinDuration: 1,

		EnforceOrdering: true,

		BroadcastMCS: 0,

		ShortStatsWindow: 1,
		LongStatsWindow:  5,

		SendWindow: SendWindowConfig{
			MaxWin:             4,
			MCSIdxInit:         0,
			MCSIdxMin:          0,
			NumMCS:             3,
			ShortPERWindow:     1,
			LongPERWindow:      5,
			MinRetransmitDelay: 0.05,
			AckDelayWindow:     5,
		},
		AMC: AMCParams{
			MCSIdxMax:        2,
			Valid:            []bool{true, true, true},
			UpPERThreshold:   0.1,
			DownPERThreshold: 0.5,
			Alpha:            0.5,
			ProbFloor:        0.1,
		},
	}
}

// newTestController wires a Controller to a running timer queue on the
// system clock, the shape every scenario here needs for retransmission and
// SACK timers to actually fire.
func newTestController(t *testing.T, self packet.NodeID, source PacketSource, deliver Deliverer) (*Controller, *timerqueue.Queue) {
	t.Helper()
	keeper := clock.NewSystemKeeper()
	timers := timerqueue.New(keeper)
	timers.Start()
	t.Cleanup(timers.Stop)

	c := New(testControllerConfig(self), keeper, timers, source, deliver, nil)
	return c, timers
}

func dataPacket(dest packet.NodeID, payload string) *packet.Packet {
	return &packet.Packet{
		Header:    packet.Header{Flags: packet.Flags{HasSeq: true}},
		ExtHeader: packet.ExtHeader{Dest: dest},
		Dest:      dest,
		Payload:   []byte(payload),
	}
}

func Test_PullAssignsSequenceAndMCS(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	go src.Send(dataPacket(2, "hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := c.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, packet.Seq(0), out.Header.Seq)
	assert.True(t, out.Header.Flags.SYN, "first packet to a fresh neighbor carries SYN")
	assert.True(t, out.AssignedSeq)
	assert.Equal(t, packet.MCS(0), out.MCS)
}

func Test_PullReturnsErrStoppedAfterStop(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})
	c.Stop()

	_, err := c.Pull(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func Test_PullPiggybacksPendingAckOnNextOutgoingPacket(t *testing.T) {
	src := newChanSource()
	deliver := &recordingDeliverer{}
	c, _ := newTestController(t, 1, src, deliver)

	in := dataPacket(1, "ping")
	in.Header.CurHop = 2
	in.Header.NextHop = 1
	in.ExtHeader.Src = 2
	require.NoError(t, c.Receive(in))

	go src.Send(dataPacket(2, "reply"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := c.Pull(ctx)
	require.NoError(t, err)

	assert.True(t, out.Header.Flags.ACK)
	assert.Equal(t, packet.Seq(1), out.ExtHeader.Ack, "ack should cover the received SYN at seq 0")
}

func Test_NotifyTransmittedArmsRetransmitTimerAndRetransmitsOnTimeout(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	go src.Send(dataPacket(2, "hello"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := c.Pull(ctx)
	require.NoError(t, err)

	c.NotifyTransmitted(out, c.now())

	// No ACK arrives: the retransmission timer should fire and requeue
	// the same packet at the head of the pending queue.
	require.Eventually(t, func() bool {
		c.pendingMu.Lock()
		n := len(c.pending)
		c.pendingMu.Unlock()
		return n > 0
	}, time.Second, 5*time.Millisecond, "retransmit timer should have fired by now")

	retx, err := c.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, retx)
	assert.Equal(t, out.Header.Seq, retx.Header.Seq)
	assert.True(t, retx.Retransmission)
}

func Test_NotifyTransmittedSkipsTimerForBroadcast(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	pkt := &packet.Packet{Header: packet.Header{NextHop: packet.Broadcast, Flags: packet.Flags{Broadcast: true}}}
	// Must not panic despite carrying no destination neighbor state.
	c.NotifyTransmitted(pkt, c.now())
}

func Test_ReceiveDeliversInOrderAndBuffersOutOfOrder(t *testing.T) {
	deliver := &recordingDeliverer{}
	c, _ := newTestController(t, 1, newChanSource(), deliver)

	mk := func(seq packet.Seq, syn bool, payload string) *packet.Packet {
		p := dataPacket(1, payload)
		p.Header.CurHop = 2
		p.Header.NextHop = 1
		p.Header.Seq = seq
		p.Header.Flags.SYN = syn
		p.ExtHeader.Src = 2
		p.ExtHeader.Dest = 1
		p.AssignedSeq = true
		return p
	}

	// seq 0 is the SYN, establishing ack=0. Deliver seq 2 first (buffered,
	// out of order), then seq 1, which should release 1 and 2 together.
	require.NoError(t, c.Receive(mk(0, true, "zero")))
	require.NoError(t, c.Receive(mk(2, false, "two")))
	require.NoError(t, c.Receive(mk(1, false, "one")))

	got := deliver.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "zero", string(got[0].Payload))
	assert.Equal(t, "one", string(got[1].Payload))
	assert.Equal(t, "two", string(got[2].Payload))
}

func Test_ReceiveDropsPacketAddressedToAnotherNode(t *testing.T) {
	deliver := &recordingDeliverer{}
	c, _ := newTestController(t, 1, newChanSource(), deliver)

	pkt := dataPacket(9, "not for us")
	pkt.Header.CurHop = 2
	pkt.Header.NextHop = 9
	pkt.ExtHeader.Src = 2
	pkt.ExtHeader.Dest = 9

	require.NoError(t, c.Receive(pkt))
	assert.Empty(t, deliver.snapshot())
}

func Test_ReceiveIgnoresInvalidHeaderPacket(t *testing.T) {
	deliver := &recordingDeliverer{}
	c, _ := newTestController(t, 1, newChanSource(), deliver)

	pkt := dataPacket(1, "garbled")
	pkt.InvalidHeader = true
	require.NoError(t, c.Receive(pkt))
	assert.Empty(t, deliver.snapshot())
}

func Test_ReceiveBroadcastDeliversImmediatelyWithoutSequencing(t *testing.T) {
	deliver := &recordingDeliverer{}
	c, _ := newTestController(t, 1, newChanSource(), deliver)

	pkt := &packet.Packet{
		Header:    packet.Header{CurHop: 2, NextHop: packet.Broadcast, Flags: packet.Flags{Broadcast: true}},
		ExtHeader: packet.ExtHeader{Src: 2, Dest: packet.Broadcast},
		Payload:   []byte("beacon"),
	}
	require.NoError(t, c.Receive(pkt))

	got := deliver.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "beacon", string(got[0].Payload))
}

func Test_AckThroughReleasesSendWindowEntries(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	go src.Send(dataPacket(2, "data"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := c.Pull(ctx)
	require.NoError(t, err)
	c.NotifyTransmitted(out, c.now())

	nb := c.neighborFor(2)
	nb.mu.Lock()
	unackBefore := nb.send.Unack()
	nb.mu.Unlock()
	assert.Equal(t, packet.Seq(0), unackBefore)

	ack := &packet.Packet{
		Header:    packet.Header{CurHop: 2, NextHop: 1, Flags: packet.Flags{ACK: true}},
		ExtHeader: packet.ExtHeader{Src: 2, Dest: 1, Ack: 1},
	}
	require.NoError(t, c.Receive(ack))

	nb.mu.Lock()
	unackAfter := nb.send.Unack()
	win := nb.send.Win()
	nb.mu.Unlock()
	assert.Equal(t, packet.Seq(1), unackAfter)
	assert.Equal(t, uint32(4), win, "window should open to maxwin on first ack")
}

func Test_ReceiveExplicitNakRetransmitsImmediately(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	go src.Send(dataPacket(2, "data"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := c.Pull(ctx)
	require.NoError(t, err)
	c.NotifyTransmitted(out, c.now())

	nak := &packet.Packet{
		Header:    packet.Header{CurHop: 2, NextHop: 1},
		ExtHeader: packet.ExtHeader{Src: 2, Dest: 1},
		Controls:  []packet.Control{packet.Nak{Seq: 0}},
	}
	require.NoError(t, c.Receive(nak))

	retx, err := c.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, retx)
	assert.Equal(t, packet.Seq(0), retx.Header.Seq)
	assert.True(t, retx.Retransmission)
	assert.Equal(t, 1, retx.NRetransmit)
}

func Test_ReceiveSelectiveAckFillsGapAndReleasesEntries(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var sent []*packet.Packet
	for i := 0; i < 3; i++ {
		go src.Send(dataPacket(2, "data"))
		out, err := c.Pull(ctx)
		require.NoError(t, err)
		c.NotifyTransmitted(out, c.now())
		sent = append(sent, out)
		if i == 0 {
			// The window stays at 1 until the SYN is acknowledged.
			require.NoError(t, c.Receive(&packet.Packet{
				Header:    packet.Header{CurHop: 2, NextHop: 1, Flags: packet.Flags{ACK: true}},
				ExtHeader: packet.ExtHeader{Src: 2, Dest: 1, Ack: 1},
			}))
		}
	}
	require.Len(t, sent, 3)

	sack := &packet.Packet{
		Header:    packet.Header{CurHop: 2, NextHop: 1},
		ExtHeader: packet.ExtHeader{Src: 2, Dest: 1},
		Controls:  []packet.Control{packet.SelectiveAck{Begin: 1, End: 3}},
	}
	require.NoError(t, c.Receive(sack))

	nb := c.neighborFor(2)
	nb.mu.Lock()
	for _, s := range sent {
		e := nb.send.Entry(s.Header.Seq)
		assert.Nil(t, e.pkt, "selective-acked entries must be cleared")
	}
	nb.mu.Unlock()
}

func Test_SACKTimerEmitsAckOnlyPacketAfterQuietPeriod(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	pkt := dataPacket(1, "hi")
	pkt.Header.CurHop = 2
	pkt.Header.NextHop = 1
	pkt.Header.Seq = 0
	pkt.Header.Flags.SYN = true
	pkt.ExtHeader.Src = 2
	pkt.ExtHeader.Dest = 1
	pkt.Dest = 2 // the SACK timer keys off Header.CurHop, not this field
	pkt.AssignedSeq = true
	require.NoError(t, c.Receive(pkt))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		c.pendingMu.Lock()
		n := len(c.pending)
		c.pendingMu.Unlock()
		return n > 0
	}, time.Second, 5*time.Millisecond, "SACK timer should eventually emit a pending ack-only packet")

	out, err := c.Pull(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Header.Flags.ACK)
	assert.False(t, out.Header.Flags.HasSeq)
}

func Test_EnvironmentDiscontinuityResetsAMCAndPingsEveryNeighbor(t *testing.T) {
	src := newChanSource()
	c, _ := newTestController(t, 1, src, &recordingDeliverer{})

	nb := c.neighborFor(2)
	nb.mu.Lock()
	nb.send.mcsIdx = 2
	nb.mu.Unlock()

	c.EnvironmentDiscontinuity()

	nb.mu.Lock()
	resetMCS := nb.send.MCSIdx()
	nb.mu.Unlock()
	assert.Equal(t, packet.MCS(0), resetMCS, "discontinuity must snap MCS back to mcsidx_init")

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	require.Len(t, c.pending, 1)
	_, isPing := c.pending[0].Controls[0].(packet.Ping)
	assert.True(t, isPing)
}

func Test_NodeCreatesReachabilityStateOnFirstContact(t *testing.T) {
	c, _ := newTestController(t, 1, newChanSource(), &recordingDeliverer{})
	node := c.Node(5)
	require.NotNil(t, node)
	assert.Equal(t, packet.NodeID(5), node.ID)
	assert.False(t, node.Unreachable())

	node.SetUnreachable(true)
	assert.True(t, c.Node(5).Unreachable(), "Node must return the same instance on repeated calls")
}
