package synthesizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out a fixed number of packets, then reports a drained
// source by blocking until ctx is cancelled.
type fakeSource struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func (s *fakeSource) Pull(ctx context.Context) (*packet.Packet, error) {
	s.mu.Lock()
	if len(s.pkts) > 0 {
		pkt := s.pkts[0]
		s.pkts = s.pkts[1:]
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeModulator produces n silent samples per packet regardless of
// destination, tracking how many times it was asked to modulate.
type fakeModulator struct {
	nSamples int
	calls    atomic.Int64
}

func (m *fakeModulator) Modulate(pkt *packet.Packet, gain float64, out *phy.ModPacket) error {
	m.calls.Add(1)
	out.Samples = make([]complex64, m.nSamples)
	out.Pkt = pkt
	out.NSamples = m.nSamples
	return nil
}

func (m *fakeModulator) ModulatedSize(mcs packet.MCS, nBytes int) int {
	return m.nSamples
}

func (m *fakeModulator) MinTXRateOversample() float64 { return 1 }

var errModulateFailed = errors.New("modulation failed")

type failingModulator struct{}

func (failingModulator) Modulate(pkt *packet.Packet, gain float64, out *phy.ModPacket) error {
	return errModulateFailed
}

func (failingModulator) ModulatedSize(packet.MCS, int) int { return 0 }
func (failingModulator) MinTXRateOversample() float64      { return 1 }

// testChannel has BW == TXRate so the upconverter runs at l=1, m=1 and
// leaves sample counts unchanged, which keeps slot-packing arithmetic in
// these tests exact.
func testChannel() channel.Channel {
	return channel.Channel{FC: 0, BW: 40000}
}

func Test_ChannelSynthesizerModulatesAndUpconverts(t *testing.T) {
	mod := &fakeModulator{nSamples: 32}
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}, Dest: 2, Gain: 1.0},
		{Header: packet.Header{Seq: 1}, Dest: 2, Gain: 1.0},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1, 1, 1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
	}

	s := NewChannelSynthesizer(cfg, 1, 4)
	defer s.Stop()

	var outs []*Output
	for i := 0; i < 2; i++ {
		select {
		case out := <-s.Output():
			require.NotNil(t, out)
			outs = append(outs, out)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for synthesizer output")
		}
	}

	assert.Len(t, outs, 2)
	for _, out := range outs {
		assert.Equal(t, 0, out.ChannelIndex, "ChannelFor defaults to channel 0")
		assert.NotEmpty(t, out.Samples)
	}
	assert.GreaterOrEqual(t, mod.calls.Load(), int64(2))
}

func Test_ChannelSynthesizerUsesChannelForPolicy(t *testing.T) {
	mod := &fakeModulator{nSamples: 16}
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}, Dest: 9},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{{FC: -5000, BW: 8000}, {FC: 5000, BW: 8000}},
		PrototypeTaps: []complex64{1, 1, 1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
		ChannelFor: func(pkt *packet.Packet) int {
			if pkt.Dest == 9 {
				return 1
			}
			return 0
		},
	}

	s := NewChannelSynthesizer(cfg, 1, 4)
	defer s.Stop()

	select {
	case out := <-s.Output():
		assert.Equal(t, 1, out.ChannelIndex)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesizer output")
	}
}

func Test_ChannelSynthesizerSkipsFailedModulation(t *testing.T) {
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1, 1, 1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return failingModulator{} },
		Source:        src,
	}

	s := NewChannelSynthesizer(cfg, 1, 4)

	select {
	case out := <-s.Output():
		t.Fatalf("expected no output for a packet that failed to modulate, got %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
	s.Stop()
}

func Test_ChannelSynthesizerStopDrainsWorkersAndClosesQueue(t *testing.T) {
	src := &fakeSource{}
	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1, 1, 1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return &fakeModulator{nSamples: 8} },
		Source:        src,
	}

	s := NewChannelSynthesizer(cfg, 2, 4)
	s.Stop()

	_, ok := <-s.Output()
	assert.False(t, ok, "Stop must close the output queue once workers exit")
}

func Test_SlotFillPacksUntilFullThenLeavesRemainderForGeneralQueue(t *testing.T) {
	mod := &fakeModulator{nSamples: 10}
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}},
		{Header: packet.Header{Seq: 1}},
		{Header: packet.Header{Seq: 2}},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
	}

	s := NewSlotSynthesizer(cfg)
	slot := NewSlot(clock.FromSeconds(1.0), 0, 25, 25, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	leftover := s.Fill(ctx, slot, false)

	assert.Len(t, slot.Samples(), 20, "third packet's 10 samples would overflow max_samples=25's last 10, but 2*10=20 fits and a 3rd doesn't (20+10=30 > 25)")
	require.NotNil(t, leftover, "the packet that didn't fit must be handed back for the general queue")
	assert.Equal(t, packet.Seq(2), leftover.Header.Seq)
}

func Test_SlotFillOverfillAllowsOneMoreThanExactFit(t *testing.T) {
	mod := &fakeModulator{nSamples: 10}
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}},
		{Header: packet.Header{Seq: 1}},
		{Header: packet.Header{Seq: 2}},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
	}

	s := NewSlotSynthesizer(cfg)
	// MaxSamples=15 so even the first packet (10) leaves room (<15) for a
	// superslot overfill on the second.
	slot := NewSlot(clock.FromSeconds(1.0), 0, 15, 15, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Fill(ctx, slot, true)

	assert.Equal(t, 20, len(slot.Samples()), "overfill must accept one packet past the limit once room remains")
}

func Test_SlotFillStopsWhenClosed(t *testing.T) {
	mod := &fakeModulator{nSamples: 5}
	src := &fakeSource{pkts: []*packet.Packet{
		{Header: packet.Header{Seq: 0}},
	}}

	cfg := Config{
		TXRate:        40000,
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
	}

	s := NewSlotSynthesizer(cfg)
	slot := NewSlot(clock.FromSeconds(1.0), 0, 1000, 1000, 0, 0)
	slot.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Fill(ctx, slot, false)

	assert.Empty(t, slot.Samples(), "a closed slot must accept no further samples")
	assert.Len(t, src.pkts, 1, "Fill must not have pulled from a closed slot")
}

func Test_SlotStampsTimestampRelativeToDeadline(t *testing.T) {
	mod := &fakeModulator{nSamples: 100}
	pkt := &packet.Packet{Header: packet.Header{Seq: 0}, IsTimestamp: true}
	src := &fakeSource{pkts: []*packet.Packet{pkt}}

	cfg := Config{
		TXRate:        100, // 100 samples/sec, so an offset of 0 samples = 0s
		Channels:      []channel.Channel{testChannel()},
		PrototypeTaps: []complex64{1},
		NewModulator:  func(packet.NodeID) phy.Modulator { return mod },
		Source:        src,
	}

	s := NewSlotSynthesizer(cfg)
	deadline := clock.FromSeconds(10.0)
	slot := NewSlot(deadline, 0, 1000, 1000, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Fill(ctx, slot, false)

	assert.Equal(t, deadline.Seconds(), pkt.TXTimestamp.Seconds(), "first packet in an empty slot has zero offset")
}
