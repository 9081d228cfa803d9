// Package synthesizer implements the two synthesizer variants from
// spec.md section 4.5: a free-running channel synthesizer for FDMA
// (section 4.5.1) and a deadline-driven slot synthesizer for TDMA/slotted
// ALOHA (section 4.5.2). Both pull already-sequenced, ARQ-stamped packets
// and hand modulated IQ to the MAC. Grounded in DragonRadio's
// ChannelSynthesizer.cc and SlotSynthesizer.hh (original_source).
package synthesizer

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/dsp"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
)

// PacketSource is the pull port of already-sequenced, ARQ-stamped network
// packets (spec.md 4.5: "a pull port for network packets (with per-packet
// destination, MCS, gain)"). arq.Controller satisfies this directly.
type PacketSource interface {
	Pull(ctx context.Context) (*packet.Packet, error)
}

// Output is one modulated, channel-placed IQ run, the synthesizer's
// product (spec.md 4.5, "modulated IQ buffers associated with a channel
// and a destination slot or deadline").
type Output struct {
	Samples      []complex64
	ChannelIndex int
	Pkt          *packet.Packet
}

// Config collects the tunables shared by both synthesizer variants.
type Config struct {
	TXRate        float64
	Channels      []channel.Channel
	PrototypeTaps []complex64
	NewModulator  phy.ModulatorFactory
	Source        PacketSource
	Logger        *log.Logger

	// ChannelFor maps a packet to the channel index it should be placed
	// on. Defaults to the single-channel case (always channel 0) when nil,
	// since spec.md's per-packet data (destination, MCS, gain) carries no
	// channel assignment of its own; a deployment with multiple FDMA
	// channels supplies a destination-to-channel table here.
	ChannelFor func(pkt *packet.Packet) int
}

func (c Config) channelFor(pkt *packet.Packet) int {
	if c.ChannelFor != nil {
		return c.ChannelFor(pkt)
	}
	return 0
}

func upconverter(cfg Config, ch channel.Channel) *dsp.MixingRationalResampler {
	l := int(cfg.TXRate / ch.BW)
	if l < 1 {
		l = 1
	}
	theta := ch.FC / cfg.TXRate
	return dsp.NewMixingRationalResampler(l, 1, theta, cfg.PrototypeTaps)
}

// ChannelSynthesizer is the FDMA variant (spec.md 4.5.1): a free-running
// worker pool, each worker pulling one packet at a time, modulating it at
// its destination's current MCS, upsampling/mixing onto its assigned
// channel, and enqueuing the result on a bounded sample queue that the MAC
// drains.
type ChannelSynthesizer struct {
	cfg   Config
	queue chan *Output
	log   *log.Logger

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewChannelSynthesizer builds a ChannelSynthesizer with nWorkers pulling
// concurrently and a sample-count high-water mark of queueDepth outputs.
func NewChannelSynthesizer(cfg Config, nWorkers, queueDepth int) *ChannelSynthesizer {
	s := &ChannelSynthesizer{
		cfg:   cfg,
		queue: make(chan *Output, queueDepth),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With("component", "synthesizer-channel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	for i := 0; i < nWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s
}

// Output returns the synthesizer's output port; the MAC drains it.
func (s *ChannelSynthesizer) Output() <-chan *Output { return s.queue }

// Stop terminates all workers and closes the output queue after they
// drain (spec.md section 5, "stop() ... disables all queues").
func (s *ChannelSynthesizer) Stop() {
	s.stop()
	s.wg.Wait()
	close(s.queue)
}

func (s *ChannelSynthesizer) worker(ctx context.Context) {
	defer s.wg.Done()

	resamplers := make(map[int]*dsp.MixingRationalResampler)
	for {
		pkt, err := s.cfg.Source.Pull(ctx)
		if err != nil {
			return
		}

		chIdx := s.cfg.channelFor(pkt)
		r, ok := resamplers[chIdx]
		if !ok {
			r = upconverter(s.cfg, s.cfg.Channels[chIdx])
			resamplers[chIdx] = r
		}

		mod := s.cfg.NewModulator(pkt.Dest)
		var mp phy.ModPacket
		if err := mod.Modulate(pkt, pkt.Gain, &mp); err != nil {
			if s.log != nil {
				s.log.Warn("modulation failed", "err", err)
			}
			continue
		}

		out := r.ResampleMixUp(mp.Samples, nil)
		select {
		case s.queue <- &Output{Samples: out, ChannelIndex: chIdx, Pkt: pkt}:
		case <-ctx.Done():
			return
		}
	}
}

