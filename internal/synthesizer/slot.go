package synthesizer

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/dsp"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
)

// Slot is one transmit slot under construction (spec.md 4.5.2), grounded
// in DragonRadio's SlotSynthesizer::Slot (original_source,
// phy/SlotSynthesizer.hh).
type Slot struct {
	mu sync.Mutex

	Deadline         clock.Time
	DeadlineDelay    int // samples to delay the deadline, for TX lead time
	MaxSamples       int
	FullSlotSamples  int
	SlotIdx          int
	ChannelIndex     int

	closed   bool
	samples  []complex64
	npackets int
}

// NewSlot constructs an empty Slot ready to accept modulated packets.
func NewSlot(deadline clock.Time, deadlineDelay, maxSamples, fullSlotSamples, slotIdx, channelIdx int) *Slot {
	return &Slot{
		Deadline:        deadline,
		DeadlineDelay:   deadlineDelay,
		MaxSamples:      maxSamples,
		FullSlotSamples: fullSlotSamples,
		SlotIdx:         slotIdx,
		ChannelIndex:    channelIdx,
	}
}

// Close marks the slot closed for further samples (spec.md 4.5.2, "a slot
// is closed when the MAC signals that its deadline is imminent").
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Slot) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Samples returns the slot's accumulated IQ, valid once the slot is closed.
func (s *Slot) Samples() []complex64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// tryAppend appends n modulated samples to the slot if they fit within
// max_samples, or if overfill is set and the slot isn't full yet
// (spec.md 4.5.2, "a superslot is permitted"). It reports whether the
// samples were accepted.
func (s *Slot) tryAppend(samples []complex64, overfill bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	n := len(samples)
	fits := len(s.samples)+n <= s.MaxSamples
	room := len(s.samples) < s.MaxSamples && overfill
	if !fits && !room {
		return false
	}
	s.samples = append(s.samples, samples...)
	s.npackets++
	return true
}

// SlotSynthesizer is the TDMA/slotted-ALOHA synthesizer variant
// (spec.md 4.5.2): for each transmit slot handed to it, workers pull and
// modulate packets, packing them into the slot's IQ buffer until the next
// packet wouldn't fit.
type SlotSynthesizer struct {
	cfg        Config
	resamplers map[int]*dsp.MixingRationalResampler
	log        *log.Logger
}

// NewSlotSynthesizer builds a SlotSynthesizer.
func NewSlotSynthesizer(cfg Config) *SlotSynthesizer {
	s := &SlotSynthesizer{cfg: cfg, resamplers: make(map[int]*dsp.MixingRationalResampler)}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With("component", "synthesizer-slot")
	}
	return s
}

func (s *SlotSynthesizer) upconverterFor(ch channel.Channel, idx int) *dsp.MixingRationalResampler {
	r, ok := s.resamplers[idx]
	if !ok {
		r = upconverter(s.cfg, ch)
		s.resamplers[idx] = r
	}
	return r
}

// Fill pulls and modulates packets into slot until it's full, closed, or
// the context is cancelled, honoring overfill for superslots spanning two
// of our consecutive slots (spec.md 4.5.2). Timestamp-bearing packets are
// modulated while the caller holds no other lock on slot, so the offset
// within the slot (needed to stamp the transmit timestamp) is stable by
// the time Fill returns for that packet.
//
// If a pulled packet doesn't fit, Fill stops and returns it rather than
// silently dropping it: the MAC is responsible for handing it back to the
// general queue for a later slot (spec.md 4.5.2, "late packets fall back
// into the general queue"), since PacketSource exposes no generic
// push-back.
func (s *SlotSynthesizer) Fill(ctx context.Context, slot *Slot, overfill bool) *packet.Packet {
	ch := s.cfg.Channels[slot.ChannelIndex]
	r := s.upconverterFor(ch, slot.ChannelIndex)

	for !slot.isClosed() {
		pkt, err := s.cfg.Source.Pull(ctx)
		if err != nil {
			return nil
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
		if pkt.IsTimestamp {
			s.stampTimestamp(slot, pkt, len(out))
		}

		if !slot.tryAppend(out, overfill) {
			return pkt
		}
	}
	return nil
}

// stampTimestamp derives the packet's transmit timestamp from the slot's
// deadline plus its offset within the slot's samples (spec.md 4.5.2).
func (s *SlotSynthesizer) stampTimestamp(slot *Slot, pkt *packet.Packet, nSamples int) {
	slot.mu.Lock()
	offsetSamples := len(slot.samples)
	slot.mu.Unlock()

	offsetSeconds := float64(offsetSamples) / s.cfg.TXRate
	pkt.TXTimestamp = slot.Deadline.AddSeconds(offsetSeconds)
}
