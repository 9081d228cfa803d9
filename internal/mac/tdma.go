package mac

import (
	"context"
	"sync"
	"time"

	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/synthesizer"
)

// LeftoverQueue is where a slot's overflow packet goes when it didn't fit
// and no superslot saved it (spec.md 4.5.2, "late packets fall back into
// the general queue"). A deployment typically wires this to the same
// network tap/ARQ packet source the synthesizer itself pulls from, by
// pushing at the head.
type LeftoverQueue interface {
	Repush(pkt *packet.Packet)
}

// SlotScheduler is the common slot-walking skeleton shared by TDMA
// (spec.md 4.6.2) and Slotted ALOHA (4.6.3): it walks a channel.Schedule,
// and for each slot we may transmit in, builds a Slot with a deadline set
// to the slot's wall-clock start minus SlotSendLeadTime, hands it to the
// synthesizer to fill, then transmits the accumulated IQ at the deadline.
// SlottedALOHA embeds this and overrides shouldTransmit to add the random
// yield.
type SlotScheduler struct {
	*base

	Schedule *channel.Schedule
	Synth    *synthesizer.SlotSynthesizer
	Leftover LeftoverQueue
	Keeper   clock.Keeper

	SlotDuration     time.Duration
	SlotSendLeadTime time.Duration
	MaxSlotSamples   int // tx_slot_samples: overrun guard (spec.md 4.6, "all slotted MACs guard against slot overrun")
	FullSlotSamples  int
	Superslots       bool

	// shouldTransmit decides whether to use an otherwise-eligible slot.
	// TDMA always returns true; Slotted ALOHA draws Bernoulli(p).
	shouldTransmit func() bool

	epoch    clock.Time
	once     sync.Once
	slotIdx  int64
}

func (s *SlotScheduler) init() {
	s.once.Do(func() {
		s.epoch = s.Keeper.Now()
		if s.shouldTransmit == nil {
			s.shouldTransmit = func() bool { return true }
		}
	})
}

// deadlineFor returns the wall-clock start of slot n, minus the send lead
// time, per spec.md 4.6.2.
func (s *SlotScheduler) deadlineFor(n int64) clock.Time {
	start := s.epoch.AddSeconds(float64(n) * s.SlotDuration.Seconds())
	return start.AddSeconds(-s.SlotSendLeadTime.Seconds())
}

// ourChannelForSlot returns the lowest channel index we may transmit on
// during schedule row slot % NumSlots(), or -1 if none.
func (s *SlotScheduler) ourChannelForSlot(slot int) int {
	n := s.Schedule.NumSlots()
	if n == 0 {
		return -1
	}
	row := slot % n
	for c, r := range s.Schedule.Rows {
		if row < len(r) && r[row] {
			return c
		}
	}
	return -1
}

// run is the slot worker: find the next slot we may use, build it, fill
// it, close it at the deadline, and transmit. Shared between TDMA and
// Slotted ALOHA.
func (s *SlotScheduler) run(ctx context.Context) {
	defer s.wg.Done()
	s.init()

	for {
		if s.barrier.NeedsSync() {
			s.barrier.Sync()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		chIdx := s.ourChannelForSlot(int(s.slotIdx))
		if chIdx < 0 || !s.shouldTransmit() {
			// Not our slot (or we yielded it): no IQ to build, and the
			// deadline formula is wall-clock-absolute, so skipping ahead
			// costs nothing — we still arrive at the next eligible slot at
			// its correct deadline.
			s.slotIdx++
			continue
		}

		deadline := s.deadlineFor(s.slotIdx)
		slot := synthesizer.NewSlot(deadline, 0, s.MaxSlotSamples, s.FullSlotSamples, int(s.slotIdx), chIdx)

		superfill := s.Superslots && s.ourChannelForSlot(int(s.slotIdx)+1) == chIdx

		// Fill only until the slot's own deadline: a source that runs dry
		// must not block the slot worker past the moment it needs to
		// transmit (spec.md 4.6.2, "the TX worker transmits the slot's
		// accumulated IQ at the deadline").
		fillCtx, fillCancel := context.WithDeadline(ctx, deadlineTime(deadline, s.Keeper))
		leftover := s.Synth.Fill(fillCtx, slot, superfill)
		fillCancel()
		if leftover != nil && s.Leftover != nil {
			s.Leftover.Repush(leftover)
		}

		s.sleepUntil(ctx, deadline)
		slot.Close()

		if samples := slot.Samples(); len(samples) > 0 {
			if err := s.cfg.FrontEnd.BurstTX(deadline, true, true, true, [][]complex64{samples}); err != nil && s.log != nil {
				s.log.Warn("slot TX failed", "err", err)
			}
		}

		s.slotIdx++
		if superfill {
			s.slotIdx++ // the next slot's samples were folded into this superslot
		}
	}
}

// deadlineTime converts a clock.Time deadline into an absolute time.Time
// suitable for context.WithDeadline, anchored on keeper's notion of now.
func deadlineTime(deadline clock.Time, keeper clock.Keeper) time.Time {
	return time.Now().Add(deadline.Sub(keeper.Now()).Duration())
}

func (s *SlotScheduler) sleepUntil(ctx context.Context, deadline clock.Time) {
	d := deadline.Sub(s.Keeper.Now()).Duration()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// TDMA is the slotted MAC variant (spec.md 4.6.2): it always uses an
// eligible slot.
type TDMA struct {
	*SlotScheduler
}

// NewTDMA builds a TDMA MAC.
func NewTDMA(cfg Config, s *SlotScheduler) *TDMA {
	s.base = newBase(cfg, 2, "mac-tdma")
	s.shouldTransmit = func() bool { return true }
	return &TDMA{SlotScheduler: s}
}

// Start launches the RX and slot workers.
func (m *TDMA) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	if err := m.startRX(ctx); err != nil {
		cancel()
		return err
	}
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts both workers.
func (m *TDMA) Stop() { m.stop() }
