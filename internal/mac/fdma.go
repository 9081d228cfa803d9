package mac

import (
	"context"
	"time"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/synthesizer"
)

// FDMA is the streaming MAC variant (spec.md 4.6.1): the TX worker polls
// the channel synthesizer's sample queue, continuing the current burst
// while samples are available and stopping it the moment the queue empties.
type FDMA struct {
	*base
	synth *synthesizer.ChannelSynthesizer

	// PreciseTimestamps, when set, produces accurate TX timestamps by
	// stopping the current burst and starting a new one at a known time in
	// the near future, at the cost of latency (spec.md 4.6.1).
	PreciseTimestamps bool
	TimestampLeadTime time.Duration
}

// NewFDMA builds an FDMA MAC driving synth's output onto cfg.FrontEnd.
func NewFDMA(cfg Config, synth *synthesizer.ChannelSynthesizer) *FDMA {
	return &FDMA{base: newBase(cfg, 2, "mac-fdma"), synth: synth}
}

// Start launches the RX and TX workers.
func (m *FDMA) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.startRX(ctx); err != nil {
		cancel()
		return err
	}

	m.wg.Add(1)
	go m.txLoop(ctx)
	return nil
}

// Stop halts both workers.
func (m *FDMA) Stop() { m.stop() }

func (m *FDMA) txLoop(ctx context.Context) {
	defer m.wg.Done()

	inBurst := false
	for {
		if m.barrier.NeedsSync() {
			m.barrier.Sync()
		}

		select {
		case <-ctx.Done():
			if inBurst {
				m.cfg.FrontEnd.StopTXBurst()
			}
			return
		case out, ok := <-m.synth.Output():
			if !ok {
				return
			}
			start := !inBurst
			when, hasWhen := clock.Time{}, false
			if start && m.PreciseTimestamps {
				when, hasWhen = m.cfg.FrontEnd.Now().Add(clock.FromDuration(m.TimestampLeadTime)), true
			}
			if err := m.cfg.FrontEnd.BurstTX(when, hasWhen, start, false, [][]complex64{out.Samples}); err != nil {
				if m.log != nil {
					m.log.Warn("TX burst failed", "err", err)
				}
				continue
			}
			inBurst = true

			txTime, _ := m.cfg.FrontEnd.GetNextTXTime()
			m.notifyTransmitted(out.Pkt, txTime)

			if !m.moreQueued() {
				m.cfg.FrontEnd.StopTXBurst()
				inBurst = false
			}
		}
	}
}

// moreQueued reports whether another output is already buffered, the
// signal the TX worker uses to decide whether the burst continues or stops
// (spec.md 4.6.1, "if the queue empties it stops the burst"). This checks
// depth rather than consuming, since the next txLoop iteration does the
// actual receive.
func (m *FDMA) moreQueued() bool {
	return len(m.synth.Output()) > 0
}
