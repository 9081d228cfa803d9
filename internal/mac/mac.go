// Package mac implements the three MAC variants of spec.md section 4.6,
// sharing one skeleton: an RX worker pushing IQ buffers into the
// channelizer, a TX worker pulling samples from the synthesizer and
// reporting each transmitted packet upstream itself, and a
// reconfiguration barrier (internal/syncbarrier) quiescing them all on a
// schedule or rate change. Grounded in DragonRadio's MAC.hh/.cc,
// FDMA.cc/.hh, SlottedMAC.hh/.cc and SlottedALOHA.cc/.hh (original_source).
package mac

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/channelizer"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/iqbuf"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/radio"
	"github.com/n0sdr/corenet/internal/syncbarrier"
)

// Channelizer is the subset of channelizer.TimeDomain/FreqDomain the MAC
// drives: push a complete wideband IQ buffer in, install the decode sink.
type Channelizer interface {
	Push(buf *iqbuf.Buf)
	SetSink(sink channelizer.Sink)
}

// TXNotifier is the upstream port told about every transmitted packet
// (spec.md 4.7.3, "on transmit notification"). arq.Controller satisfies
// this directly.
type TXNotifier interface {
	NotifyTransmitted(pkt *packet.Packet, txTime clock.Time)
}

// Config collects the tunables and collaborators shared by all three MAC
// variants.
type Config struct {
	FrontEnd    radio.FrontEnd
	Channelizer Channelizer
	Notifier    TXNotifier
	Logger      *log.Logger
}

// base is the common worker skeleton embedded by each MAC variant. It owns
// the RX worker and the syncbarrier that quiesces every MAC worker during
// reconfiguration (spec.md 4.9); TX-path workers are variant-specific and
// registered separately.
type base struct {
	cfg    Config
	log    *log.Logger
	barrier *syncbarrier.Barrier

	wg     sync.WaitGroup
	cancel context.CancelFunc

	rxSeq uint64
}

func newBase(cfg Config, nWorkers int, component string) *base {
	b := &base{cfg: cfg, barrier: syncbarrier.New(nWorkers)}
	if cfg.Logger != nil {
		b.log = cfg.Logger.With("component", component)
	}
	return b
}

// startRX launches the RX worker: it reads IQ sample blocks from the front
// end's RX stream and pushes sequenced buffers into the channelizer,
// quiescing at the barrier between reads so a reconfiguration (schedule or
// rate change) can swap the channelizer's config safely.
func (b *base) startRX(ctx context.Context) error {
	rxCh, err := b.cfg.FrontEnd.StartRXStream(clock.Time{}, false)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			if b.barrier.NeedsSync() {
				b.barrier.Sync()
			}
			select {
			case <-ctx.Done():
				b.cfg.FrontEnd.StopRXStream()
				return
			case samples, ok := <-rxCh:
				if !ok {
					return
				}
				buf := iqbuf.New(b.rxSeq, len(samples))
				b.rxSeq++
				buf.Append(samples)
				buf.MarkComplete()
				b.cfg.Channelizer.Push(buf)
			}
		}
	}()
	return nil
}

// notifyTransmitted reports one transmitted packet upstream and arms its
// retransmission timer (spec.md 4.7.3).
func (b *base) notifyTransmitted(pkt *packet.Packet, txTime clock.Time) {
	if b.cfg.Notifier != nil {
		b.cfg.Notifier.NotifyTransmitted(pkt, txTime)
	}
}

// Stop cancels all workers and waits for them to exit (spec.md section 5,
// "stop() ... joins worker threads").
func (b *base) stop() {
	b.barrier.Stop()
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
