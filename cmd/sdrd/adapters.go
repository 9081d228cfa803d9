package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/arq"
	"github.com/n0sdr/corenet/internal/channelizer"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/config"
	"github.com/n0sdr/corenet/internal/discovery"
	"github.com/n0sdr/corenet/internal/dsp"
	"github.com/n0sdr/corenet/internal/iqbuf"
	"github.com/n0sdr/corenet/internal/neighbor"
	"github.com/n0sdr/corenet/internal/nettap"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/snapshot"
)

// tapDeliverer adapts nettap.Tap's Push to arq.Deliverer, the port the
// controller uses to hand a fully reassembled inbound packet to the local
// client.
type tapDeliverer struct {
	tap nettap.Tap
}

func (d tapDeliverer) Deliver(pkt *packet.Packet) {
	d.tap.Push(pkt)
}

// txNotifier fans a transmit notification out to both the ARQ controller
// (so it can arm retransmit timers and track reachability) and the tap
// (so its client sees the current per-neighbor MCS).
type txNotifier struct {
	controller *arq.Controller
	tap        nettap.Tap
}

func (n txNotifier) NotifyTransmitted(pkt *packet.Packet, txTime clock.Time) {
	n.controller.NotifyTransmitted(pkt, txTime)
	n.tap.UpdateMCS(pkt.Dest, pkt.MCS)
}

// snapshotChannelizer decorates a mac.Channelizer so every RX buffer is
// also offered to the snapshot collector before being demodulated,
// mirroring the teacher's practice of tapping the RX path for the IQ
// recorder without touching the demodulation pipeline itself. snap may be
// nil when snapshotting is disabled.
type snapshotChannelizer struct {
	inner interface {
		Push(buf *iqbuf.Buf)
		SetSink(sink channelizer.Sink)
	}
	snap *snapshot.Collector
}

func (c snapshotChannelizer) Push(buf *iqbuf.Buf) {
	if c.snap != nil {
		c.snap.Push(buf)
	}
	c.inner.Push(buf)
}

func (c snapshotChannelizer) SetSink(sink channelizer.Sink) {
	c.inner.SetSink(sink)
}

// boxcarPrototype builds the channelizer/synthesizer's polyphase prototype
// filter. A properly designed (Parks-McClellan/Kaiser) channel filter is
// out of scope; internal/dsp's own polyphase tests use the same boxcar
// stand-in for the same reason (internal/dsp/polyphase_test.go).
func boxcarPrototype(cfg config.Config, factor int) []complex64 {
	n := factor * dsp.NextPow2(len(cfg.Channels)+1)
	taps := make([]complex64, n)
	gain := complex64(complex(1/float64(n), 0))
	for i := range taps {
		taps[i] = gain
	}
	return taps
}

// pollLinkStatus periodically reflects each configured node's ARQ
// reachability onto the tap, so the tap's client sees link up/down events
// (spec.md 6.3). arq.Controller exposes reachability only by per-node
// lookup, not as an enumerable set, so this walks the YAML node list
// rather than anything controller-internal.
func pollLinkStatus(ctx context.Context, controller *arq.Controller, tap nettap.Tap, nodes []config.Node, keeper clock.Keeper) {
	open := make(map[packet.NodeID]bool, len(nodes))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range nodes {
				id := packet.NodeID(n.ID)
				up := !controller.Node(id).Unreachable()
				if open[id] != up {
					open[id] = up
					tap.SetLinkStatus(id, up)
				}
			}
		}
	}
}

// runDiscovery advertises this node's control-plane endpoint and browses
// for peers, feeding discovered name/host pairs into the neighbor table
// (spec.md 4.10). It blocks; run it in a goroutine.
func runDiscovery(ctx context.Context, cfg config.Config, neighbors *neighbor.Table, keeper clock.Keeper, logger *log.Logger) {
	adv, err := discovery.NewAdvertiser(fmt.Sprintf("node-%d", cfg.SelfNodeID), cfg.Discovery.Port, cfg.IsGateway, logger)
	if err != nil {
		if logger != nil {
			logger.Error("discovery: advertiser setup failed", "err", err)
		}
		return
	}
	go func() {
		if err := adv.Respond(ctx); err != nil && ctx.Err() == nil && logger != nil {
			logger.Error("discovery: responder stopped", "err", err)
		}
	}()

	browser := discovery.NewBrowser(logger)
	onAdd := func(peer discovery.PeerFound) {
		var id int
		if _, err := fmt.Sscanf(peer.Name, "node-%d", &id); err != nil {
			return
		}
		entry, ok := neighbors.Get(packet.NodeID(id))
		if !ok {
			entry = neighbors.Observe(packet.NodeID(id), peer.IsGateway, keeper.Now())
		}
		entry.SetDiscovery(peer.Name, peer.Host)
	}
	onRemove := func(discovery.PeerFound) {}

	if err := browser.Browse(ctx, onAdd, onRemove); err != nil && ctx.Err() == nil && logger != nil {
		logger.Error("discovery: browse stopped", "err", err)
	}
}
