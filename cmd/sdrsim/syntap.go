package main

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/arq"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/nettap"
	"github.com/n0sdr/corenet/internal/packet"
)

// tapDeliverer and txNotifier mirror cmd/sdrd's adapters of the same name
// (commands are separate main packages, so those can't be imported here).

// tapDeliverer adapts nettap.Tap's Push to arq.Deliverer.
type tapDeliverer struct {
	tap nettap.Tap
}

func (d tapDeliverer) Deliver(pkt *packet.Packet) {
	d.tap.Push(pkt)
}

// txNotifier fans a transmit notification out to both the ARQ controller
// and the tap's per-neighbor MCS bookkeeping.
type txNotifier struct {
	controller *arq.Controller
	tap        nettap.Tap
}

func (n txNotifier) NotifyTransmitted(pkt *packet.Packet, txTime clock.Time) {
	n.controller.NotifyTransmitted(pkt, txTime)
	n.tap.UpdateMCS(pkt.Dest, pkt.MCS)
}

// SyntheticTap stands in for ptytap/serialtap when there's no real client
// application: Generate enqueues outbound traffic the way a client app's
// frame would arrive via readLoop, and Push (inbound delivery) records the
// packet instead of writing it back out to a pty or serial line. It keeps
// the same split ptytap.Tap uses -- a private *nettap.Queue for the
// outbound direction, a distinct Push for inbound -- since that queue is
// the only outbound FIFO in the tree worth reusing.
type SyntheticTap struct {
	out *nettap.Queue
	log *log.Logger

	mu        sync.Mutex
	delivered []*packet.Packet
	linkOpen  map[packet.NodeID]bool
	mcs       map[packet.NodeID]packet.MCS
}

// NewSyntheticTap returns an empty, open synthetic tap.
func NewSyntheticTap(logger *log.Logger) *SyntheticTap {
	return &SyntheticTap{
		out:      nettap.NewQueue(),
		log:      logger,
		linkOpen: make(map[packet.NodeID]bool),
		mcs:      make(map[packet.NodeID]packet.MCS),
	}
}

// Generate enqueues pkt for transmission, as if a client app had written
// it to the tap.
func (t *SyntheticTap) Generate(pkt *packet.Packet) {
	t.out.Push(pkt)
}

// Pull implements nettap.Tap / arq.PacketSource.
func (t *SyntheticTap) Pull(ctx context.Context) (*packet.Packet, error) {
	return t.out.Pull(ctx)
}

// Push implements nettap.Tap: it records pkt instead of handing it to a
// client app.
func (t *SyntheticTap) Push(pkt *packet.Packet) {
	t.mu.Lock()
	t.delivered = append(t.delivered, pkt)
	t.mu.Unlock()
	if t.log != nil {
		t.log.Info("delivered", "src", pkt.ExtHeader.Src, "seq", pkt.Header.Seq, "bytes", len(pkt.Payload))
	}
}

// Delivered returns every packet delivered so far, in delivery order.
func (t *SyntheticTap) Delivered() []*packet.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*packet.Packet(nil), t.delivered...)
}

// Repush implements nettap.Tap.
func (t *SyntheticTap) Repush(pkt *packet.Packet) { t.out.Repush(pkt) }

// PushHi implements nettap.Tap.
func (t *SyntheticTap) PushHi(pkt *packet.Packet) { t.out.PushHi(pkt) }

// SetLinkStatus implements nettap.Tap.
func (t *SyntheticTap) SetLinkStatus(node packet.NodeID, open bool) {
	t.mu.Lock()
	t.linkOpen[node] = open
	t.mu.Unlock()
	if t.log != nil {
		t.log.Info("link status", "node", node, "open", open)
	}
}

// UpdateMCS implements nettap.Tap.
func (t *SyntheticTap) UpdateMCS(node packet.NodeID, mcs packet.MCS) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mcs[node] = mcs
}

// Kick implements nettap.Tap.
func (t *SyntheticTap) Kick() { t.out.Kick() }

// Stop implements nettap.Tap.
func (t *SyntheticTap) Stop() { t.out.Stop() }
