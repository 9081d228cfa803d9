// Package arq implements the selective-repeat ARQ link-layer controller
// from spec.md section 4.7: per-neighbor send/receive sliding windows, an
// adaptive modulation-and-coding loop, and the ACK/SACK/NAK protocol that
// ties them together. Grounded throughout on DragonRadio's SmartController
// (original_source, llc/SmartController.cc/.hh).
package arq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/timerqueue"
)

// PacketSource is the upstream pull port the controller draws
// not-yet-sequenced network packets from (spec.md 6.3, Network tap's Pull).
type PacketSource interface {
	Pull(ctx context.Context) (*packet.Packet, error)
}

// Deliverer receives packets released to the upper layer in sequence
// order (spec.md 4.7.4 step 9).
type Deliverer interface {
	Deliver(pkt *packet.Packet)
}

// NodeState is the reachability and policy state for one node in the
// network (spec.md section 3, Node).
type NodeState struct {
	ID        packet.NodeID
	IsGateway bool

	mu          sync.Mutex
	emcon       bool
	unreachable bool
	gain        float64
}

func (n *NodeState) Emcon() bool { n.mu.Lock(); defer n.mu.Unlock(); return n.emcon }
func (n *NodeState) SetEmcon(v bool) { n.mu.Lock(); n.emcon = v; n.mu.Unlock() }
func (n *NodeState) Unreachable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unreachable
}
func (n *NodeState) SetUnreachable(v bool) { n.mu.Lock(); n.unreachable = v; n.mu.Unlock() }
func (n *NodeState) Gain() float64         { n.mu.Lock(); defer n.mu.Unlock(); return n.gain }
func (n *NodeState) SetGain(g float64)     { n.mu.Lock(); n.gain = g; n.mu.Unlock() }

// neighbor bundles everything the controller tracks about one other node:
// the send and receive windows, reachability state, and the per-neighbor
// time-sync ledger. mu guards the send window and the time-sync ledger;
// the receive window carries its own mutex. The two are never nested in
// reverse order -- the only path taking both is the ACK-piggyback step of
// Pull, which always acquires mu before the receive window's lock.
type neighbor struct {
	mu sync.Mutex

	node *NodeState
	send *SendWindow
	recv *RecvWindow

	// Time synchronization ledger (spec.md 4.7.8): wall-clock send times
	// for timestamp sequence numbers we originated, keyed by tseq, so we
	// can later echo TimestampSent when this neighbor asks.
	sentTimestamps map[uint32]clock.Time

	// The most recent (tseq, recvTime) pair we observed from this
	// neighbor, echoed back via TimestampRecv so they can compute skew
	// against us.
	lastRecvTimestamp   uint32
	lastRecvTimestampAt clock.Time
	haveLastRecvTS      bool
}

// Config collects every ARQ-controller tunable from spec.md sections 3,
// 4.7, and 6.5.
type Config struct {
	Self packet.NodeID

	MaxWin  uint32
	RecvWin uint32

	MaxRetransmissions    int
	HasMaxRetransmissions bool

	MinRetransmissionDelay float64
	SlopFactor             float64

	SackDelay    float64 // delay before the SACK timer's first fire
	FullAckDelay float64 // total delay (from arrival) to the second fire

	SelectiveAckFeedbackDelay float64
	MaxSacks                  int

	ExplicitNAKWinSize     int
	ExplicitNAKWinDuration float64

	EnforceOrdering bool
	TCPOrdering     bool

	BroadcastMCS  packet.MCS
	BroadcastGain float64

	ShortStatsWindow float64
	LongStatsWindow  float64

	SendWindow SendWindowConfig
	AMC        AMCParams
}

// Controller is the ARQ link-layer controller for one local node,
// maintaining one send/receive window pair per neighbor (spec.md 4.7).
type Controller struct {
	cfg    Config
	keeper clock.Keeper
	timers *timerqueue.Queue
	log    *log.Logger

	source   PacketSource
	deliver  Deliverer

	mu        sync.RWMutex
	neighbors map[packet.NodeID]*neighbor

	pendingMu sync.Mutex
	pending   []*packet.Packet // head-of-line queue: retransmits and control-only packets

	nextTSeq uint32

	stopped bool
}

// New returns a Controller for the local node identified by cfg.Self.
func New(cfg Config, keeper clock.Keeper, timers *timerqueue.Queue, source PacketSource, deliver Deliverer, logger *log.Logger) *Controller {
	if logger != nil {
		logger = logger.With("component", "arq")
	}
	return &Controller{
		cfg:       cfg,
		keeper:    keeper,
		timers:    timers,
		log:       logger,
		source:    source,
		deliver:   deliver,
		neighbors: make(map[packet.NodeID]*neighbor),
	}
}

// Stop marks the controller stopped; further Pull/Receive calls return
// ErrStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Controller) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Controller) now() clock.Time { return c.keeper.Now() }

// neighborFor returns the neighbor state for id, creating fresh send and
// receive windows on first contact.
func (c *Controller) neighborFor(id packet.NodeID) *neighbor {
	c.mu.RLock()
	nb, ok := c.neighbors[id]
	c.mu.RUnlock()
	if ok {
		return nb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if nb, ok := c.neighbors[id]; ok {
		return nb
	}
	nb = &neighbor{
		node:           &NodeState{ID: id},
		send:           NewSendWindow(id, c.cfg.SendWindow),
		recv:           NewRecvWindow(id, RecvWindowConfig{RecvWin: c.cfg.RecvWin, ShortStatsWin: c.cfg.ShortStatsWindow, LongStatsWin: c.cfg.LongStatsWindow}),
		sentTimestamps: make(map[uint32]clock.Time),
	}
	c.neighbors[id] = nb
	return nb
}

// Node returns the reachability/policy state for id, creating it if this
// is the first time the controller has heard of the node.
func (c *Controller) Node(id packet.NodeID) *NodeState {
	return c.neighborFor(id).node
}

func (c *Controller) pushFront(pkt *packet.Packet) {
	c.pendingMu.Lock()
	c.pending = append([]*packet.Packet{pkt}, c.pending...)
	c.pendingMu.Unlock()
}

func (c *Controller) popPending() (*packet.Packet, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	pkt := c.pending[0]
	c.pending = c.pending[1:]
	return pkt, true
}

// Pull implements spec.md 4.7.3's transmit-side logic: it returns the next
// packet ready for modulation and transmission, with ACK/SACK piggyback,
// sequence assignment, and MCS/gain already attached.
func (c *Controller) Pull(ctx context.Context) (*packet.Packet, error) {
	if c.isStopped() {
		return nil, ErrStopped
	}

	if pkt, ok := c.popPending(); ok {
		return c.finishPull(pkt)
	}

	pkt, err := c.source.Pull(ctx)
	if err != nil {
		return nil, err
	}
	if pkt == nil {
		return nil, nil
	}
	return c.finishPull(pkt)
}

func (c *Controller) finishPull(pkt *packet.Packet) (*packet.Packet, error) {
	now := c.now()

	if pkt.IsBroadcast() {
		pkt.MCS = c.cfg.BroadcastMCS
		pkt.Gain = c.cfg.BroadcastGain
		pkt.RecvTimestamp = now
		return pkt, nil
	}

	nb := c.neighborFor(pkt.Dest)
	nb.mu.Lock()
	defer nb.mu.Unlock()

	c.attachAck(nb, pkt)

	if pkt.Header.Flags.HasSeq {
		if err := c.assignSeqLocked(nb, pkt, now); err != nil {
			return nil, err
		}
	}

	pkt.MCS = nb.send.MCSIdx()
	if pkt.Retransmission && pkt.HasDeadline && pkt.RecordedMCS == nb.send.MCSIdx() && nb.send.MCSIdx() > nb.send.MCSIdxMin() {
		pkt.MCS--
	}
	pkt.Gain = nb.node.Gain()
	pkt.RecvTimestamp = now

	return pkt, nil
}

// attachAck piggybacks recvw.ack (and, if owed, selective-ack ranges and a
// pending SetUnack) onto an outgoing unicast packet (spec.md 4.7.3 step 2).
func (c *Controller) attachAck(nb *neighbor, pkt *packet.Packet) {
	nb.recv.Lock()
	defer nb.recv.Unlock()

	if !nb.recv.sawFirstPacket {
		return
	}

	pkt.Header.Flags.ACK = true
	pkt.ExtHeader.Ack = nb.recv.Ack()

	if nb.recv.needSelectiveAck {
		for _, r := range nb.recv.SACKRanges(c.cfg.MaxSacks) {
			pkt.Controls = append(pkt.Controls, packet.SelectiveAck{Begin: r.Begin, End: r.End})
		}
		pkt.HasSelectiveAck = true
		nb.recv.needSelectiveAck = false
		if nb.recv.sackTimer != nil {
			c.timers.Cancel(nb.recv.sackTimer)
		}
		nb.recv.sackPhase = sackIdle
	}

	if seq, ok := nb.send.TakeSetUnack(); ok {
		pkt.Controls = append(pkt.Controls, packet.SetUnack{Unack: seq})
	}
}

// assignSeqLocked implements spec.md 4.7.3 step 3: gate pkt through the
// send window, assigning it a sequence number if it doesn't have one yet.
func (c *Controller) assignSeqLocked(nb *neighbor, pkt *packet.Packet, now clock.Time) error {
	if pkt.AssignedSeq {
		return nil
	}

	for !nb.send.HasRoom() {
		dropped, ok := nb.send.OldestDroppable(c.cfg.MaxRetransmissions, c.cfg.HasMaxRetransmissions, now)
		if !ok {
			return ErrWindowFull
		}
		nb.send.DropOldest()
		if dropped != nil && c.log != nil {
			c.log.Debug("dropped oldest pending entry to make room", "dest", nb.node.ID, "seq", dropped.Header.Seq)
		}
	}

	nb.send.Assign(pkt)
	return nil
}

// NotifyTransmitted implements spec.md 4.7.3's "on transmit notification"
// logic: arm retransmission timers, record timestamp send times, and
// cancel SACK timers for packets that just carried a selective-ack.
func (c *Controller) NotifyTransmitted(pkt *packet.Packet, txTime clock.Time) {
	if pkt.IsBroadcast() {
		return
	}
	nb := c.neighborFor(pkt.Dest)

	if pkt.Header.Flags.HasSeq && pkt.AssignedSeq {
		nb.mu.Lock()
		if nb.node.Emcon() {
			nb.send.AckThrough(pkt.Header.Seq.Add(1), nil, nil)
		} else {
			e := nb.send.Entry(pkt.Header.Seq)
			e.timestamp = txTime
			seq := pkt.Header.Seq
			dest := pkt.Dest
			timer := timerqueue.NewTimer(func() { c.onRetransmitTimeout(dest, seq) })
			e.timer = timer
			c.timers.RunIn(timer, durationOf(nb.send.RetransmissionDelay()))
		}
		nb.mu.Unlock()
	}

	if pkt.HasSelectiveAck {
		nb.recv.Lock()
		if nb.recv.sackTimer != nil {
			c.timers.Cancel(nb.recv.sackTimer)
		}
		nb.recv.sackPhase = sackIdle
		nb.recv.Unlock()
	}

	if pkt.HasTimestampSeq {
		nb.mu.Lock()
		nb.sentTimestamps[pkt.TimestampSeq] = txTime
		nb.mu.Unlock()
	}
}

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// onRetransmitTimeout implements spec.md 4.7.3's "on retransmit timeout"
// logic, invoked on the timer-queue worker goroutine.
func (c *Controller) onRetransmitTimeout(dest packet.NodeID, seq packet.Seq) {
	nb := c.neighborFor(dest)
	now := c.now()

	nb.mu.Lock()
	defer nb.mu.Unlock()

	if nb.node.Emcon() {
		c.rearmRetransmitTimer(nb, dest, seq)
		return
	}
	if nb.node.Unreachable() && seq != nb.send.Unack() {
		c.rearmRetransmitTimer(nb, dest, seq)
		return
	}

	e := nb.send.Entry(seq)
	if e.pkt == nil {
		return // already acknowledged
	}

	if nb.send.MCSIdx() >= e.pkt.MCS && (nb.send.PerCutoff().LessEq(seq)) {
		nb.send.RecordPER(now, false)
		nb.send.UpdateMCS(now, &c.cfg.AMC)
	}

	e.pkt.NRetransmit++
	e.pkt.RecordedMCS = nb.send.MCSIdx()

	if e.pkt.ShouldDrop(c.cfg.MaxRetransmissions, c.cfg.HasMaxRetransmissions, now) {
		if seq == nb.send.Unack() {
			nb.send.DropOldest()
		} else if c.log != nil {
			c.log.Warn("giving up on undeliverable non-head entry", "dest", dest, "seq", seq)
		}
		return
	}

	e.pkt.Retransmission = true
	c.pushFront(e.pkt)
	c.rearmRetransmitTimer(nb, dest, seq)
}

func (c *Controller) rearmRetransmitTimer(nb *neighbor, dest packet.NodeID, seq packet.Seq) {
	e := nb.send.Entry(seq)
	if e.pkt == nil {
		return
	}
	timer := timerqueue.NewTimer(func() { c.onRetransmitTimeout(dest, seq) })
	e.timer = timer
	c.timers.RunIn(timer, durationOf(nb.send.RetransmissionDelay()))
}

// Receive implements spec.md 4.7.4's receive-side logic. The packet's
// CurHop is treated as the ARQ-layer neighbor: this link is per-hop, not
// end-to-end.
func (c *Controller) Receive(pkt *packet.Packet) error {
	if c.isStopped() {
		return ErrStopped
	}
	if pkt.InvalidHeader {
		return nil
	}

	now := c.now()
	nb := c.neighborFor(pkt.Header.CurHop)

	nb.mu.Lock()
	nb.send.Heard(now)
	nb.node.SetUnreachable(false)
	nb.mu.Unlock()

	if pkt.Header.NextHop != c.cfg.Self && pkt.Header.NextHop != packet.Broadcast {
		return nil
	}

	nb.recv.Lock()
	nb.recv.RecordStats(now, pkt.EVM, pkt.RSSI)
	nb.recv.Unlock()

	if pkt.Header.Flags.HasSeq && c.admitSequenced(nb, pkt, now) {
		return nil
	}

	c.processControls(nb, pkt, now)

	if pkt.IsBroadcast() {
		pkt.Controls = nil
		c.deliverPkt(pkt)
		return nil
	}

	if pkt.Header.Flags.ACK || hasSelectiveAck(pkt) || hasNak(pkt) {
		c.processAckSackNak(nb, pkt, now)
	}

	if pkt.Header.Flags.HasSeq {
		c.admitToRecvWindow(nb, pkt)
		c.armSACKTimer(nb, pkt.Header.CurHop)
	}

	return nil
}

// admitSequenced implements spec.md 4.7.4 step 5: activate/reset the
// receive window and NAK invalid payloads. Returns true if the caller
// should stop processing this packet (e.g. after emitting a NAK).
func (c *Controller) admitSequenced(nb *neighbor, pkt *packet.Packet, now clock.Time) bool {
	nb.recv.Lock()
	defer nb.recv.Unlock()

	switch {
	case !nb.recv.sawFirstPacket:
		nb.recv.SetAck(pkt.Header.Seq)
	case pkt.Header.Flags.SYN:
		nb.recv.SetAck(pkt.Header.Seq)
	case !nb.recv.InWindow(pkt.Header.Seq) && pkt.Header.Seq != nb.recv.Ack():
		nb.recv.SetAck(pkt.Header.Seq)
	}

	if pkt.InvalidPayload && !pkt.IsBroadcast() {
		if nb.recv.AllowNAK(now, c.cfg.ExplicitNAKWinSize, c.cfg.ExplicitNAKWinDuration) {
			c.pushFront(c.buildControlOnlyPacket(nb.node.ID, packet.Nak{Seq: pkt.Header.Seq}))
		}
		return true
	}
	return false
}

func hasNak(pkt *packet.Packet) bool {
	for _, ctl := range pkt.Controls {
		if _, ok := ctl.(packet.Nak); ok {
			return true
		}
	}
	return false
}

func hasSelectiveAck(pkt *packet.Packet) bool {
	for _, ctl := range pkt.Controls {
		if _, ok := ctl.(packet.SelectiveAck); ok {
			return true
		}
	}
	return false
}

// processControls dispatches HELLO/ping/timestamp control messages
// (spec.md 4.7.4 step 6, 4.7.8).
func (c *Controller) processControls(nb *neighbor, pkt *packet.Packet, now clock.Time) {
	for _, ctl := range pkt.Controls {
		switch m := ctl.(type) {
		case packet.Hello:
			nb.mu.Lock()
			nb.node.IsGateway = m.IsGateway
			nb.mu.Unlock()
		case packet.Ping:
			// Reachability alone (already recorded via Heard) is the ping
			// response; no further action needed here.
		case packet.Timestamp:
			nb.mu.Lock()
			nb.lastRecvTimestamp = m.TSeq
			nb.lastRecvTimestampAt = now
			nb.haveLastRecvTS = true
			nb.mu.Unlock()
		case packet.TimestampSent, packet.TimestampRecv:
			// Correlating these against our own sentTimestamps/lastRecvTimestamp
			// ledger to estimate wall-clock skew is external to this
			// controller (spec.md 4.7.8); it only needs the ledger kept,
			// which processControls' Timestamp case and NotifyTransmitted
			// already do.
		case packet.ShortTermReceiverStats:
			nb.mu.Lock()
			nb.send.RecordEVM(now, m.EVM)
			nb.send.RecordRSSI(now, m.RSSI)
			nb.mu.Unlock()
		case packet.LongTermReceiverStats:
			nb.mu.Lock()
			nb.send.RecordEVM(now, m.EVM)
			nb.send.RecordRSSI(now, m.RSSI)
			nb.mu.Unlock()
		}
	}
}

func (c *Controller) deliverPkt(pkt *packet.Packet) {
	if c.deliver != nil {
		c.deliver.Deliver(pkt)
	}
}

// admitToRecvWindow implements spec.md 4.7.4 step 9.
func (c *Controller) admitToRecvWindow(nb *neighbor, pkt *packet.Packet) {
	nb.recv.Lock()
	defer nb.recv.Unlock()

	seq := pkt.Header.Seq
	if nb.recv.IsDuplicate(seq) {
		return
	}
	if !nb.recv.InWindow(seq) {
		return
	}

	if seq == nb.recv.Ack() {
		nb.recv.Insert(pkt)
		for _, out := range nb.recv.DrainInOrder() {
			c.deliverPkt(out)
		}
		return
	}

	if !c.cfg.EnforceOrdering && !c.cfg.TCPOrdering {
		c.deliverPkt(pkt)
		return
	}

	nb.recv.Insert(pkt)
}

// armSACKTimer implements the two-phase SACK timer from spec.md 4.7.5.
func (c *Controller) armSACKTimer(nb *neighbor, src packet.NodeID) {
	nb.recv.Lock()
	defer nb.recv.Unlock()

	if nb.recv.sackPhase != sackIdle {
		return
	}
	nb.recv.sackPhase = sackArmedFirst
	timer := timerqueue.NewTimer(func() { c.onSACKTimerFire(src) })
	nb.recv.sackTimer = timer
	c.timers.RunIn(timer, durationOf(c.cfg.SackDelay))
}

func (c *Controller) onSACKTimerFire(src packet.NodeID) {
	nb := c.neighborFor(src)
	nb.recv.Lock()
	switch nb.recv.sackPhase {
	case sackArmedFirst:
		nb.recv.needSelectiveAck = true
		nb.recv.sackPhase = sackArmedSecond
		timer := timerqueue.NewTimer(func() { c.onSACKTimerFire(src) })
		nb.recv.sackTimer = timer
		delay := c.cfg.FullAckDelay - c.cfg.SackDelay
		nb.recv.Unlock()
		c.timers.RunIn(timer, durationOf(delay))
		return
	case sackArmedSecond:
		nb.recv.sackPhase = sackIdle
		nb.recv.Unlock()
		c.pushFront(c.buildControlOnlyPacket(src, nil))
		return
	default:
		nb.recv.Unlock()
	}
}

// buildControlOnlyPacket constructs a zero-payload packet addressed to
// dest, optionally carrying one control message (spec.md 4.7.5, "ACK-only
// packet" / explicit NAK).
func (c *Controller) buildControlOnlyPacket(dest packet.NodeID, ctl packet.Control) *packet.Packet {
	pkt := &packet.Packet{
		Header: packet.Header{
			CurHop:  c.cfg.Self,
			NextHop: dest,
			Flags:   packet.Flags{HasSeq: false},
		},
		ExtHeader: packet.ExtHeader{Src: c.cfg.Self, Dest: dest},
		Dest:      dest,
	}
	if ctl != nil {
		pkt.Controls = append(pkt.Controls, ctl)
	}
	return pkt
}

// processAckSackNak implements spec.md 4.7.5's feedback processing: plain
// ACK, selective-ack ranges, and explicit NAKs.
func (c *Controller) processAckSackNak(nb *neighbor, pkt *packet.Packet, now clock.Time) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	feedbackCutoff := c.feedbackCutoffLocked(nb, pkt, now)

	if pkt.Header.Flags.ACK {
		c.ackThroughLocked(nb, pkt.ExtHeader.Ack, now)
	}

	for _, ctl := range pkt.Controls {
		switch m := ctl.(type) {
		case packet.SelectiveAck:
			c.applySelectiveAckLocked(nb, m, now, feedbackCutoff)
		case packet.Nak:
			c.applyNakLocked(nb, m.Seq, now)
		}
	}
}

// feedbackCutoffLocked computes the "feedback cutoff" from spec.md 4.7.5:
// now - selective_ack_feedback_delay, relaxed to the transmit time of any
// NAKed packet (we know the receiver demodulated everything up to and
// including it, since demodulation is in order).
func (c *Controller) feedbackCutoffLocked(nb *neighbor, pkt *packet.Packet, now clock.Time) clock.Time {
	cutoff := now.AddSeconds(-c.cfg.SelectiveAckFeedbackDelay)
	for _, ctl := range pkt.Controls {
		if m, ok := ctl.(packet.Nak); ok {
			e := nb.send.Entry(m.Seq)
			if e.pkt != nil && cutoff.Before(e.timestamp) {
				cutoff = e.timestamp
			}
		}
	}
	return cutoff
}

func (c *Controller) ackThroughLocked(nb *neighbor, ackVal packet.Seq, now clock.Time) {
	if ackVal == nb.send.Unack() {
		return
	}
	if uint32(nb.send.Unack().Distance(ackVal)) > nb.send.Win() {
		if c.log != nil {
			c.log.Warn("ack outside window", "dest", nb.node.ID, "ack", ackVal, "unack", nb.send.Unack())
		}
		return
	}

	var sentAt clock.Time
	haveSentAt := false
	nb.send.AckThrough(ackVal, func(t *timerqueue.Timer) { c.timers.Cancel(t) }, func(seq packet.Seq) {
		if nb.send.PerCutoff().LessEq(seq) {
			nb.send.RecordPER(now, true)
		}
		if e := nb.send.Entry(seq); e.pkt != nil && e.timestamp != (clock.Time{}) && (!haveSentAt || sentAt.Before(e.timestamp)) {
			sentAt, haveSentAt = e.timestamp, true
		}
	})
	nb.send.UpdateMCS(now, &c.cfg.AMC)

	if !haveSentAt {
		return
	}
	rtt := now.Sub(sentAt).Seconds()
	if rtt > 0 {
		nb.send.RecordAckDelay(now, rtt)
		nb.send.SetRetransmissionDelay(maxF(c.cfg.MinRetransmissionDelay, c.cfg.SlopFactor*nb.send.AckDelayEstimate(now, c.cfg.MinRetransmissionDelay)))
	}
}

func (c *Controller) applySelectiveAckLocked(nb *neighbor, r packet.SelectiveAck, now clock.Time, feedbackCutoff clock.Time) {
	if r.Begin.Less(nb.send.Unack()) {
		nb.send.RequestSetUnack()
	}

	for s := nb.send.Unack(); s.Less(r.Begin); s = s.Add(1) {
		e := nb.send.Entry(s)
		if e.pkt == nil {
			continue
		}
		if e.pkt.HasDeadline && e.pkt.Deadline.Before(feedbackCutoff) {
			nb.send.RecordPER(now, false)
			e.pkt.Retransmission = true
			c.pushFront(e.pkt)
		}
	}

	for s := r.Begin; s.Less(r.End); s = s.Add(1) {
		e := nb.send.Entry(s)
		if e.pkt == nil {
			continue
		}
		if nb.send.PerCutoff().LessEq(s) {
			nb.send.RecordPER(now, true)
		}
		if e.timer != nil {
			c.timers.Cancel(e.timer)
		}
		e.reset()
	}
	nb.send.UpdateMCS(now, &c.cfg.AMC)
}

func (c *Controller) applyNakLocked(nb *neighbor, seq packet.Seq, now clock.Time) {
	e := nb.send.Entry(seq)
	if e.pkt == nil {
		return
	}
	if nb.send.MCSIdx() >= e.pkt.MCS && nb.send.PerCutoff().LessEq(seq) {
		nb.send.RecordPER(now, false)
		nb.send.UpdateMCS(now, &c.cfg.AMC)
	}
	if e.timer != nil {
		c.timers.Cancel(e.timer)
	}
	e.pkt.Retransmission = true
	e.pkt.NRetransmit++
	c.pushFront(e.pkt)
	c.rearmRetransmitTimer(nb, nb.node.ID, seq)
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// EnvironmentDiscontinuity implements spec.md 4.7.6's last paragraph: reset
// every neighbor's AMC state and ping them to re-probe the link.
func (c *Controller) EnvironmentDiscontinuity() {
	now := c.now()

	c.mu.RLock()
	neighbors := make([]*neighbor, 0, len(c.neighbors))
	for _, nb := range c.neighbors {
		neighbors = append(neighbors, nb)
	}
	c.mu.RUnlock()

	for _, nb := range neighbors {
		nb.mu.Lock()
		nb.send.EnvironmentDiscontinuity(now)
		dest := nb.node.ID
		nb.mu.Unlock()

		c.pushFront(c.buildControlOnlyPacket(dest, packet.Ping{}))
	}
}

// NextTimestampSeq allocates the next timestamp sequence number this node
// will originate (spec.md 4.7.8).
func (c *Controller) NextTimestampSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTSeq++
	return c.nextTSeq
}

// TimeSyncEcho builds the TimestampSent/TimestampRecv echoes a time
// master attaches to its periodic HELLO broadcast for src (spec.md 4.7.8).
func (c *Controller) TimeSyncEcho(src packet.NodeID) []packet.Control {
	nb := c.neighborFor(src)
	nb.mu.Lock()
	defer nb.mu.Unlock()

	var out []packet.Control
	for tseq, t := range nb.sentTimestamps {
		out = append(out, packet.TimestampSent{TSeq: tseq, T: t})
	}
	if nb.haveLastRecvTS {
		out = append(out, packet.TimestampRecv{Node: src, TSeq: nb.lastRecvTimestamp, T: nb.lastRecvTimestampAt})
	}
	return out
}

// String implements fmt.Stringer for debugging.
func (c *Controller) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("arq.Controller{self=%d, neighbors=%d}", c.cfg.Self, len(c.neighbors))
}
