package arq

import (
	"sync"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/timerqueue"
)

// sendEntry is one ring-buffer slot of a SendWindow (spec.md section 3). A
// slot is "pending" when Pkt is non-nil: it holds a buffered packet and
// possibly a running retransmission timer.
type sendEntry struct {
	pkt       *packet.Packet
	timer     *timerqueue.Timer
	timestamp clock.Time // time of last transmission
}

func (e *sendEntry) reset() {
	e.pkt = nil
	e.timestamp = clock.Time{}
}

// SendWindow is the per-destination-neighbor transmit sliding window from
// spec.md sections 3 and 4.7.1, combining selective-repeat ARQ state with
// the AMC loop's MCS transition probabilities and PER/EVM/RSSI estimators.
type SendWindow struct {
	mu sync.Mutex

	Dest packet.NodeID

	// Sequencing state. Invariant: unack <= seq <= unack+win, max <= seq-1.
	unack packet.Seq
	seq   packet.Seq
	max   packet.Seq

	win    uint32
	maxWin uint32

	// AMC state (spec.md 4.7.6).
	mcsIdx       packet.MCS
	mcsIdxMin    packet.MCS
	mcsIdxInit   packet.MCS
	mcsIdxProb   []float64
	evmThresh    []EVMThreshold
	perCutoff    packet.Seq
	perEnd       packet.Seq
	shortPER     *windowedMean
	longPER      *windowedMean
	shortEVM     *windowedMean
	longEVM      *windowedMean
	shortRSSI    *windowedMean
	longRSSI     *windowedMean
	hasLongEVM   bool
	hasLongRSSI  bool

	retransmissionDelay float64
	ackDelay            *windowedMax

	lastHeardTimestamp clock.Time
	newWindow          bool
	sendSetUnack       bool

	entries []sendEntry

	sawSYN bool // have we ever sent a packet to this destination?
}

// EVMThreshold is an optional EVM ceiling an MCS level must beat to be
// considered for use (spec.md 4.7.6, "no EVM threshold" is the zero
// HasThreshold case).
type EVMThreshold struct {
	HasThreshold bool
	DB           float64
}

// SendWindowConfig collects the tunables a SendWindow is constructed with.
type SendWindowConfig struct {
	MaxWin              uint32
	MCSIdxInit          packet.MCS
	MCSIdxMin           packet.MCS
	NumMCS              int
	EVMThresholds       []EVMThreshold
	ShortPERWindow      float64
	LongPERWindow       float64
	MinRetransmitDelay  float64
	AckDelayWindow      float64
}

// NewSendWindow constructs a SendWindow for dest with win starting at 1:
// spec.md 4.7.1 requires the window grow from 1 to maxwin only once the
// first ACK demonstrates a working channel.
func NewSendWindow(dest packet.NodeID, cfg SendWindowConfig) *SendWindow {
	probs := make([]float64, cfg.NumMCS)
	for i := range probs {
		probs[i] = 1.0
	}
	thresh := cfg.EVMThresholds
	if thresh == nil {
		thresh = make([]EVMThreshold, cfg.NumMCS)
	}
	return &SendWindow{
		Dest:                dest,
		win:                 1,
		maxWin:              cfg.MaxWin,
		mcsIdx:              cfg.MCSIdxInit,
		mcsIdxMin:           cfg.MCSIdxMin,
		mcsIdxInit:          cfg.MCSIdxInit,
		mcsIdxProb:          probs,
		evmThresh:           thresh,
		shortPER:            newWindowedMean(cfg.ShortPERWindow),
		longPER:             newWindowedMean(cfg.LongPERWindow),
		shortEVM:            newWindowedMean(cfg.ShortPERWindow),
		longEVM:             newWindowedMean(cfg.LongPERWindow),
		shortRSSI:           newWindowedMean(cfg.ShortPERWindow),
		longRSSI:            newWindowedMean(cfg.LongPERWindow),
		retransmissionDelay: cfg.MinRetransmitDelay,
		ackDelay:            newWindowedMax(cfg.AckDelayWindow),
		newWindow:           true,
		entries:             make([]sendEntry, cfg.MaxWin),
	}
}

func (w *SendWindow) entry(seq packet.Seq) *sendEntry {
	return &w.entries[uint32(seq)%uint32(len(w.entries))]
}

// Lock/Unlock expose the per-window mutex directly. The controller does
// not use them: it serializes each event (pull, receive, or timer fire)
// on a neighbor's send window with that neighbor's mu instead.
func (w *SendWindow) Lock()   { w.mu.Lock() }
func (w *SendWindow) Unlock() { w.mu.Unlock() }

// HasRoom reports whether the window can accept one more assigned
// sequence number: seq < unack+win.
func (w *SendWindow) HasRoom() bool {
	return uint32(w.unack.Distance(w.seq)) < w.win
}

// Assign assigns the next sequence number to pkt and stores it pending.
// Caller must serialize access to the window (the controller holds the
// neighbor's mu) and have already checked HasRoom.
func (w *SendWindow) Assign(pkt *packet.Packet) packet.Seq {
	seq := w.seq
	w.seq = w.seq.Add(1)
	pkt.Header.Seq = seq
	pkt.AssignedSeq = true
	if !w.sawSYN {
		pkt.Header.Flags.SYN = true
		w.sawSYN = true
	}
	e := w.entry(seq)
	e.pkt = pkt
	if w.newWindow || w.max.Distance(seq) > 0 {
		w.max = seq
	}
	w.newWindow = false
	return seq
}

// OldestDroppable returns the oldest pending entry's packet if it is
// droppable, for use when the window is full (spec.md 4.7.3 step 3).
func (w *SendWindow) OldestDroppable(maxRetrans int, haveMax bool, now clock.Time) (*packet.Packet, bool) {
	if w.unack == w.seq {
		return nil, false
	}
	e := w.entry(w.unack)
	if e.pkt == nil {
		return nil, false
	}
	if e.pkt.ShouldDrop(maxRetrans, haveMax, now) || e.pkt.MayDrop() {
		return e.pkt, true
	}
	return nil, false
}

// DropOldest removes the oldest pending entry and advances unack past it.
func (w *SendWindow) DropOldest() {
	e := w.entry(w.unack)
	e.reset()
	w.unack = w.unack.Add(1)
}

// Entry returns the ring slot for seq.
func (w *SendWindow) Entry(seq packet.Seq) *sendEntry {
	return w.entry(seq)
}

// Unack, Seq, Max, Win, MaxWin expose the window's sequencing state.
func (w *SendWindow) Unack() packet.Seq  { return w.unack }
func (w *SendWindow) SeqNext() packet.Seq { return w.seq }
func (w *SendWindow) Max() packet.Seq    { return w.max }
func (w *SendWindow) Win() uint32        { return w.win }
func (w *SendWindow) MCSIdx() packet.MCS { return w.mcsIdx }
func (w *SendWindow) MCSIdxMin() packet.MCS { return w.mcsIdxMin }

func (w *SendWindow) RetransmissionDelay() float64     { return w.retransmissionDelay }
func (w *SendWindow) SetRetransmissionDelay(d float64) { w.retransmissionDelay = d }

// RecordAckDelay feeds one observed RTT sample into the windowed-max RTT
// estimator (spec.md section 3, "ack_delay").
func (w *SendWindow) RecordAckDelay(now clock.Time, rtt float64) {
	w.ackDelay.Update(now, rtt)
}

// AckDelayEstimate returns the windowed-max RTT estimate, or fallback if
// no samples have been observed yet (spec.md 4.7.7).
func (w *SendWindow) AckDelayEstimate(now clock.Time, fallback float64) float64 {
	return w.ackDelay.Value(now, fallback)
}

func (w *SendWindow) Heard(now clock.Time)      { w.lastHeardTimestamp = now }
func (w *SendWindow) LastHeard() clock.Time     { return w.lastHeardTimestamp }

func (w *SendWindow) PerCutoff() packet.Seq     { return w.perCutoff }
func (w *SendWindow) SetPerCutoff(s packet.Seq) { w.perCutoff = s }

// RequestSetUnack marks that the next outgoing packet to this destination
// should carry a SetUnack control asking the receiver to realign its
// notion of our window (spec.md 4.7.5, selective-ACK realignment).
func (w *SendWindow) RequestSetUnack() { w.sendSetUnack = true }

// TakeSetUnack reports and clears a pending SetUnack request.
func (w *SendWindow) TakeSetUnack() (packet.Seq, bool) {
	if !w.sendSetUnack {
		return 0, false
	}
	w.sendSetUnack = false
	return w.unack, true
}

// openOnFirstAck grows the window to maxwin on the first successful ACK,
// demonstrating a working channel (spec.md 4.7.1).
func (w *SendWindow) openOnFirstAck() {
	if w.win < w.maxWin {
		w.win = w.maxWin
	}
}

// AckThrough advances unack to ackVal, cancelling timers and counting TX
// successes for every newly-acknowledged entry (spec.md 4.7.5). It is a
// no-op (ACK idempotence, spec.md section 8) if ackVal == unack. It does
// not check that ackVal lies within (unack, unack+win]; the controller
// checks that first, logging an ACK outside that range as a protocol
// error and ignoring it (spec.md section 7).
func (w *SendWindow) AckThrough(ackVal packet.Seq, cancel func(*timerqueue.Timer), onSuccess func(seq packet.Seq)) {
	if w.unack == ackVal {
		return
	}
	for s := w.unack; s != ackVal; s = s.Add(1) {
		e := w.entry(s)
		if e.timer != nil && cancel != nil {
			cancel(e.timer)
		}
		if onSuccess != nil {
			onSuccess(s)
		}
		e.reset()
	}
	wasFirstAck := w.win < w.maxWin
	w.unack = ackVal
	if wasFirstAck {
		w.openOnFirstAck()
	}
}
