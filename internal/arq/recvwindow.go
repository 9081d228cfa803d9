package arq

import (
	"sync"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/timerqueue"
)

// sackPhase tracks where a receive window's SACK timer is in its two-stage
// countdown (spec.md 4.7.5): idle, armed for its first fire (which upgrades
// to "selective-ack owed" and restarts for the second fire), or armed for
// its second fire (which emits an ACK-only packet).
type sackPhase int

const (
	sackIdle sackPhase = iota
	sackArmedFirst
	sackArmedSecond
)

// recvEntry is one ring-buffer slot of a RecvWindow (spec.md section 3): a
// slot is "received" when Received is true, regardless of whether Pkt has
// already been delivered upstream.
type recvEntry struct {
	pkt      *packet.Packet
	received bool
}

func (e *recvEntry) reset() {
	e.pkt = nil
	e.received = false
}

// RecvWindow is the per-source-neighbor receive sliding window from
// spec.md sections 3 and 4.7.2: a selective-repeat reorder buffer plus the
// SACK/explicit-NAK throttling state.
type RecvWindow struct {
	mu sync.Mutex

	Src packet.NodeID

	// Sequencing state: ack is the next seq not yet delivered in order;
	// max is the highest seq received so far. Invariant: ack <= max+1,
	// max < ack+recvWin.
	ack packet.Seq
	max packet.Seq

	recvWin uint32

	entries []recvEntry

	needSelectiveAck bool
	sackPhase        sackPhase
	sackTimer        *timerqueue.Timer

	// explicitNAKTimes is a rolling window of recent NAK-emission
	// timestamps (spec.md 4.7.5, "explicit_nak_win[]"), used to rate
	// limit NAK emission.
	explicitNAKTimes []clock.Time

	shortEVM  *windowedMean
	longEVM   *windowedMean
	shortRSSI *windowedMean
	longRSSI  *windowedMean

	sawFirstPacket bool
}

// RecvWindowConfig collects the tunables a RecvWindow is constructed with.
type RecvWindowConfig struct {
	RecvWin        uint32
	ShortStatsWin  float64
	LongStatsWin   float64
}

// NewRecvWindow constructs an empty RecvWindow for src.
func NewRecvWindow(src packet.NodeID, cfg RecvWindowConfig) *RecvWindow {
	return &RecvWindow{
		Src:       src,
		recvWin:   cfg.RecvWin,
		entries:   make([]recvEntry, cfg.RecvWin),
		shortEVM:  newWindowedMean(cfg.ShortStatsWin),
		longEVM:   newWindowedMean(cfg.LongStatsWin),
		shortRSSI: newWindowedMean(cfg.ShortStatsWin),
		longRSSI:  newWindowedMean(cfg.LongStatsWin),
	}
}

func (w *RecvWindow) entry(seq packet.Seq) *recvEntry {
	return &w.entries[uint32(seq)%uint32(len(w.entries))]
}

// Lock/Unlock expose the per-window mutex directly, held for the duration
// of exactly one event per spec.md section 5.
func (w *RecvWindow) Lock()   { w.mu.Lock() }
func (w *RecvWindow) Unlock() { w.mu.Unlock() }

func (w *RecvWindow) Ack() packet.Seq { return w.ack }
func (w *RecvWindow) Max() packet.Seq { return w.max }
func (w *RecvWindow) Win() uint32     { return w.recvWin }

// InWindow reports whether seq falls within [ack, ack+recvWin), the range
// this window can currently buffer.
func (w *RecvWindow) InWindow(seq packet.Seq) bool {
	return packet.InRange(seq, w.ack, w.recvWin)
}

// IsDuplicate reports whether seq has already been received (either
// buffered awaiting in-order delivery, or already delivered and now
// preceding ack).
func (w *RecvWindow) IsDuplicate(seq packet.Seq) bool {
	if seq == w.ack {
		return false
	}
	if seq.Less(w.ack) {
		return true
	}
	if !w.InWindow(seq) {
		return false
	}
	return w.entry(seq).received
}

// Insert buffers pkt at its header sequence number. Caller must have
// already checked InWindow and !IsDuplicate.
func (w *RecvWindow) Insert(pkt *packet.Packet) {
	seq := pkt.Header.Seq
	e := w.entry(seq)
	e.pkt = pkt
	e.received = true
	if !w.sawFirstPacket || w.max.Less(seq) {
		w.max = seq
		w.sawFirstPacket = true
	}
}

// DrainInOrder removes and returns every contiguously-received packet
// starting at ack, advancing ack past them (spec.md 4.7.2, "packets are
// delivered to the upper layer in sequence order as soon as every
// preceding sequence number has been received").
func (w *RecvWindow) DrainInOrder() []*packet.Packet {
	var out []*packet.Packet
	for {
		e := w.entry(w.ack)
		if !e.received {
			break
		}
		out = append(out, e.pkt)
		e.reset()
		w.ack = w.ack.Add(1)
	}
	return out
}

// SetAck forcibly advances ack to newAck, discarding any buffered entries
// that now precede it. Used when a SYN, window-reset, or first-contact
// establishes a new starting sequence number (spec.md 4.7.2).
func (w *RecvWindow) SetAck(newAck packet.Seq) {
	for s := w.ack; s != newAck; s = s.Add(1) {
		w.entry(s).reset()
	}
	w.ack = newAck
	w.max = newAck
	w.sawFirstPacket = true
}

// Range is a half-open span of sequence numbers, the wire shape of a
// SelectiveAck control message.
type Range struct {
	Begin, End packet.Seq
}

// SACKRanges builds the selective-ack ranges for [ack+1, max] (spec.md
// 4.7.5): one range per contiguous run of received entries, with a
// trailing empty range appended when max itself is a hole. maxRanges caps
// the result, keeping the most recent (highest-sequence) ranges and
// dropping the oldest when the cap is exceeded.
func (w *RecvWindow) SACKRanges(maxRanges int) []Range {
	if w.max.LessEq(w.ack) {
		return nil
	}

	var ranges []Range
	start := w.ack.Add(1)
	inRun := false
	var runStart packet.Seq

	for s := start; s.LessEq(w.max); s = s.Add(1) {
		if w.entry(s).received {
			if !inRun {
				inRun = true
				runStart = s
			}
		} else if inRun {
			ranges = append(ranges, Range{Begin: runStart, End: s})
			inRun = false
		}
	}
	if inRun {
		ranges = append(ranges, Range{Begin: runStart, End: w.max.Add(1)})
	}
	if !w.entry(w.max).received {
		ranges = append(ranges, Range{Begin: w.max.Add(1), End: w.max.Add(1)})
	}

	if maxRanges > 0 && len(ranges) > maxRanges {
		ranges = ranges[len(ranges)-maxRanges:]
	}
	return ranges
}

// RecordStats feeds one EVM/RSSI observation from an arriving packet into
// the short and long windowed estimators.
func (w *RecvWindow) RecordStats(now clock.Time, evmDB, rssiDB float64) {
	w.shortEVM.Update(now, evmDB)
	w.longEVM.Update(now, evmDB)
	w.shortRSSI.Update(now, rssiDB)
	w.longRSSI.Update(now, rssiDB)
}

func (w *RecvWindow) ShortEVM(now clock.Time) float64  { return w.shortEVM.Value(now) }
func (w *RecvWindow) LongEVM(now clock.Time) float64   { return w.longEVM.Value(now) }
func (w *RecvWindow) ShortRSSI(now clock.Time) float64 { return w.shortRSSI.Value(now) }
func (w *RecvWindow) LongRSSI(now clock.Time) float64  { return w.longRSSI.Value(now) }

// AllowNAK reports whether emitting a NAK now would stay within the
// rolling rate limit (spec.md 4.7.5): at most winSize NAKs per
// winDuration seconds. On success it records now as a NAK emission.
func (w *RecvWindow) AllowNAK(now clock.Time, winSize int, winDuration float64) bool {
	cutoff := now.AddSeconds(-winDuration)
	kept := w.explicitNAKTimes[:0]
	for _, t := range w.explicitNAKTimes {
		if cutoff.Before(t) {
			kept = append(kept, t)
		}
	}
	w.explicitNAKTimes = kept
	if len(w.explicitNAKTimes) >= winSize {
		return false
	}
	w.explicitNAKTimes = append(w.explicitNAKTimes, now)
	return true
}
