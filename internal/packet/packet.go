package packet

import "github.com/n0sdr/corenet/internal/clock"

// MCS is an index into the PHY's modulation-and-coding table (spec.md
// section 6.2, mcs_table).
type MCS int

// Packet is the unit of data moving through every subsystem: the ARQ
// controller, synthesizer, channelizer and MAC all operate on Packet
// values. Header and ExtHeader are the wire-format fields (spec.md
// section 3); the rest are receive-side additions and internal
// bookkeeping that never go on the wire.
type Packet struct {
	Header    Header
	ExtHeader ExtHeader
	Payload   []byte
	Controls  []Control

	// TimestampSeq is set when this packet carries a timestamp sequence
	// number for time-sync exchange (spec.md section 3).
	TimestampSeq    uint32
	HasTimestampSeq bool

	// Receive-side additions (spec.md section 3), populated by the
	// channelizer/demodulator. The one exception is RecvTimestamp, which
	// the ARQ controller also stamps with the pull time of an outbound
	// packet.
	EVM            float64
	RSSI           float64
	CFO            float64
	ChannelIndex   int
	RecvTimestamp  clock.Time
	SnapshotOffset int64

	// Internal flags, never carried on the wire (spec.md section 3).
	InvalidHeader    bool
	InvalidPayload   bool
	AssignedSeq      bool
	Retransmission   bool
	HasSelectiveAck  bool
	NeedSelectiveAck bool
	IsTimestamp      bool

	// TXTimestamp is the wall-clock time this packet actually left the
	// radio, stamped by the synthesizer once the packet's offset within its
	// slot (or free-running buffer) is known. Distinct from RecvTimestamp,
	// which the demodulator sets on receive and the ARQ controller sets to
	// the pull time on transmit.
	TXTimestamp clock.Time

	// Per-packet ARQ/AMC metadata, set by the controller on pull.
	Dest           NodeID
	MCS            MCS
	Gain           float64
	Deadline       clock.Time
	HasDeadline    bool
	NRetransmit    int
	RecordedMCS    MCS
	FlowID         uint32
	HasFlowID      bool
}

// IsBroadcast reports whether this packet is addressed to every node.
func (p *Packet) IsBroadcast() bool {
	return p.Header.Flags.Broadcast || p.Header.NextHop == Broadcast
}

// DeadlinePassed reports whether the packet's deadline, if any, is before
// now.
func (p *Packet) DeadlinePassed(now clock.Time) bool {
	return p.HasDeadline && p.Deadline.Before(now)
}

// MayDrop reports whether this window entry may be dropped (spec.md
// 4.7.1): SYN packets are never dropped voluntarily, per the retry policy
// in spec.md section 7.
func (p *Packet) MayDrop() bool {
	return !p.Header.Flags.SYN
}

// ShouldDrop reports whether this packet has exceeded its retry budget or
// missed its deadline and so should be dropped rather than retransmitted
// again (spec.md 4.7.1, 4.7.3).
func (p *Packet) ShouldDrop(maxRetransmissions int, haveMax bool, now clock.Time) bool {
	if !p.MayDrop() {
		return false
	}
	if haveMax && p.NRetransmit >= maxRetransmissions {
		return true
	}
	return p.DeadlinePassed(now)
}
