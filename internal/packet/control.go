package packet

import "github.com/n0sdr/corenet/internal/clock"

// Control is the sealed interface implemented by every control message
// variant from spec.md section 3. It is the idiomatic-Go rendering of the
// wire format's tagged union (spec.md section 9): a one-byte tag plus a
// fixed-size body, dispatched here with a type switch instead of an
// iterator over variants.
type Control interface {
	controlTag() controlTag
}

type controlTag uint8

const (
	tagHello controlTag = iota + 1
	tagPing
	tagTimestamp
	tagTimestampSent
	tagTimestampRecv
	tagSetUnack
	tagNak
	tagSelectiveAck
	tagShortTermReceiverStats
	tagLongTermReceiverStats
)

// Hello announces a node's presence and gateway status.
type Hello struct {
	IsGateway bool
}

func (Hello) controlTag() controlTag { return tagHello }

// Ping solicits a response for reachability/AMC re-probing.
type Ping struct{}

func (Ping) controlTag() controlTag { return tagPing }

// Timestamp requests a timestamp exchange, identified by tseq.
type Timestamp struct {
	TSeq uint32
}

func (Timestamp) controlTag() controlTag { return tagTimestamp }

// TimestampSent echoes the wall-clock time a node sent timestamp sequence
// TSeq, so the receiver can correlate its own send time against the
// sender's.
type TimestampSent struct {
	TSeq uint32
	T    clock.Time
}

func (TimestampSent) controlTag() controlTag { return tagTimestampSent }

// TimestampRecv echoes the wall-clock time a node received timestamp
// sequence TSeq from Node, for time-sync triples (spec.md 4.7.8).
type TimestampRecv struct {
	Node NodeID
	TSeq uint32
	T    clock.Time
}

func (TimestampRecv) controlTag() controlTag { return tagTimestampRecv }

// SetUnack asks the receiver to realign its notion of our send window's
// unack pointer (spec.md 4.7.5, selective-ACK realignment).
type SetUnack struct {
	Unack Seq
}

func (SetUnack) controlTag() controlTag { return tagSetUnack }

// Nak explicitly requests retransmission of Seq.
type Nak struct {
	Seq Seq
}

func (Nak) controlTag() controlTag { return tagNak }

// SelectiveAck describes a half-open range [Begin, End) of received
// sequence numbers (spec.md 4.7.5).
type SelectiveAck struct {
	Begin Seq
	End   Seq
}

func (SelectiveAck) controlTag() controlTag { return tagSelectiveAck }

// ShortTermReceiverStats carries a receiver's short-window EVM/RSSI
// feedback, used to drive the sender's AMC loop.
type ShortTermReceiverStats struct {
	EVM  float64
	RSSI float64
}

func (ShortTermReceiverStats) controlTag() controlTag { return tagShortTermReceiverStats }

// LongTermReceiverStats carries a receiver's long-window EVM/RSSI
// feedback.
type LongTermReceiverStats struct {
	EVM  float64
	RSSI float64
}

func (LongTermReceiverStats) controlTag() controlTag { return tagLongTermReceiverStats }
