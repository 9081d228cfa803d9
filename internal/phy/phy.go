// Package phy defines the framing PHY contract consumed by the
// channelizer and synthesizer (spec.md section 6.2): packet modulation and
// demodulation are abstracted behind Modulator/Demodulator interfaces so
// the MAC/ARQ stack never depends on a concrete waveform. The only
// concrete type here is the MCS table, since every other component needs
// to index it.
package phy

import (
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

// MCSInfo is one entry of the PHY's modulation-and-coding table (spec.md
// 6.2, mcs_table).
type MCSInfo struct {
	MCS   packet.MCS
	Valid bool
	// BitsPerSymbol and SamplesPerSymbol let callers plan modulated packet
	// capacity without invoking the modulator.
	BitsPerSymbol    float64
	SamplesPerSymbol int
}

// ModPacket is the result of modulating one packet: an IQ sample run plus
// the bookkeeping the synthesizer needs to place it in a slot or burst.
type ModPacket struct {
	Samples  []complex64
	Pkt      *packet.Packet
	NSamples int
}

// Modulator turns packets into modulated IQ sample runs for one
// destination's current MCS (spec.md 6.2, mkPacketModulator).
type Modulator interface {
	// Modulate renders pkt at the given linear gain into out, filling its
	// fields in place, and reports an error if pkt cannot be modulated.
	Modulate(pkt *packet.Packet, gain float64, out *ModPacket) error
	// ModulatedSize reports how many samples an nBytes payload would occupy
	// at mcs, for synthesizer capacity planning.
	ModulatedSize(mcs packet.MCS, nBytes int) int
	// MinTXRateOversample reports how far above Nyquist (relative to a
	// channel's bandwidth) the synthesizer must interpolate to render this
	// waveform cleanly (spec.md 6.2, getMinTXRateOversample).
	MinTXRateOversample() float64
}

// RadioPacket is a demodulator's output: a decoded packet.Packet plus the
// channel-relative metadata the channelizer stamps on it.
type RadioPacket struct {
	Pkt  *packet.Packet
	EVM  float64
	RSSI float64
	CFO  float64
}

// Demodulator is per-channel framing-PHY state (spec.md 6.2,
// mkPacketDemodulator): it consumes baseband samples and emits decoded
// packets through a callback, tracking frame-open state across calls so
// the channelizer knows when a sequence gap requires a Reset.
type Demodulator interface {
	// Reset clears frame state, e.g. after an IQ buffer sequence gap or a
	// channel reassignment.
	Reset(channel int)
	// Timestamp informs the demodulator of the wall-clock time of the first
	// sample in the next Demodulate call, for RecvTimestamp stamping.
	Timestamp(t clock.Time)
	// IsFrameOpen reports whether a frame is mid-reception: a sequence gap
	// while a frame is open must still reset state (spec.md 4.4.1 step 1).
	IsFrameOpen() bool
	// Demodulate feeds n samples in; SetCallback's sink fires zero or more
	// times before Demodulate returns.
	Demodulate(samples []complex64)
	// SetCallback installs the sink invoked for each decoded packet.
	SetCallback(fn func(*RadioPacket))
	// MinRXRateOversample reports how far above Nyquist (relative to a
	// channel's bandwidth) the channelizer must interpolate this channel's
	// decimated spectrum before this demodulator can run on it (spec.md
	// 6.2, getMinRXRateOversample).
	MinRXRateOversample() float64
}

// DemodulatorFactory and ModulatorFactory let the channelizer/synthesizer
// construct fresh per-channel PHY state without depending on a concrete
// waveform package (spec.md 6.2, mkPacketDemodulator/mkPacketModulator).
type DemodulatorFactory func() Demodulator
type ModulatorFactory func(dest packet.NodeID) Modulator
