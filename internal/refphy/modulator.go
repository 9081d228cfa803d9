package refphy

import (
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
)

// Modulator renders packets to uncoded BPSK at one sample per symbol
// (spec.md 6.2, mkPacketModulator). dest is unused beyond being the
// factory key the synthesizer dispatches on -- every destination shares
// the same waveform here since refphy has no per-neighbor channel model.
type Modulator struct {
	dest packet.NodeID
}

// Modulate implements phy.Modulator.
func (m *Modulator) Modulate(pkt *packet.Packet, gain float64, out *phy.ModPacket) error {
	frame := encodeFrame(pkt)
	bits := bytesToBits(preamble)
	bits = append(bits, u16Bits(syncWord)...)
	bits = append(bits, u16Bits(uint16(len(frame)))...) // body length, so the demodulator knows where CRC ends
	bits = append(bits, bytesToBits(frame)...)

	samples := make([]complex64, len(bits))
	for i, b := range bits {
		v := float32(gain)
		if b == 0 {
			v = -v
		}
		samples[i] = complex(v, 0)
	}

	out.Samples = samples
	out.Pkt = pkt
	out.NSamples = len(samples)
	return nil
}

// ModulatedSize implements phy.Modulator: one sample per bit, regardless
// of mcs (every refphy level is the same uncoded BPSK waveform).
func (m *Modulator) ModulatedSize(mcs packet.MCS, nBytes int) int {
	return 8 * (len(preamble) + 2 + frameOverheadBytes + nBytes)
}

// MinTXRateOversample implements phy.Modulator: one sample per symbol with
// no pulse shaping needs no headroom above Nyquist.
func (m *Modulator) MinTXRateOversample() float64 {
	return 1
}

// frameOverheadBytes approximates encodeFrame's fixed overhead (header,
// seq, ext-header worst case, control count, timestamp flag, length, crc)
// for capacity planning without actually building a packet.
const frameOverheadBytes = 3 + 4 + 6 + 1 + 1 + 2 + 2

func bytesToBits(b []byte) []byte {
	bits := make([]byte, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (c>>uint(i))&1)
		}
	}
	return bits
}

func u16Bits(v uint16) []byte {
	bits := make([]byte, 16)
	for i := 0; i < 16; i++ {
		bits[i] = byte((v >> uint(15-i)) & 1)
	}
	return bits
}
