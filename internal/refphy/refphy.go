// Package refphy is a reference framing PHY: a concrete, deliberately
// simple implementation of the phy.Modulator/phy.Demodulator contract
// (spec.md section 6.2), good enough to carry packets over a loopback or
// simulated channel so cmd/sdrd and cmd/sdrsim have something to run
// against out of the box. spec.md 6.2 is explicit that the framing PHY
// proper -- preamble acquisition, equalization, FEC -- is consumed, not
// specified; nothing in the teacher or the rest of the retrieval pack
// supplies one either (internal/phy itself only defines the contract).
// refphy fills that gap with uncoded BPSK and a phase-coherent channel
// assumption: it recovers bits from the sign of a sample's real part with
// no carrier or timing recovery loop, which is why it belongs behind
// cmd/sdrsim's loopback front end rather than claimed as RF-grade.
package refphy

import (
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
)

// preamble is a fixed bit pattern a demodulator scans for to find frame
// start; syncWord follows it and marks the true byte boundary.
var preamble = []byte{0xAA, 0xAA, 0xAA, 0xAA}

const syncWord = uint16(0x7E7E)

// MCSTable is refphy's modulation-and-coding table (spec.md 6.2,
// mcs_table). Every level renders as the same uncoded BPSK waveform --
// refphy has no per-MCS constellation or code rate -- so the table exists
// only to give internal/arq's AMC loop the number of levels its
// NumMCS/MCSIdxMax configuration expects to adapt across; the AMC
// up/down decisions it drives are still exercised even though the
// simulated channel doesn't actually get faster or slower with them.
func MCSTable(numLevels int) []phy.MCSInfo {
	out := make([]phy.MCSInfo, numLevels)
	for i := range out {
		out[i] = phy.MCSInfo{
			MCS:              packet.MCS(i),
			Valid:            true,
			BitsPerSymbol:    1,
			SamplesPerSymbol: 1,
		}
	}
	return out
}

// NewModulatorFactory returns a phy.ModulatorFactory bound to this table.
func NewModulatorFactory() phy.ModulatorFactory {
	return func(dest packet.NodeID) phy.Modulator {
		return &Modulator{dest: dest}
	}
}

// NewDemodulatorFactory returns a phy.DemodulatorFactory producing fresh
// per-channel demodulator state.
func NewDemodulatorFactory() phy.DemodulatorFactory {
	return func() phy.Demodulator {
		return newDemodulator()
	}
}
