package arq

import (
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

// AMCParams is the adaptive-modulation-and-coding policy shared by every
// SendWindow on a controller (spec.md 4.7.6), grounded in SmartController's
// mcsidx_* fields (original_source, llc/SmartController.cc).
type AMCParams struct {
	MCSIdxMax packet.MCS // highest MCS index AMC is allowed to select
	Valid     []bool     // per-MCS validity, indexed by packet.MCS

	UpPERThreshold   float64 // long PER below this: eligible to move up
	DownPERThreshold float64 // short PER above this: move down
	Alpha            float64 // hysteresis decay applied to mcsidx_prob on a down move
	ProbFloor        float64 // mcsidx_prob never decays below this

	// EVMThresholds[i], when HasThreshold, caps the EVM a sender must
	// report to be allowed to move up into MCS index i.
	EVMThresholds []EVMThreshold

	// FastAdjustPackets is the number of packets into a fresh window
	// during which EVM feedback (long_evm once it has samples, short_evm
	// otherwise) rather than the PER hysteresis loop drives MCS selection,
	// snapping directly to the best EVM-eligible index (spec.md 4.7.6,
	// "fast adjustment period").
	FastAdjustPackets int

	// RandFloat64 returns a uniform [0,1) draw for the probabilistic
	// transition test; defaults to math/rand's package-level source if
	// nil. Tests inject a deterministic stand-in.
	RandFloat64 func() float64

	OnMCSChange func(dest packet.NodeID, old, new packet.MCS)
}

func (p *AMCParams) rand() float64 {
	if p.RandFloat64 != nil {
		return p.RandFloat64()
	}
	return defaultRandFloat64()
}

// fastAdjusting reports whether w is still within its fast-adjustment
// period: the first FastAdjustPackets transmissions after the window was
// opened or last reset.
func (w *SendWindow) fastAdjusting(params *AMCParams) bool {
	return params.FastAdjustPackets > 0 && uint32(w.perEnd.Distance(w.seq)) < uint32(params.FastAdjustPackets)
}

// RecordPER feeds one ACK/NAK outcome into the short and long PER
// estimators (spec.md 4.7.6). It does not re-evaluate the MCS choice;
// callers follow it with UpdateMCS.
func (w *SendWindow) RecordPER(now clock.Time, success bool) {
	var v float64
	if !success {
		v = 1.0
	}
	w.shortPER.Update(now, v)
	w.longPER.Update(now, v)
}

// RecordEVM feeds one EVM observation from receiver feedback (spec.md
// section 3, short_evm/long_evm) into both estimators.
func (w *SendWindow) RecordEVM(now clock.Time, evmDB float64) {
	w.shortEVM.Update(now, evmDB)
	w.longEVM.Update(now, evmDB)
	w.hasLongEVM = w.longEVM.NSamples() > 0
}

// RecordRSSI feeds one RSSI observation from receiver feedback into both
// estimators.
func (w *SendWindow) RecordRSSI(now clock.Time, rssiDB float64) {
	w.shortRSSI.Update(now, rssiDB)
	w.longRSSI.Update(now, rssiDB)
	w.hasLongRSSI = w.longRSSI.NSamples() > 0
}

// UpdateMCS re-evaluates the current MCS index against the short/long PER
// and EVM estimators and moves it up, down, or leaves it unchanged
// (spec.md 4.7.6). Caller serializes access to the window (the controller
// holds the neighbor's mu).
func (w *SendWindow) UpdateMCS(now clock.Time, params *AMCParams) {
	shortPER := w.shortPER.Value(now)
	longPER := w.longPER.Value(now)
	shortEVM := w.shortEVM.Value(now)
	longEVM := w.longEVM.Value(now)

	switch {
	case w.shortPER.NSamples() > 0 && shortPER > params.DownPERThreshold:
		w.mcsIdxProb[w.mcsIdx] = max(w.mcsIdxProb[w.mcsIdx]*params.Alpha, params.ProbFloor)

		n := w.levelsToDescend(longEVM, w.hasLongEVM, params)
		if n != 0 {
			w.moveDownMCS(now, params, n)
		} else {
			w.resetPEREstimates()
		}

	case w.fastAdjusting(params) && w.shortEVM.NSamples() > 0:
		evm := shortEVM
		if w.hasLongEVM {
			evm = longEVM
		}
		newIdx := w.mcsIdxMin
		for newIdx < params.MCSIdxMax {
			th := params.EVMThresholds[newIdx+1]
			if th.HasThreshold && evm >= th.DB {
				break
			}
			newIdx++
		}
		w.setMCS(now, params, newIdx)

	case w.longPER.NSamples() > 0 && longPER < params.UpPERThreshold:
		w.mcsIdxProb[w.mcsIdx] = 1.0

		if w.mayMoveUpMCS(longEVM, w.hasLongEVM, params) {
			w.moveUpMCS(now, params)
		} else {
			w.resetPEREstimates()
		}
	}
}

// levelsToDescend computes how many MCS levels to drop on a high-short-PER
// event: it walks downward while the target level is valid and, whenever
// both an EVM threshold and long-EVM feedback are available, while long
// EVM still exceeds the next threshold down (original_source's
// "while (mcsidx > n && ... mcs_table[mcsidx-(n+1)].valid)" loop).
func (w *SendWindow) levelsToDescend(longEVM float64, hasLongEVM bool, params *AMCParams) int {
	n := 0
	for int(w.mcsIdx) > n && int(w.mcsIdx)-n > int(w.mcsIdxMin) && params.Valid[int(w.mcsIdx)-(n+1)] {
		n++
		th := params.EVMThresholds[int(w.mcsIdx)-n]
		if !th.HasThreshold || !hasLongEVM || longEVM < th.DB {
			break
		}
	}
	return n
}

func (w *SendWindow) moveDownMCS(now clock.Time, params *AMCParams, n int) {
	w.setMCS(now, params, w.mcsIdx-packet.MCS(n))
}

// mayMoveUpMCS reports whether the next-higher MCS index is reachable:
// either its EVM threshold is met, or (absent a threshold) the
// probabilistic transition test passes (spec.md 4.7.6).
func (w *SendWindow) mayMoveUpMCS(longEVM float64, hasLongEVM bool, params *AMCParams) bool {
	if w.mcsIdx >= params.MCSIdxMax {
		return false
	}

	th := params.EVMThresholds[w.mcsIdx+1]
	if th.HasThreshold {
		return hasLongEVM && longEVM < th.DB
	}

	return params.rand() < w.mcsIdxProb[w.mcsIdx+1]
}

func (w *SendWindow) moveUpMCS(now clock.Time, params *AMCParams) {
	w.setMCS(now, params, w.mcsIdx+1)
}

// setMCS changes the active MCS index, skipping forward over any indices
// marked invalid, resets the PER window, and records the sequence number
// at which the new MCS took effect (per_end, spec.md 4.7.6).
func (w *SendWindow) setMCS(now clock.Time, params *AMCParams, newIdx packet.MCS) {
	for int(newIdx) < len(params.Valid)-1 && !params.Valid[newIdx] {
		newIdx++
	}
	if newIdx == w.mcsIdx {
		return
	}

	old := w.mcsIdx
	w.mcsIdx = newIdx
	w.perEnd = w.seq
	w.resetPEREstimates()

	if params.OnMCSChange != nil {
		params.OnMCSChange(w.Dest, old, newIdx)
	}
}

func (w *SendWindow) resetPEREstimates() {
	w.shortPER.Reset(0)
	w.longPER.Reset(0)
}

// EnvironmentDiscontinuity resets AMC entirely back to its initial state:
// every transition probability to 1.0, the MCS snapped to mcsidx_init, and
// PER/EVM/RSSI estimators cleared (spec.md 4.7.6, last paragraph). Callers
// are expected to also send a Ping to the neighbor to re-probe the link.
func (w *SendWindow) EnvironmentDiscontinuity(now clock.Time) {
	for i := range w.mcsIdxProb {
		w.mcsIdxProb[i] = 1.0
	}
	w.mcsIdx = w.mcsIdxInit
	w.perCutoff = w.seq
	w.perEnd = w.seq
	w.resetPEREstimates()
	w.shortEVM.Reset(0)
	w.longEVM.Reset(0)
	w.shortRSSI.Reset(0)
	w.longRSSI.Reset(0)
	w.hasLongEVM = false
	w.hasLongRSSI = false
}
