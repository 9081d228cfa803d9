// Package flowmon implements the flow performance monitor of spec.md
// section 2: it observes packets tagged with a flow ID, accumulates
// per-measurement-period byte/packet counters, and evaluates each period
// against a mandated-outcome record (SPEC_FULL 4.11). Grounded in
// DragonRadio's FlowPerformance (original_source, net/FlowPerformance.cc/
// .hh) and MandatedOutcome (net/MandatedOutcome.hh); the mandated-outcome
// pass/fail evaluation itself has no counterpart in original_source and is
// implemented directly from spec.md's description.
package flowmon

import (
	"sync"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

// MandatedOutcome is the pass/fail criteria imposed on one flow over a
// measurement period, grounded in DragonRadio's MandatedOutcome struct.
type MandatedOutcome struct {
	SteadyStatePeriod float64
	MaxDropRate       float64
	PointValue        int

	MinThroughputBPS    float64
	HasMinThroughputBPS bool

	MaxLatencySec    float64
	HasMaxLatencySec bool

	Deadline    float64
	HasDeadline bool
}

// PeriodStats accumulates one flow's traffic over one measurement period,
// grounded in DragonRadio's MPStats.
type PeriodStats struct {
	NPackets int
	NBytes   int64
	NDropped int

	latencySum float64
	latencyN   int
}

// Outcome is the evaluated verdict for one flow's measurement period.
type Outcome struct {
	FlowID      uint32
	Period      int
	Throughput  float64 // bits per second
	DropRate    float64
	MeanLatency float64
	HasMeanLatency bool
	Passed      bool
}

type flowRecord struct {
	src, dest  packet.NodeID
	mandate    MandatedOutcome
	hasMandate bool
	periods    []PeriodStats
}

// Monitor accumulates per-flow, per-measurement-period statistics and
// evaluates them against mandates, grounded in DragonRadio's
// FlowPerformance element.
type Monitor struct {
	mp float64 // measurement period, seconds

	mu       sync.Mutex
	start    clock.Time
	hasStart bool
	flows    map[uint32]*flowRecord
}

// New builds a Monitor with measurement period mp seconds.
func New(mp float64) *Monitor {
	return &Monitor{mp: mp, flows: make(map[uint32]*flowRecord)}
}

// SetMandate installs the mandated outcome for flowID, identified by its
// source and destination.
func (m *Monitor) SetMandate(flowID uint32, src, dest packet.NodeID, mandate MandatedOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr := m.flowLocked(flowID, src, dest)
	fr.mandate = mandate
	fr.hasMandate = true
}

// ClearMandates removes every installed mandate and resets accumulated
// statistics, mirroring setMandates' "flows_.clear()" side effect in the
// original: a mandate change invalidates prior measurement periods.
func (m *Monitor) ClearMandates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = make(map[uint32]*flowRecord)
	m.hasStart = false
}

func (m *Monitor) flowLocked(flowID uint32, src, dest packet.NodeID) *flowRecord {
	fr, ok := m.flows[flowID]
	if !ok {
		fr = &flowRecord{src: src, dest: dest}
		m.flows[flowID] = fr
	}
	return fr
}

func (m *Monitor) periodOfLocked(t clock.Time) int {
	if !m.hasStart {
		m.start = t
		m.hasStart = true
	}
	elapsed := t.Sub(m.start).Seconds()
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / m.mp)
}

// Record tags one packet's outcome against its flow, if it carries one
// (spec.md section 2, "observes packets tagged with a flow ID"). dropped
// distinguishes a packet that never made it (counted against drop rate
// only) from a delivered one (counted toward bytes/throughput); latencySec
// is ignored unless hasLatency.
func (m *Monitor) Record(pkt *packet.Packet, now clock.Time, dropped bool, latencySec float64, hasLatency bool) {
	if !pkt.HasFlowID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fr := m.flowLocked(pkt.FlowID, pkt.ExtHeader.Src, pkt.ExtHeader.Dest)
	period := m.periodOfLocked(now)
	if period >= len(fr.periods) {
		grown := make([]PeriodStats, period+1)
		copy(grown, fr.periods)
		fr.periods = grown
	}

	ps := &fr.periods[period]
	if dropped {
		ps.NDropped++
		return
	}
	ps.NPackets++
	ps.NBytes += int64(len(pkt.Payload))
	if hasLatency {
		ps.latencySum += latencySec
		ps.latencyN++
	}
}

// Evaluate computes the Outcome of every flow's most recently touched
// measurement period against its mandate. Flows with no mandate always
// pass (they are observed, not scored).
func (m *Monitor) Evaluate() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Outcome
	for flowID, fr := range m.flows {
		if len(fr.periods) == 0 {
			continue
		}
		period := len(fr.periods) - 1
		ps := fr.periods[period]

		total := ps.NPackets + ps.NDropped
		var dropRate float64
		if total > 0 {
			dropRate = float64(ps.NDropped) / float64(total)
		}

		o := Outcome{
			FlowID:     flowID,
			Period:     period,
			Throughput: float64(ps.NBytes*8) / m.mp,
			DropRate:   dropRate,
		}
		if ps.latencyN > 0 {
			o.MeanLatency = ps.latencySum / float64(ps.latencyN)
			o.HasMeanLatency = true
		}

		if fr.hasMandate {
			o.Passed = evaluateMandate(fr.mandate, o)
		} else {
			o.Passed = true
		}
		out = append(out, o)
	}
	return out
}

func evaluateMandate(mandate MandatedOutcome, o Outcome) bool {
	if o.DropRate > mandate.MaxDropRate {
		return false
	}
	if mandate.HasMinThroughputBPS && o.Throughput < mandate.MinThroughputBPS {
		return false
	}
	if mandate.HasMaxLatencySec && o.HasMeanLatency && o.MeanLatency > mandate.MaxLatencySec {
		return false
	}
	return true
}
