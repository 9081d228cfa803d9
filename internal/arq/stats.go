package arq

import (
	"math"

	"github.com/n0sdr/corenet/internal/clock"
)

// windowedMean computes a mean over a trailing time window, grounded in
// DragonRadio's TimeWindowMean (original_source, stats/TimeWindowEstimator.hh).
// Used for short_per, long_per, and the EVM/RSSI feedback estimators
// (spec.md section 3).
type windowedMean struct {
	window  float64 // seconds
	entries []timedValue
	sum     float64
	seed    float64 // Value of an empty window: NaN until Reset
}

type timedValue struct {
	t clock.Time
	v float64
}

func newWindowedMean(window float64) *windowedMean {
	return &windowedMean{window: window, seed: math.NaN()}
}

// Reset clears the window and seeds it with x: Value reports x until a new
// sample arrives, while NSamples stays 0 (used on MCS change and
// environment discontinuity, spec.md 4.7.6).
func (m *windowedMean) Reset(x float64) {
	m.entries = m.entries[:0]
	m.sum = 0
	m.seed = x
}

func (m *windowedMean) SetWindow(window float64) {
	m.window = window
}

func (m *windowedMean) purge(t clock.Time) {
	for len(m.entries) > 0 && m.entries[0].t.AddSeconds(m.window).Before(t) {
		m.sum -= m.entries[0].v
		m.entries = m.entries[1:]
	}
}

func (m *windowedMean) Update(t clock.Time, x float64) {
	m.purge(t)
	m.sum += x
	m.entries = append(m.entries, timedValue{t: t, v: x})
}

// Value returns the current mean. With no samples in the window it returns
// the value of the last Reset, or NaN if the window was never reset.
func (m *windowedMean) Value(now clock.Time) float64 {
	m.purge(now)
	if len(m.entries) == 0 {
		return m.seed
	}
	return m.sum / float64(len(m.entries))
}

func (m *windowedMean) NSamples() int {
	return len(m.entries)
}

// windowedMax computes a maximum over a trailing time window, grounded in
// DragonRadio's TimeWindowMax -- the same family as windowedMean, used for
// sendw.ack_delay's "windowed max of observed RTTs" (spec.md section 3,
// 4.7.7).
type windowedMax struct {
	window  float64
	entries []timedValue
}

func newWindowedMax(window float64) *windowedMax {
	return &windowedMax{window: window}
}

func (m *windowedMax) SetWindow(window float64) {
	m.window = window
}

func (m *windowedMax) purge(t clock.Time) {
	for len(m.entries) > 0 && m.entries[0].t.AddSeconds(m.window).Before(t) {
		m.entries = m.entries[1:]
	}
}

func (m *windowedMax) Update(t clock.Time, x float64) {
	m.purge(t)
	m.entries = append(m.entries, timedValue{t: t, v: x})
}

// Value returns the maximum value currently in the window, or fallback if
// the window is empty.
func (m *windowedMax) Value(now clock.Time, fallback float64) float64 {
	m.purge(now)
	if len(m.entries) == 0 {
		return fallback
	}
	max := m.entries[0].v
	for _, e := range m.entries[1:] {
		if e.v > max {
			max = e.v
		}
	}
	return max
}
