package dsp

import "math"

// nco is a numerically controlled oscillator: a running phase accumulator
// used to mix a baseband signal up or down by a fixed normalized frequency,
// grounded in the phase-accumulator carrier recovery in the teacher's
// src/demod_afsk.go (osc_phase += osc_delta, fcos/fsin of the running
// phase).
type nco struct {
	phase float64 // radians
	delta float64 // radians advanced per sample
}

func newNCO(delta float64) *nco {
	return &nco{delta: delta}
}

func (o *nco) setPhase(p float64) { o.phase = p }

func (o *nco) reset(delta float64) {
	o.delta = delta
	o.phase = 0
}

// mixUp multiplies s by e^{+j*phase} and advances the phase.
func (o *nco) mixUp(s complex64) complex64 {
	sinv, cosv := math.Sincos(o.phase)
	o.advance()
	rot := complex(float32(cosv), float32(sinv))
	return s * rot
}

// mixDown multiplies s by e^{-j*phase} and advances the phase.
func (o *nco) mixDown(s complex64) complex64 {
	sinv, cosv := math.Sincos(o.phase)
	o.advance()
	rot := complex(float32(cosv), float32(-sinv))
	return s * rot
}

func (o *nco) advance() {
	o.phase += o.delta
	if o.phase > math.Pi {
		o.phase -= 2 * math.Pi
	} else if o.phase < -math.Pi {
		o.phase += 2 * math.Pi
	}
}
