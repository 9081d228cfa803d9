// Package dsp implements the polyphase filter bank resamplers from
// spec.md section 4.2: an upsampler, a downsampler, a rational resampler
// combining the two, and a mixing rational resampler that additionally
// applies a frequency shift while resampling. All are built from a common
// prototype-filter decomposition grounded in DragonRadio's
// dsp/Polyphase.hh (original_source), with the "bandpass-on-prototype"
// trick for the mixing variant.
package dsp

import "math"

// pfb is the common polyphase filter bank machinery shared by all
// resampler variants: it decomposes prototype taps into L per-phase taps
// and maintains the sliding sample window they're dotted against.
type pfb struct {
	l     int
	taps  []complex64 // current (possibly bandpass-shifted) prototype taps
	rtaps [][]complex64
	n     int // taps per phase
	w     *window
}

func newPFB(l int, taps []complex64) *pfb {
	p := &pfb{l: l, taps: append([]complex64(nil), taps...)}
	p.reconfigure()
	return p
}

// Delay is the prototype filter's group delay in samples (spec.md 4.2):
// (P-1)/2.
func (p *pfb) Delay() float64 {
	return float64(len(p.taps)-1) / 2.0
}

func (p *pfb) setTaps(taps []complex64) {
	p.taps = append([]complex64(nil), taps...)
	p.reconfigure()
}

func (p *pfb) reconfigure() {
	ntaps := len(p.taps)
	p.n = (ntaps + p.l - 1) / p.l // ceil(P/L)
	p.w = newWindow(p.n)

	p.rtaps = make([][]complex64, p.l)
	for i := range p.rtaps {
		p.rtaps[i] = make([]complex64, p.n)
	}

	// Each channel gets every Lth tap from the prototype, scaled by L, and
	// placed in reverse order so it can be dotted directly against the
	// chronological sample window.
	for i, tap := range p.taps {
		phase := i % p.l
		slot := p.n - 1 - i/p.l
		p.rtaps[phase][slot] = complex64(complex(float32(p.l), 0)) * tap
	}
}

func (p *pfb) reset() {
	p.w.reset()
}

func (p *pfb) push(s complex64) {
	p.w.add(s)
}

func (p *pfb) dot(phase int) complex64 {
	return p.w.dotprod(p.rtaps[phase])
}

// Upsampler interpolates by an integer rate L using a polyphase filter
// bank: each input sample yields L output samples, one per phase.
type Upsampler struct {
	pfb
}

// NewUpsampler builds an upsampler with interpolation rate l and prototype
// taps (which should have unity passband gain).
func NewUpsampler(l int, taps []complex64) *Upsampler {
	return &Upsampler{pfb: *newPFB(l, taps)}
}

func (u *Upsampler) Rate() float64 { return float64(u.l) }

func (u *Upsampler) Reset() { u.reset() }

// Resample consumes in and appends L*len(in) samples to out, returning the
// extended slice.
func (u *Upsampler) Resample(in []complex64, out []complex64) []complex64 {
	for _, s := range in {
		u.push(s)
		for j := 0; j < u.l; j++ {
			out = append(out, u.dot(j))
		}
	}
	return out
}

// Downsampler decimates by an integer rate M using a polyphase filter bank:
// one output sample is emitted for every M input samples.
type Downsampler struct {
	pfb
	m   int
	idx int
}

// NewDownsampler builds a downsampler with decimation rate m and prototype
// taps.
func NewDownsampler(m int, taps []complex64) *Downsampler {
	return &Downsampler{pfb: *newPFB(1, taps), m: m}
}

func (d *Downsampler) Rate() float64 { return 1.0 / float64(d.m) }

func (d *Downsampler) Reset() {
	d.reset()
	d.idx = 0
}

func (d *Downsampler) Resample(in []complex64, out []complex64) []complex64 {
	for _, s := range in {
		d.push(s)
		if d.idx == 0 {
			out = append(out, d.dot(0))
		}
		d.idx = (d.idx + 1) % d.m
	}
	return out
}

// RationalResampler resamples by the rational rate L/M, combining
// interpolation and decimation in a single polyphase pass.
type RationalResampler struct {
	pfb
	m   int
	idx int
}

// NewRationalResampler builds a resampler with interpolation rate l,
// decimation rate m, and prototype taps.
func NewRationalResampler(l, m int, taps []complex64) *RationalResampler {
	return &RationalResampler{pfb: *newPFB(l, taps), m: m}
}

func (r *RationalResampler) Rate() float64 { return float64(r.l) / float64(r.m) }

func (r *RationalResampler) Reset() {
	r.reset()
	r.idx = 0
}

func (r *RationalResampler) SetRate(l, m int) {
	r.l = l
	r.m = m
	r.reconfigure()
	r.Reset()
}

func (r *RationalResampler) Resample(in []complex64, out []complex64) []complex64 {
	for _, s := range in {
		r.push(s)
		for j := 0; j < r.l; j++ {
			if r.idx == 0 {
				out = append(out, r.dot(j))
			}
			r.idx = (r.idx + 1) % r.m
		}
	}
	return out
}

// MixingRationalResampler combines rational resampling with a frequency
// shift theta (normalized frequency, cycles/sample), via the
// bandpass-on-prototype trick: the lowpass prototype is converted to a
// bandpass filter centered at theta, compensated for the higher of the
// input/output rates, and an NCO mixes the resampled output the rest of
// the way (spec.md 4.2).
type MixingRationalResampler struct {
	RationalResampler
	theta     float64
	protoTaps []complex64
	nco       *nco
}

// NewMixingRationalResampler builds a resampler with interpolation rate l,
// decimation rate m, frequency shift theta, and lowpass prototype taps.
func NewMixingRationalResampler(l, m int, theta float64, taps []complex64) *MixingRationalResampler {
	r := &MixingRationalResampler{
		RationalResampler: RationalResampler{pfb: *newPFB(l, taps), m: m},
		theta:             theta,
		protoTaps:         append([]complex64(nil), taps...),
		nco:               newNCO(0),
	}
	r.reconfigureMixing()
	return r
}

func (r *MixingRationalResampler) Theta() float64 { return r.theta }

func (r *MixingRationalResampler) SetTheta(theta float64) {
	r.theta = theta
	r.reconfigureMixing()
}

// SetRate changes the interpolation/decimation rates, re-deriving the
// bandpass taps and NCO deltas for the new rate.
func (r *MixingRationalResampler) SetRate(l, m int) {
	r.l = l
	r.m = m
	r.reconfigureMixing()
}

// BandpassTaps returns the current mixed (bandpass) prototype taps.
func (r *MixingRationalResampler) BandpassTaps() []complex64 {
	return r.taps
}

// Reset clears the sample window, phase counter, and NCO phase.
func (r *MixingRationalResampler) Reset() {
	r.RationalResampler.Reset()
	r.nco.setPhase(0)
}

func (r *MixingRationalResampler) reconfigureMixing() {
	rate := float64(r.l) / float64(r.m)

	// The frequency shift is specified at the higher of the input and
	// output rates, so the prototype-shift NCO delta is compensated
	// accordingly before being baked into the bandpass taps.
	var shiftDelta float64
	if rate > 1.0 {
		shiftDelta = 2 * math.Pi * r.theta / float64(r.m)
	} else {
		shiftDelta = 2 * math.Pi * r.theta / float64(r.l)
	}

	shiftNCO := newNCO(shiftDelta)
	bandpass := make([]complex64, len(r.protoTaps))
	for i, t := range r.protoTaps {
		bandpass[i] = shiftNCO.mixUp(t)
	}
	r.pfb.taps = bandpass
	r.pfb.reconfigure()
	r.Reset()

	// The output-side NCO mixes the resampled stream the rest of the way to
	// compensate for the non-unity upsample/downsample rates.
	if rate > 1.0 {
		r.nco.reset(2 * math.Pi * r.theta * float64(r.l) / float64(r.m))
	} else {
		r.nco.reset(2 * math.Pi * r.theta * float64(r.m) / float64(r.l))
	}
}

// ResampleMixUp mixes the input up by theta before resampling: used when
// converting a baseband channel up onto an RF-relative offset (the
// synthesizer's use case).
func (r *MixingRationalResampler) ResampleMixUp(in []complex64, out []complex64) []complex64 {
	for _, s := range in {
		r.push(r.nco.mixUp(s))
		for j := 0; j < r.l; j++ {
			if r.idx == 0 {
				out = append(out, r.dot(j))
			}
			r.idx = (r.idx + 1) % r.m
		}
	}
	return out
}

// ResampleMixDown resamples then mixes the output down by theta: used when
// extracting a channel at offset theta down to baseband (the channelizer's
// use case).
func (r *MixingRationalResampler) ResampleMixDown(in []complex64, out []complex64) []complex64 {
	for _, s := range in {
		r.push(s)
		for j := 0; j < r.l; j++ {
			if r.idx == 0 {
				out = append(out, r.nco.mixDown(r.dot(j)))
			}
			r.idx = (r.idx + 1) % r.m
		}
	}
	return out
}
