package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boxcarTaps returns a length-l unity-DC-gain boxcar prototype, a stand-in
// for the externally designed (Parks-McClellan/Kaiser) filters spec.md
// treats as out of scope.
func boxcarTaps(l int) []complex64 {
	taps := make([]complex64, l)
	for i := range taps {
		taps[i] = complex(float32(1.0/float64(l)), 0)
	}
	return taps
}

// goertzel returns the magnitude of the single-bin DFT of x at the given
// normalized frequency (cycles/sample), used below to locate where a tone
// landed after resampling without needing bit-exact phase alignment.
func goertzel(x []complex64, freq float64) float64 {
	var acc complex128
	for n, s := range x {
		rot := cmplx.Exp(complex(0, -2*math.Pi*freq*float64(n)))
		acc += complex128(complex(float64(real(s)), float64(imag(s)))) * rot
	}
	return cmplx.Abs(acc) / float64(len(x))
}

func Test_UpDownsampleUnityGainRoundTrip(t *testing.T) {
	const l = 4
	const n = 200

	up := NewUpsampler(l, boxcarTaps(l))
	down := NewDownsampler(l, boxcarTaps(l))

	in := make([]complex64, n)
	for i := range in {
		in[i] = complex(1, 0) // DC signal
	}

	var mid []complex64
	mid = up.Resample(in, mid)
	require.Len(t, mid, n*l)

	var out []complex64
	out = down.Resample(mid, out)
	require.NotEmpty(t, out)

	// Past the filter's transient (a few taps of delay), the round trip
	// should reproduce the DC input with only small numerical error.
	for _, s := range out[len(out)/2:] {
		assert.InDelta(t, 1.0, real(s), 0.05)
		assert.InDelta(t, 0.0, imag(s), 0.05)
	}
}

func Test_MixingResamplerShiftsFrequencyEquivalence(t *testing.T) {
	const n = 2000
	const f = 0.05     // tone's normalized frequency before resampling
	const theta = 0.1  // frequency shift applied by the mixing resampler
	const l, m = 3, 2  // rational resampling rate

	tone := func(freq float64) []complex64 {
		out := make([]complex64, n)
		for i := range out {
			out[i] = complex64(cmplx.Exp(complex(0, 2*math.Pi*freq*float64(i))))
		}
		return out
	}

	taps := boxcarTaps(l * 8)

	// MixingRationalResampler(L, M, theta) applied to a tone at f ...
	mixer := NewMixingRationalResampler(l, m, theta, taps)
	var mixed []complex64
	mixed = mixer.ResampleMixUp(tone(f), mixed)

	// ... should land energy at the same output frequency as
	// RationalResampler(L, M) applied to a tone at f+theta, per spec.md
	// section 8's mixing resampler equivalence property. The output is at
	// l/m times the input rate, so the shifted tone's normalized frequency
	// at the output rate is (f+theta)*m/l.
	plain := NewRationalResampler(l, m, taps)
	var reference []complex64
	reference = plain.Resample(tone(f+theta), reference)

	outFreq := (f + theta) * float64(m) / float64(l)
	for outFreq > 0.5 {
		outFreq -= 1.0
	}

	tail := len(mixed) / 2
	magMixed := goertzel(mixed[tail:], outFreq)
	magReference := goertzel(reference[tail:], outFreq)

	// Both should show a strong tone at the same output frequency bin; the
	// mixing resampler's isn't expected to match the plain resampler's
	// amplitude exactly (the bandpass-shifted prototype has different
	// passband ripple at that offset) but both must be well above the
	// no-signal floor.
	assert.Greater(t, magMixed, 0.2)
	assert.Greater(t, magReference, 0.2)

	// And a tone at the *unshifted* output frequency f*m/l should NOT show
	// up strongly in the mixed output -- confirming the shift actually
	// moved the energy.
	unshiftedOutFreq := f * float64(m) / float64(l)
	magAtOldFreq := goertzel(mixed[tail:], unshiftedOutFreq)
	assert.Less(t, magAtOldFreq, magMixed)
}

func Test_DelayIsHalfTapCount(t *testing.T) {
	taps := boxcarTaps(9)
	u := NewUpsampler(2, taps)
	assert.InDelta(t, 4.0, u.Delay(), 1e-9)
}
