// Package iqbuf implements the append-only IQ sample buffer shared between
// the radio front end, the channelizer, and the snapshot collector
// (spec.md section 3, IQBuf). A buffer is written by exactly one producer
// and may be read by several consumers concurrently; producer progress is
// published through an atomic sample count so readers can observe partial
// fills without a lock, mirroring the ring-buffer producer/consumer split
// in the teacher's src/rrbb.go.
package iqbuf

import (
	"sync/atomic"

	"github.com/n0sdr/corenet/internal/clock"
)

// Sample is a single complex baseband sample.
type Sample = complex64

// Buf is an append-only IQ sample buffer. The zero value is not usable;
// construct with New.
type Buf struct {
	// Seq is the monotonically increasing sequence number assigned by the
	// producer. Channelizer workers reset demodulator state when a buffer's
	// Seq is not the successor of the last one they saw.
	Seq uint64

	// Timestamp is the wall-clock time of the first sample, if known.
	Timestamp clock.Time
	HasTimestamp bool

	// CenterFreq and SampleRate describe the RF front-end configuration in
	// effect when this buffer was captured.
	CenterFreq float64
	SampleRate float64

	// SnapshotOffset, when HasSnapshotOffset, locates this buffer's first
	// sample within the snapshot collector's recording, so self-transmission
	// events can be correlated against recorded IQ.
	SnapshotOffset    int64
	HasSnapshotOffset bool

	samples  []Sample
	nsamples atomic.Int64 // producer progress, published with release semantics
	complete atomic.Bool  // true once the producer will write no more samples
}

// New allocates a Buf with capacity for n samples. The producer appends via
// Append/Complete; consumers observe progress via NSamples/Complete.
func New(seq uint64, capacity int) *Buf {
	return &Buf{Seq: seq, samples: make([]Sample, capacity)}
}

// Append writes s starting at the current producer offset and publishes the
// new length. It must be called by the single producer only.
func (b *Buf) Append(s []Sample) {
	off := int(b.nsamples.Load())
	n := copy(b.samples[off:], s)
	// Release: consumers doing an acquire-load of nsamples afterwards see
	// the samples written above.
	b.nsamples.Store(int64(off + n))
}

// MarkComplete flips the completion flag. No further samples will be
// appended after this call returns.
func (b *Buf) MarkComplete() {
	b.complete.Store(true)
}

// NSamples returns the number of samples the producer has published so far
// (acquire semantics: paired with the release in Append).
func (b *Buf) NSamples() int {
	return int(b.nsamples.Load())
}

// IsComplete reports whether the producer has finished writing.
func (b *Buf) IsComplete() bool {
	return b.complete.Load()
}

// Samples returns a slice over the currently-published portion of the
// buffer. The returned slice is a view into producer-owned storage and must
// not be retained past the buffer's lifetime or mutated.
func (b *Buf) Samples() []Sample {
	return b.samples[:b.NSamples()]
}

// Cap returns the buffer's total capacity.
func (b *Buf) Cap() int {
	return len(b.samples)
}
