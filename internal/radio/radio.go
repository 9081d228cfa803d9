// Package radio defines the radio front-end contract consumed by the MAC
// (spec.md 6.1) plus the reference front ends this deployment ships with:
// a sound-card front end for audio-rate testing/simulation (portaudiofe),
// a rig-control front end for frequency/gain commands on real SDR hardware
// (hamlibfe), a GPIO PTT line driver (gpioptt), and a udev-based watcher
// that re-attaches a front end when its backing device reappears
// (udevwatch).
package radio

import "github.com/n0sdr/corenet/internal/clock"

// FrontEnd is the radio hardware contract (spec.md 6.1). All methods must
// be safe to call from the MAC's RX and TX workers concurrently except
// where noted.
type FrontEnd interface {
	SetTXFrequency(hz float64) error
	SetRXFrequency(hz float64) error
	SetTXRate(hz float64) error
	SetRXRate(hz float64) error
	SetTXGain(db float64) error
	SetRXGain(db float64) error

	// StartRXStream begins streaming reads into IQ buffers delivered via
	// the returned channel. If hasWhen, streaming should begin at when
	// rather than immediately.
	StartRXStream(when clock.Time, hasWhen bool) (<-chan []complex64, error)
	StopRXStream() error

	// BurstTX queues buffers for transmission. If hasWhen, the burst
	// begins at when; startOfBurst/endOfBurst mark the first/last buffer
	// of a contiguous burst so the front end can ramp PTT accordingly.
	BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error
	// StopTXBurst ends the current burst on the next buffer boundary.
	StopTXBurst() error

	// GetNextTXTime reports the time at which the next queued sample will
	// leave the radio, valid only while InTXBurst is true.
	GetNextTXTime() (clock.Time, error)
	InTXBurst() bool
	GetTXUnderflowCount() uint64
	GetTXLateCount() uint64

	// Now is the radio's own notion of current monotonic time; a front end
	// with a hardware clock may slave the system clock.Keeper to this.
	Now() clock.Time
}
