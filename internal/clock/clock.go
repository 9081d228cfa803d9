// Package clock implements the two clocks the stack runs on: a monotonic
// clock used for scheduling and timers, and a wall clock kept in step with
// it via an atomically-updated offset and skew. Both represent time as a
// (whole seconds, fractional seconds) pair rather than a single float64, so
// that long-running radios don't lose precision in the fractional part.
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Time is a point in time represented as an integer second count plus a
// fractional remainder in [0, 1). Splitting the representation this way
// keeps sub-nanosecond precision available arbitrarily far from the epoch,
// which a single float64 seconds count would lose.
type Time struct {
	Full int64
	Frac float64
}

// FromDuration builds a Time from a time.Duration measured since some
// epoch.
func FromDuration(d time.Duration) Time {
	sec := d / time.Second
	rem := d - sec*time.Second
	return normalize(Time{Full: int64(sec), Frac: float64(rem) / float64(time.Second)})
}

// FromSeconds builds a Time from a floating point second count. Prefer
// FromDuration when a time.Duration is available; this loses precision far
// from zero in the same way a bare float64 would.
func FromSeconds(s float64) Time {
	full := math.Floor(s)
	return normalize(Time{Full: int64(full), Frac: s - full})
}

// Seconds returns the time point as a single float64 second count. Callers
// needing full precision over long uptimes should avoid this and work with
// Full/Frac directly.
func (t Time) Seconds() float64 {
	return float64(t.Full) + t.Frac
}

// normalize folds Frac back into [0, 1), carrying into Full as needed. This
// is the one invariant every constructor and arithmetic operation below
// must preserve (spec: time-point arithmetic normalizes 0 <= frac < 1).
func normalize(t Time) Time {
	if t.Frac >= 0 && t.Frac < 1 {
		return t
	}
	shift := math.Floor(t.Frac)
	t.Full += int64(shift)
	t.Frac -= shift
	// Guard against floating point round-off leaving Frac at exactly 1.
	if t.Frac >= 1 {
		t.Full++
		t.Frac = 0
	}
	return t
}

// Add returns t + d.
func (t Time) Add(d Time) Time {
	return normalize(Time{Full: t.Full + d.Full, Frac: t.Frac + d.Frac})
}

// Sub returns t - d.
func (t Time) Sub(d Time) Time {
	return normalize(Time{Full: t.Full - d.Full, Frac: t.Frac - d.Frac})
}

// AddSeconds returns t + s seconds.
func (t Time) AddSeconds(s float64) Time {
	return t.Add(FromSeconds(s))
}

// Before reports whether t occurs strictly before u.
func (t Time) Before(u Time) bool {
	if t.Full != u.Full {
		return t.Full < u.Full
	}
	return t.Frac < u.Frac
}

// After reports whether t occurs strictly after u.
func (t Time) After(u Time) bool {
	return u.Before(t)
}

// Duration converts a Time, interpreted as an offset, to a time.Duration.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Full)*time.Second + time.Duration(t.Frac*float64(time.Second))
}

// Keeper supplies the system's notion of "now". The default implementation
// reads the host monotonic clock; a radio front end with its own hardware
// clock can install a Keeper so the stack slaves its notion of time to the
// radio instead of the host.
type Keeper interface {
	Now() Time
}

// SystemKeeper is the default Keeper, backed by time.Now's monotonic
// reading relative to process start.
type SystemKeeper struct {
	start time.Time
}

// NewSystemKeeper returns a Keeper anchored to the current wall-clock
// instant.
func NewSystemKeeper() *SystemKeeper {
	return &SystemKeeper{start: time.Now()}
}

// Now returns the elapsed time since the keeper was constructed.
func (k *SystemKeeper) Now() Time {
	return FromDuration(time.Since(k.start))
}

// skewState is the atomically-swapped (offset, skew) pair applied to the
// monotonic clock to derive wall-clock time. Readers may observe either the
// old or the new pair across a concurrent update; spec.md requires only
// that updates be atomic, not that they be globally consistent with other
// fields.
type skewState struct {
	offset Time
	skew   float64
	t0Mono Time
}

// Clock is the pluggable dual clock described in spec.md 4.1: a monotonic
// primary reference, and a wall clock derived from it via an atomically
// updated offset/skew transform.
type Clock struct {
	keeper Keeper
	state  atomic.Pointer[skewState]
}

// New returns a Clock driven by keeper, with wall = mono initially (zero
// offset, unity skew).
func New(keeper Keeper) *Clock {
	c := &Clock{keeper: keeper}
	c.state.Store(&skewState{offset: Time{}, skew: 1.0, t0Mono: keeper.Now()})
	return c
}

// Mono returns the current monotonic time.
func (c *Clock) Mono() Time {
	return c.keeper.Now()
}

// Wall returns the current wall-clock time: t0_wall + offset + skew *
// (mono - t0_mono).
func (c *Clock) Wall() Time {
	st := c.state.Load()
	mono := c.Mono()
	elapsed := mono.Sub(st.t0Mono)
	skewed := FromSeconds(elapsed.Seconds() * st.skew)
	return st.offset.Add(skewed)
}

// SetSkew atomically installs a new (offset, skew) pair, re-anchored to the
// current monotonic instant so that Wall() is continuous at the moment of
// the update. Readers racing with SetSkew observe either the old or the new
// pair in full, never a mix of the two (spec.md 4.1).
func (c *Clock) SetSkew(wallNow Time, skew float64) {
	c.state.Store(&skewState{offset: wallNow, skew: skew, t0Mono: c.Mono()})
}
