// Package snapshot implements the spectrum snapshot collector of spec.md
// section 2 ("Snapshot collector"): contiguous stretches of received IQ
// plus self-transmission events, recorded for offline analysis. Grounded
// in DragonRadio's SnapshotCollector (original_source,
// mac/Snapshot.cc/.hh).
package snapshot

import (
	"math"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/iqbuf"
)

// SelfTX records one self-transmission event within a Snapshot: either a
// burst of ours detected by demodulating received IQ (IsLocal=false, the
// burst was heard over the air) or one this node transmitted directly
// (IsLocal=true), so both can be correlated against the recorded spectrum.
type SelfTX struct {
	IsLocal    bool
	Start, End int64
	FC, FS     float64
}

// Snapshot is a contiguous recording of received IQ buffers plus the
// self-transmission events observed during its collection window.
type Snapshot struct {
	Timestamp clock.Time
	Slots     []*iqbuf.Buf
	SelfTX    []SelfTX
}

// CombinedSlots concatenates every leading slot that shares the first
// slot's center frequency and sample rate into one contiguous buffer
// (spec.md 4.4.3, "self-transmissions... correlated with recorded IQ"
// requires a single timeline to correlate against).
func (s *Snapshot) CombinedSlots() (*iqbuf.Buf, bool) {
	if len(s.Slots) == 0 {
		return nil, false
	}

	fc, fs := s.Slots[0].CenterFreq, s.Slots[0].SampleRate
	end := len(s.Slots)
	n := 0
	for i, slot := range s.Slots {
		if slot.CenterFreq != fc || slot.SampleRate != fs {
			end = i
			break
		}
		n += slot.NSamples()
	}

	combined := iqbuf.New(s.Slots[0].Seq, n)
	combined.Timestamp, combined.HasTimestamp = s.Timestamp, true
	combined.CenterFreq, combined.SampleRate = fc, fs
	for _, slot := range s.Slots[:end] {
		combined.Append(slot.Samples())
	}
	combined.MarkComplete()

	return combined, true
}

// Collector records snapshots on demand: Start arms collection, Push/
// FinalizePush stage received IQ buffers into the current snapshot as they
// fill, SelfTX/LocalTX record transmissions, and Finalize/Next retrieve a
// completed snapshot.
type Collector struct {
	mu sync.Mutex

	keeper clock.Keeper
	log    *log.Logger

	snapshot *Snapshot
	collect  bool
	snapOff  int64
	curBuf   *iqbuf.Buf

	hasLastLocalTX   bool
	lastLocalTXStart clock.Time
	lastLocalTXFsRX  float64
	lastLocalTX      SelfTX
}

// NewCollector builds a Collector that takes its notion of "now" from
// keeper (normally the radio front end, per spec.md 6.1's now()).
func NewCollector(keeper clock.Keeper, logger *log.Logger) *Collector {
	c := &Collector{keeper: keeper}
	if logger != nil {
		c.log = logger.With("component", "snapshot")
	}
	return c
}

// Start begins a new snapshot. A local transmission already recorded via
// LocalTX that is still in progress is folded into the new snapshot.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newSnapshot()
}

// Stop disarms collection without discarding the in-progress snapshot;
// Finalize or Next are still required to retrieve it. Stopping before
// finalizing gives pending packet demodulation a chance to record its
// self-transmissions first.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collect = false
}

// Active reports whether a snapshot is currently being collected.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot != nil
}

// Finalize fixes the snapshot's timestamp to that of its first collected
// slot and returns it, clearing the collector's current snapshot.
func (c *Collector) Finalize() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixTimestamps()
	s := c.snapshot
	c.snapshot = nil
	return s
}

// Next finalizes the current snapshot and immediately starts a new one,
// so no IQ is lost between snapshots.
func (c *Collector) Next() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixTimestamps()
	s := c.snapshot
	c.newSnapshot()
	return s
}

// Push stages buf for inclusion in the current snapshot and stamps its
// snapshot offset before it is filled with received samples. It reports
// false, doing nothing, if no snapshot is being actively collected.
func (c *Collector) Push(buf *iqbuf.Buf) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || !c.collect {
		return false
	}
	buf.SnapshotOffset, buf.HasSnapshotOffset = c.snapOff, true
	c.curBuf = buf
	return true
}

// FinalizePush appends the buffer most recently staged by Push, now that
// it has been filled, and advances the running sample offset.
func (c *Collector) FinalizePush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || c.curBuf == nil {
		c.curBuf = nil
		return
	}
	c.snapOff += int64(c.curBuf.NSamples())
	c.snapshot.Slots = append(c.snapshot.Slots, c.curBuf)
	c.curBuf = nil
}

// SelfTX records a self-transmission detected by demodulating received
// IQ, at sample offsets [start, end) within the snapshot.
func (c *Collector) SelfTX(start, end int64, fc, fs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		c.snapshot.SelfTX = append(c.snapshot.SelfTX, SelfTX{Start: start, End: end, FC: fc, FS: fs})
	}
}

// LocalTX records a transmission this node made directly, converting its
// wall-clock start time into a sample offset relative to the snapshot's
// start. If no snapshot is active yet, the event is held back and folded
// into whichever snapshot starts next if it is still in progress by then,
// so a burst straddling the start of collection is not silently dropped.
func (c *Collector) LocalTX(when clock.Time, fsRX, fsTX, fc, bw float64, nsamples int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scaled := int64(float64(nsamples) * fsRX / fsTX)

	if c.snapshot != nil {
		start := int64(when.Sub(c.snapshot.Timestamp).Seconds() * fsRX)
		c.snapshot.SelfTX = append(c.snapshot.SelfTX, SelfTX{
			IsLocal: true, Start: start, End: start + scaled, FC: fc, FS: bw,
		})
		return
	}

	c.hasLastLocalTX = true
	c.lastLocalTXStart = when
	c.lastLocalTXFsRX = fsRX
	c.lastLocalTX = SelfTX{IsLocal: true, Start: 0, End: scaled, FC: fc, FS: fsTX}
}

func (c *Collector) newSnapshot() {
	now := c.keeper.Now()
	c.snapshot = &Snapshot{Timestamp: now}
	c.collect = true
	c.snapOff = 0

	if !c.hasLastLocalTX {
		return
	}

	end := c.lastLocalTXStart.AddSeconds(float64(c.lastLocalTX.End) / c.lastLocalTXFsRX)
	if now.Before(end) {
		actualStart := int64(now.Sub(c.lastLocalTXStart).Seconds() * c.lastLocalTXFsRX)
		tx := c.lastLocalTX
		tx.Start -= actualStart
		tx.End -= actualStart
		c.snapshot.SelfTX = append(c.snapshot.SelfTX, tx)
	}
}

func (c *Collector) fixTimestamps() {
	if c.snapshot == nil || len(c.snapshot.Slots) == 0 {
		return
	}

	provisional := c.snapshot.Timestamp
	actual := c.snapshot.Slots[0].Timestamp
	fs := c.snapshot.Slots[0].SampleRate
	delta := int64(math.Round(actual.Sub(provisional).Seconds() * fs))

	c.snapshot.Timestamp = actual
	for i := range c.snapshot.SelfTX {
		if c.snapshot.SelfTX[i].IsLocal {
			c.snapshot.SelfTX[i].Start -= delta
			c.snapshot.SelfTX[i].End -= delta
		}
	}
}
