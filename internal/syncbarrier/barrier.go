// Package syncbarrier implements the reusable reconfiguration barrier from
// spec.md section 4.9: workers periodically check whether they should
// quiesce, and a mutator can briefly park all of them at a two-phase
// barrier while it swaps shared configuration in place. Ported from
// DragonRadio's barrier.hh (original_source), which implements exactly
// this rendezvous/release pair.
package syncbarrier

import (
	"sync"
	"sync/atomic"
)

// phaseBarrier is a reusable two-phase rendezvous for a fixed number of
// goroutines: the last one to arrive releases everyone and advances the
// phase.
type phaseBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	count   int
	arrived int
	phase   int
}

func newPhaseBarrier(count int) *phaseBarrier {
	b := &phaseBarrier{count: count}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *phaseBarrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.arrived++
	if b.arrived == b.count {
		b.arrived = 0
		b.phase++
		b.cond.Broadcast()
		return
	}
	phase := b.phase
	for b.phase == phase {
		b.cond.Wait()
	}
}

// Barrier quiesces n worker goroutines while a mutator swaps shared
// configuration. Workers call Sync periodically (or whenever NeedsSync
// reports true); the mutator calls Modify, which is globally serialized
// against other mutators.
type Barrier struct {
	n int

	mu        sync.Mutex // serializes Modify calls against each other
	needsSync atomic.Bool

	enter   *phaseBarrier
	release *phaseBarrier

	done atomic.Bool
}

// New returns a Barrier for n worker goroutines.
func New(n int) *Barrier {
	return &Barrier{
		n:       n,
		enter:   newPhaseBarrier(n + 1), // +1 for the mutator
		release: newPhaseBarrier(n + 1),
	}
}

// NeedsSync reports whether a worker should call Sync before continuing
// its hot-path work.
func (b *Barrier) NeedsSync() bool {
	return b.needsSync.Load()
}

// Sync parks the calling worker at the barrier until the mutator's Modify
// call completes. Workers call this only when NeedsSync reports true.
func (b *Barrier) Sync() {
	b.enter.wait()
	b.release.wait()
}

// Modify quiesces all n workers, runs f while they're parked, then releases
// them. Calls to Modify are serialized against each other. After Stop has
// been called, Modify is a no-op so shutdown sequences can terminate
// cleanly (spec.md 4.9, "done_ is a one-way flag").
func (b *Barrier) Modify(f func()) {
	if b.done.Load() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.needsSync.Store(true)
	b.enter.wait()
	f()
	b.needsSync.Store(false)
	b.release.wait()
}

// Stop makes all further Modify calls no-ops, so a shutdown sequence that
// races with an in-flight reconfiguration still terminates.
func (b *Barrier) Stop() {
	b.done.Store(true)
}
