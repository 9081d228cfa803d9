// Package timerqueue implements the intrusive timer heap and dedicated
// timer-worker thread from spec.md section 4.8: retransmission, SACK, and
// explicit-NAK-throttle timers are all instances of Timer scheduled here.
package timerqueue

import (
	"sync"
	"time"

	"github.com/n0sdr/corenet/internal/clock"
)

// Timer is one scheduled event. The zero value is ready to use; Fire is
// called on the queue's worker goroutine when Deadline is reached, never
// concurrently with another firing of the same Timer.
type Timer struct {
	Deadline clock.Time
	Fire     func()

	heapIndex int
}

func newTimer() *Timer {
	return &Timer{heapIndex: notInHeap}
}

// NewTimer allocates a Timer with the given callback.
func NewTimer(fire func()) *Timer {
	t := newTimer()
	t.Fire = fire
	return t
}

// Queue is the timer worker: a min-heap of Timers plus a goroutine that
// sleeps until the next deadline, waking early whenever a new, earlier
// timer is scheduled (spec.md 4.8, "the worker wakes either on its next
// deadline ... or on a signal").
type Queue struct {
	keeper clock.Keeper

	mu   sync.Mutex
	heap timerHeap

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a Queue driven by keeper's notion of now.
func New(keeper clock.Keeper) *Queue {
	return &Queue{
		keeper: keeper,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the timer-worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop signals the worker to exit and waits for it to finish. No Timer may
// be scheduled on a stopped Queue.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// RunAt schedules t to fire at when, replacing any deadline t already had.
func (q *Queue) RunAt(t *Timer, when clock.Time) {
	q.mu.Lock()
	t.Deadline = when
	if t.heapIndex == notInHeap {
		q.heap.Push(t)
	} else {
		q.heap.Update(t)
	}
	q.mu.Unlock()
	q.poke()
}

// RunIn schedules t to fire after delta.
func (q *Queue) RunIn(t *Timer, delta time.Duration) {
	q.RunAt(t, q.keeper.Now().Add(clock.FromDuration(delta)))
}

// Cancel removes t from the queue if it is running. It is a no-op if t is
// not currently scheduled.
func (q *Queue) Cancel(t *Timer) {
	q.mu.Lock()
	q.heap.Remove(t)
	q.mu.Unlock()
}

// Running reports whether t is currently scheduled.
func (q *Queue) Running(t *Timer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.heapIndex != notInHeap
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		sleep, hasDeadline := q.nextSleep()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasDeadline {
			timer = time.NewTimer(sleep)
			timerC = timer.C
		}

		select {
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC: // nil when there's nothing scheduled; a nil-channel receive blocks forever
		}

		q.fireExpired()
	}
}

func (q *Queue) nextSleep() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return 0, false
	}
	now := q.keeper.Now()
	deadline := q.heap.Top().Deadline
	if deadline.Before(now) {
		return 0, true
	}
	return deadline.Sub(now).Duration(), true
}

func (q *Queue) fireExpired() {
	now := q.keeper.Now()
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 || now.Before(q.heap.Top().Deadline) {
			q.mu.Unlock()
			return
		}
		t := q.heap.Top()
		q.heap.Pop()
		q.mu.Unlock()

		if t.Fire != nil {
			t.Fire()
		}
	}
}
