// Package nettap implements the network tap of spec.md section 6.3: the
// local application-facing side of the stack, pulled from by the ARQ
// controller (it satisfies arq.PacketSource) for not-yet-sequenced
// outbound packets and pushed to with packets released for local
// delivery. Queue is the shared FIFO the two reference transports in
// ptytap and serialtap both build on; Tap is the interface the ARQ
// controller and its surrounding daemon code program against.
package nettap

import (
	"context"
	"errors"
	"sync"

	"github.com/n0sdr/corenet/internal/packet"
)

// ErrClosed is returned by Pull once the tap has been stopped.
var ErrClosed = errors.New("nettap: closed")

// Tap is the network tap abstraction of spec.md 6.3.
type Tap interface {
	// Pull returns the next outbound packet, blocking until one is
	// available, ctx is cancelled, or the tap is stopped.
	Pull(ctx context.Context) (*packet.Packet, error)
	// Push delivers a received packet to the tap's client immediately.
	Push(pkt *packet.Packet)
	// Repush re-enqueues pkt at the head of the outbound queue.
	Repush(pkt *packet.Packet)
	// PushHi enqueues pkt at the head of the outbound queue, ahead of
	// ordinary traffic, for control-only sends.
	PushHi(pkt *packet.Packet)
	// SetLinkStatus notifies the tap's client that the link to node
	// opened or closed.
	SetLinkStatus(node packet.NodeID, open bool)
	// UpdateMCS notifies the tap's client of node's current MCS.
	UpdateMCS(node packet.NodeID, mcs packet.MCS)
	// Kick wakes any blocked Pull without delivering a packet, used when
	// the local node enters emissions control.
	Kick()
	// Stop disables the tap: blocked and future Pulls return ErrClosed.
	Stop()
}

// Queue is the FIFO outbound packet queue shared by every Tap
// implementation: Pull blocks until Push/PushHi/Repush adds something,
// ctx is cancelled, Kick wakes it with no packet, or Stop disables it
// permanently. Grounded in spec.md 6.3's Pull/Push/repush/push_hi/kick
// contract; the wake channel follows the ctx.Done()-selected wait loop
// already used by internal/mac and internal/synthesizer rather than a
// sync.Cond, since a Cond cannot be woken by context cancellation.
type Queue struct {
	mu     sync.Mutex
	items  []*packet.Packet
	closed bool
	kicked bool

	notify chan struct{} // buffered 1; signaled whenever items may be non-empty or the state changed
}

// NewQueue returns an empty, open Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends pkt to the tail of the queue.
func (q *Queue) Push(pkt *packet.Packet) {
	q.mu.Lock()
	q.items = append(q.items, pkt)
	q.mu.Unlock()
	q.wake()
}

// PushHi inserts pkt at the head of the queue.
func (q *Queue) PushHi(pkt *packet.Packet) {
	q.mu.Lock()
	q.items = append([]*packet.Packet{pkt}, q.items...)
	q.mu.Unlock()
	q.wake()
}

// Repush re-enqueues pkt at the head of the queue, identical placement to
// PushHi: both are "this goes out before anything already queued."
func (q *Queue) Repush(pkt *packet.Packet) {
	q.PushHi(pkt)
}

// Pull removes and returns the head of the queue, blocking until one is
// available, ctx is cancelled, the queue is kicked, or it is stopped. A
// kick returns (nil, nil); the caller loops.
func (q *Queue) Pull(ctx context.Context) (*packet.Packet, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			pkt := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return pkt, nil
		}
		if q.kicked {
			q.kicked = false
			q.mu.Unlock()
			return nil, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Kick wakes one blocked Pull without delivering a packet (spec.md 6.3,
// "used when the local node enters emissions control").
func (q *Queue) Kick() {
	q.mu.Lock()
	q.kicked = true
	q.mu.Unlock()
	q.wake()
}

// Stop disables the queue: the current and every future Pull return
// ErrClosed, and anything still queued is discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
