package radio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/n0sdr/corenet/internal/clock"
)

// Medium is an in-memory stand-in for the RF channel: every LoopbackFrontEnd
// registered on one Medium hears every other's BurstTX, and none hears its
// own, matching a half-duplex radio's inability to hear over its own
// transmission. It exists so cmd/sdrsim can drive the ARQ controller and
// MAC against synthetic traffic without a sound card or SDR attached,
// the same role PortAudioFrontEnd plays for audio-rate bench testing.
type Medium struct {
	mu   sync.Mutex
	subs map[*LoopbackFrontEnd]chan []complex64
}

// NewMedium returns an empty shared medium.
func NewMedium() *Medium {
	return &Medium{subs: make(map[*LoopbackFrontEnd]chan []complex64)}
}

func (m *Medium) join(fe *LoopbackFrontEnd) chan []complex64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []complex64, 64)
	m.subs[fe] = ch
	return ch
}

func (m *Medium) leave(fe *LoopbackFrontEnd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[fe]; ok {
		delete(m.subs, fe)
		close(ch)
	}
}

func (m *Medium) publish(from *LoopbackFrontEnd, samples []complex64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]complex64(nil), samples...)
	for fe, ch := range m.subs {
		if fe == from {
			continue
		}
		select {
		case ch <- cp:
		default: // a slow listener drops rather than blocking the medium
		}
	}
}

// LoopbackFrontEnd is a radio.FrontEnd backed by a Medium instead of
// hardware, following PortAudioFrontEnd's field shape (burst state,
// underflow/late counters, a keeper-derived Now) but replacing the sound
// device with a shared channel fan-out.
type LoopbackFrontEnd struct {
	medium *Medium
	keeper clock.Keeper

	mu     sync.Mutex
	rxCh   chan []complex64
	joined chan []complex64

	inBurst    atomic.Bool
	underflows atomic.Uint64
	lateCount  atomic.Uint64
}

// NewLoopbackFrontEnd joins medium, ready to transmit into it and receive
// every other participant's bursts.
func NewLoopbackFrontEnd(medium *Medium, keeper clock.Keeper) *LoopbackFrontEnd {
	return &LoopbackFrontEnd{medium: medium, keeper: keeper}
}

func (fe *LoopbackFrontEnd) SetTXFrequency(hz float64) error { return nil }
func (fe *LoopbackFrontEnd) SetRXFrequency(hz float64) error { return nil }
func (fe *LoopbackFrontEnd) SetTXRate(hz float64) error      { return nil }
func (fe *LoopbackFrontEnd) SetRXRate(hz float64) error      { return nil }
func (fe *LoopbackFrontEnd) SetTXGain(db float64) error      { return nil }
func (fe *LoopbackFrontEnd) SetRXGain(db float64) error      { return nil }

// StartRXStream joins the medium and forwards every published buffer not
// originated by this front end onto the returned channel.
func (fe *LoopbackFrontEnd) StartRXStream(when clock.Time, hasWhen bool) (<-chan []complex64, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.joined != nil {
		return nil, fmt.Errorf("radio: loopback front end already streaming")
	}
	fe.joined = fe.medium.join(fe)
	fe.rxCh = fe.joined
	return fe.rxCh, nil
}

func (fe *LoopbackFrontEnd) StopRXStream() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.joined != nil {
		fe.medium.leave(fe)
		fe.joined = nil
		fe.rxCh = nil
	}
	return nil
}

// BurstTX publishes buffers onto the medium for every other participant to
// receive.
func (fe *LoopbackFrontEnd) BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error {
	fe.inBurst.Store(!endOfBurst)
	for _, buf := range buffers {
		fe.medium.publish(fe, buf)
	}
	return nil
}

func (fe *LoopbackFrontEnd) StopTXBurst() error {
	fe.inBurst.Store(false)
	return nil
}

func (fe *LoopbackFrontEnd) GetNextTXTime() (clock.Time, error) {
	if !fe.inBurst.Load() {
		return clock.Time{}, fmt.Errorf("radio: not in a TX burst")
	}
	return fe.keeper.Now(), nil
}

func (fe *LoopbackFrontEnd) InTXBurst() bool             { return fe.inBurst.Load() }
func (fe *LoopbackFrontEnd) GetTXUnderflowCount() uint64 { return fe.underflows.Load() }
func (fe *LoopbackFrontEnd) GetTXLateCount() uint64      { return fe.lateCount.Load() }
func (fe *LoopbackFrontEnd) Now() clock.Time             { return fe.keeper.Now() }
