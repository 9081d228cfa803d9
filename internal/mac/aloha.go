package mac

import (
	"context"
	"math/rand"
	"sync"
)

// SlottedALOHA is the contention MAC variant (spec.md 4.6.3): as TDMA, but
// in each eligible slot we transmit only with independent probability P,
// yielding the slot otherwise.
type SlottedALOHA struct {
	*SlotScheduler

	// P is the per-slot transmit probability.
	P float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSlottedALOHA builds a Slotted ALOHA MAC transmitting with probability
// p in each eligible slot, seeded from seed for reproducible simulation
// runs.
func NewSlottedALOHA(cfg Config, s *SlotScheduler, p float64, seed int64) *SlottedALOHA {
	s.base = newBase(cfg, 2, "mac-aloha")
	m := &SlottedALOHA{SlotScheduler: s, P: p, rng: rand.New(rand.NewSource(seed))}
	s.shouldTransmit = m.draw
	return m
}

func (m *SlottedALOHA) draw() bool {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64() < m.P
}

// Start launches the RX and slot workers.
func (m *SlottedALOHA) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	if err := m.startRX(ctx); err != nil {
		cancel()
		return err
	}
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts both workers.
func (m *SlottedALOHA) Stop() { m.stop() }
