// Package serialtap implements a nettap.Tap backed by a real serial
// port, grounded in doismellburning-samoyed's serial_port_open
// (src/serial_port.go): open the device in raw mode via github.com/pkg/term
// and optionally set its speed.
package serialtap

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"

	"github.com/n0sdr/corenet/internal/nettap"
	"github.com/n0sdr/corenet/internal/packet"
)

// supportedBauds mirrors serial_port_open's accepted speed list.
var supportedBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Tap is a nettap.Tap backed by a serial device.
type Tap struct {
	log *log.Logger

	dev *term.Term

	out *nettap.Queue
	wmu sync.Mutex

	linkMu   sync.Mutex
	linkOpen map[packet.NodeID]bool
	mcs      map[packet.NodeID]packet.MCS
}

// Open opens devicename in raw mode at baud (0 leaves the current speed
// alone; an unsupported non-zero value falls back to 4800, matching
// serial_port_open's behavior) and starts reading framed packets from it.
func Open(devicename string, baud int, logger *log.Logger) (*Tap, error) {
	dev, err := term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serialtap: open %s: %w", devicename, err)
	}

	switch {
	case baud == 0:
	case supportedBauds[baud]:
		if err := dev.SetSpeed(baud); err != nil {
			dev.Close()
			return nil, fmt.Errorf("serialtap: set speed %d: %w", baud, err)
		}
	default:
		if err := dev.SetSpeed(4800); err != nil {
			dev.Close()
			return nil, fmt.Errorf("serialtap: set fallback speed: %w", err)
		}
	}

	t := &Tap{
		dev:      dev,
		out:      nettap.NewQueue(),
		linkOpen: make(map[packet.NodeID]bool),
		mcs:      make(map[packet.NodeID]packet.MCS),
	}
	if logger != nil {
		t.log = logger.With("component", "serialtap")
	}

	go t.readLoop()
	return t, nil
}

func (t *Tap) readLoop() {
	var reader nettap.FrameReader
	buf := make([]byte, 4096)
	for {
		n, err := t.dev.Read(buf)
		if n > 0 {
			for _, frame := range reader.Feed(buf[:n]) {
				pkt, decErr := nettap.DecodePacket(nettap.KissDecode(frame))
				if decErr != nil {
					if t.log != nil {
						t.log.Warn("malformed frame from client app", "err", decErr)
					}
					continue
				}
				t.out.Push(pkt)
			}
		}
		if err != nil {
			if err != io.EOF && t.log != nil {
				t.log.Warn("serial read error", "err", err)
			}
			t.out.Stop()
			return
		}
	}
}

// Pull implements nettap.Tap / arq.PacketSource.
func (t *Tap) Pull(ctx context.Context) (*packet.Packet, error) {
	return t.out.Pull(ctx)
}

// Push implements nettap.Tap.
func (t *Tap) Push(pkt *packet.Packet) {
	frame := nettap.KissEncode(nettap.EncodePacket(pkt))
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.dev.Write(frame); err != nil && t.log != nil {
		t.log.Warn("serial write error, discarding packet", "err", err)
	}
}

// Repush implements nettap.Tap.
func (t *Tap) Repush(pkt *packet.Packet) { t.out.Repush(pkt) }

// PushHi implements nettap.Tap.
func (t *Tap) PushHi(pkt *packet.Packet) { t.out.PushHi(pkt) }

// SetLinkStatus implements nettap.Tap.
func (t *Tap) SetLinkStatus(node packet.NodeID, open bool) {
	t.linkMu.Lock()
	t.linkOpen[node] = open
	t.linkMu.Unlock()
	if t.log != nil {
		t.log.Info("link status changed", "node", node, "open", open)
	}
}

// UpdateMCS implements nettap.Tap.
func (t *Tap) UpdateMCS(node packet.NodeID, mcs packet.MCS) {
	t.linkMu.Lock()
	t.mcs[node] = mcs
	t.linkMu.Unlock()
}

// Kick implements nettap.Tap.
func (t *Tap) Kick() { t.out.Kick() }

// Stop implements nettap.Tap.
func (t *Tap) Stop() {
	t.out.Stop()
	t.dev.Close()
}
