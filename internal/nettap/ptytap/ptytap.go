// Package ptytap implements a nettap.Tap backed by a pseudo-terminal, the
// same mechanism doismellburning-samoyed uses for its virtual KISS TNC
// (src/kiss.go's kisspt_open_pt/kisspt_listen_thread), generalized from an
// AX.25/KISS client application to this stack's own minimal tap framing
// (internal/nettap's EncodePacket/KissEncode).
package ptytap

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"github.com/n0sdr/corenet/internal/nettap"
	"github.com/n0sdr/corenet/internal/packet"
)

// Tap is a nettap.Tap backed by a pty: bytes written to the master side
// are framed packets delivered to whatever client app opens the slave;
// bytes read from the master are framed packets the client app is
// sending, fed into the outbound queue Pull drains.
type Tap struct {
	log *log.Logger

	master *os.File
	slave  *os.File

	out *nettap.Queue

	wmu sync.Mutex

	linkMu   sync.Mutex
	linkOpen map[packet.NodeID]bool
	mcs      map[packet.NodeID]packet.MCS
}

// Open creates a new pty pair and starts reading client-app frames from
// it. The slave side's device path (SlaveName) is what a client app
// should open, exactly as kisspt_init symlinks /tmp/kisstnc to it.
func Open(logger *log.Logger) (*Tap, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptytap: open pty: %w", err)
	}

	t := &Tap{
		master:   master,
		slave:    slave,
		out:      nettap.NewQueue(),
		linkOpen: make(map[packet.NodeID]bool),
		mcs:      make(map[packet.NodeID]packet.MCS),
	}
	if logger != nil {
		t.log = logger.With("component", "ptytap")
	}

	go t.readLoop()
	return t, nil
}

// SlaveName returns the pty slave's device path for a client app to open.
func (t *Tap) SlaveName() string { return t.slave.Name() }

func (t *Tap) readLoop() {
	var reader nettap.FrameReader
	buf := make([]byte, 4096)
	for {
		n, err := t.master.Read(buf)
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
				t.log.Warn("pty read error", "err", err)
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
	if _, err := t.master.Write(frame); err != nil && t.log != nil {
		t.log.Warn("pty write error, discarding packet", "err", err)
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
	t.master.Close()
	t.slave.Close()
}
