package nettap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/n0sdr/corenet/internal/packet"
)

// ErrTruncatedFrame is returned when a tap frame is too short to contain
// the fields its flags byte claims.
var ErrTruncatedFrame = errors.New("nettap: truncated frame")

const flagHasFlowID = 1 << 0

// EncodePacket serializes the fields a not-yet-sequenced tap packet
// carries -- destination and, if present, its flow tag -- ahead of the
// raw payload. The ARQ controller fills in every other wire-format field
// (spec.md section 6.4) once it assigns a sequence number on Pull, so
// none of that belongs on this side of the tap.
func EncodePacket(pkt *packet.Packet) []byte {
	var flags byte
	if pkt.HasFlowID {
		flags |= flagHasFlowID
	}

	buf := make([]byte, 0, 2+4+len(pkt.Payload))
	buf = append(buf, byte(pkt.Dest), flags)
	if pkt.HasFlowID {
		var fb [4]byte
		binary.BigEndian.PutUint32(fb[:], pkt.FlowID)
		buf = append(buf, fb[:]...)
	}
	buf = append(buf, pkt.Payload...)
	return buf
}

// DecodePacket is EncodePacket's inverse.
func DecodePacket(buf []byte) (*packet.Packet, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("nettap: header: %w", ErrTruncatedFrame)
	}

	pkt := &packet.Packet{Dest: packet.NodeID(buf[0])}
	flags := buf[1]
	rest := buf[2:]

	if flags&flagHasFlowID != 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("nettap: flow id: %w", ErrTruncatedFrame)
		}
		pkt.FlowID = binary.BigEndian.Uint32(rest[:4])
		pkt.HasFlowID = true
		rest = rest[4:]
	}

	pkt.Payload = append([]byte(nil), rest...)
	return pkt, nil
}
