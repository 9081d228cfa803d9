package refphy

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/packet"
)

// ErrCRC is returned by decodeFrame when the trailing CRC doesn't match,
// the refphy stand-in for a real FEC/CRC failure (spec.md 6.2).
var ErrCRC = errors.New("refphy: crc mismatch")

// errTruncated is returned for any frame too short for the field it's
// about to read; decodeFrame turns it into an invalid-header packet
// rather than propagating it, matching how channelizer/demodulator
// callers treat a bad frame (spec.md 4.4, "malformed frames are handed to
// the ARQ layer as InvalidHeader, never dropped silently").
var errTruncated = errors.New("refphy: truncated frame")

// encodeFrame renders pkt's full over-the-air fields (spec.md section 3)
// to bytes, with a trailing CRC-16. This is refphy's own wire rendering,
// not a literal transcription of spec.md's byte layout: the framing PHY
// is consumed, not specified, so the exact bit packing is refphy's to
// choose.
func encodeFrame(pkt *packet.Packet) []byte {
	var buf []byte

	buf = append(buf, byte(pkt.Header.CurHop), byte(pkt.Header.NextHop))
	buf = append(buf, encodeFlags(pkt.Header.Flags))
	buf = appendU32(buf, uint32(pkt.Header.Seq))

	if pkt.Header.Flags.HasSeq {
		buf = append(buf, byte(pkt.ExtHeader.Src), byte(pkt.ExtHeader.Dest))
		buf = appendU32(buf, uint32(pkt.ExtHeader.Ack))
	}

	if pkt.Header.Flags.HasControl {
		buf = append(buf, byte(len(pkt.Controls)))
		for _, c := range pkt.Controls {
			buf = appendControl(buf, c)
		}
	} else {
		buf = append(buf, 0)
	}

	var tsFlag byte
	if pkt.HasTimestampSeq {
		tsFlag = 1
	}
	buf = append(buf, tsFlag)
	if pkt.HasTimestampSeq {
		buf = appendU32(buf, pkt.TimestampSeq)
	}

	buf = appendU16(buf, uint16(len(pkt.Payload)))
	buf = append(buf, pkt.Payload...)

	crc := crc16(buf)
	buf = appendU16(buf, crc)
	return buf
}

// decodeFrame is encodeFrame's inverse. A short or CRC-mismatched frame
// yields a packet with InvalidHeader set rather than an error, so callers
// can hand it straight to arq.Controller.Receive (spec.md 4.7.3, "a
// garbled packet still reaches the controller, tagged invalid").
func decodeFrame(buf []byte) *packet.Packet {
	pkt, err := tryDecodeFrame(buf)
	if err != nil {
		return &packet.Packet{InvalidHeader: true}
	}
	return pkt
}

func tryDecodeFrame(buf []byte) (*packet.Packet, error) {
	if len(buf) < 2 {
		return nil, errTruncated
	}
	body, tail := buf[:len(buf)-2], buf[len(buf)-2:]
	want := binary.BigEndian.Uint16(tail)
	if crc16(body) != want {
		return nil, ErrCRC
	}

	r := &reader{buf: body}
	pkt := &packet.Packet{}

	pkt.Header.CurHop = packet.NodeID(r.byte())
	pkt.Header.NextHop = packet.NodeID(r.byte())
	pkt.Header.Flags = decodeFlags(r.byte())
	pkt.Header.Seq = packet.Seq(r.u32())

	if pkt.Header.Flags.HasSeq {
		pkt.ExtHeader.Src = packet.NodeID(r.byte())
		pkt.ExtHeader.Dest = packet.NodeID(r.byte())
		pkt.ExtHeader.Ack = packet.Seq(r.u32())
	}

	nControls := int(r.byte())
	for i := 0; i < nControls; i++ {
		c, err := r.control()
		if err != nil {
			return nil, err
		}
		pkt.Controls = append(pkt.Controls, c)
	}

	if r.byte() != 0 {
		pkt.HasTimestampSeq = true
		pkt.TimestampSeq = r.u32()
	}

	n := int(r.u16())
	pkt.Payload = r.bytes(n)
	pkt.ExtHeader.DataLen = uint16(n)

	if r.err != nil {
		return nil, r.err
	}
	return pkt, nil
}

func encodeFlags(f packet.Flags) byte {
	var b byte
	if f.SYN {
		b |= 1 << 0
	}
	if f.ACK {
		b |= 1 << 1
	}
	if f.HasSeq {
		b |= 1 << 2
	}
	if f.HasControl {
		b |= 1 << 3
	}
	if f.Broadcast {
		b |= 1 << 4
	}
	return b
}

func decodeFlags(b byte) packet.Flags {
	return packet.Flags{
		SYN:        b&(1<<0) != 0,
		ACK:        b&(1<<1) != 0,
		HasSeq:     b&(1<<2) != 0,
		HasControl: b&(1<<3) != 0,
		Broadcast:  b&(1<<4) != 0,
	}
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// reader walks buf field by field, latching the first short-read error it
// hits so callers can check once at the end instead of after every field.
type reader struct {
	buf []byte
	err error
}

func (r *reader) need(n int) []byte {
	if r.err != nil || len(r.buf) < n {
		if r.err == nil {
			r.err = errTruncated
		}
		return make([]byte, n)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) byte() byte        { return r.need(1)[0] }
func (r *reader) u16() uint16       { return binary.BigEndian.Uint16(r.need(2)) }
func (r *reader) u32() uint32       { return binary.BigEndian.Uint32(r.need(4)) }
func (r *reader) bytes(n int) []byte {
	b := r.need(n)
	return append([]byte(nil), b...)
}

func appendControl(buf []byte, c packet.Control) []byte {
	switch v := c.(type) {
	case packet.Hello:
		b := byte(0)
		if v.IsGateway {
			b = 1
		}
		return append(buf, byte(tagHello), b)
	case packet.Ping:
		return append(buf, byte(tagPing))
	case packet.Timestamp:
		buf = append(buf, byte(tagTimestamp))
		return appendU32(buf, v.TSeq)
	case packet.TimestampSent:
		buf = append(buf, byte(tagTimestampSent))
		buf = appendU32(buf, v.TSeq)
		return appendU32(buf, uint32(v.T.Seconds()*1e6))
	case packet.TimestampRecv:
		buf = append(buf, byte(tagTimestampRecv))
		buf = append(buf, byte(v.Node))
		buf = appendU32(buf, v.TSeq)
		return appendU32(buf, uint32(v.T.Seconds()*1e6))
	case packet.SetUnack:
		buf = append(buf, byte(tagSetUnack))
		return appendU32(buf, uint32(v.Unack))
	case packet.Nak:
		buf = append(buf, byte(tagNak))
		return appendU32(buf, uint32(v.Seq))
	case packet.SelectiveAck:
		buf = append(buf, byte(tagSelectiveAck))
		buf = appendU32(buf, uint32(v.Begin))
		return appendU32(buf, uint32(v.End))
	case packet.ShortTermReceiverStats:
		buf = append(buf, byte(tagShortStats))
		buf = appendU32(buf, floatBits(v.EVM))
		return appendU32(buf, floatBits(v.RSSI))
	case packet.LongTermReceiverStats:
		buf = append(buf, byte(tagLongStats))
		buf = appendU32(buf, floatBits(v.EVM))
		return appendU32(buf, floatBits(v.RSSI))
	default:
		return buf
	}
}

func (r *reader) control() (packet.Control, error) {
	switch r.byte() {
	case tagHello:
		return packet.Hello{IsGateway: r.byte() != 0}, r.err
	case tagPing:
		return packet.Ping{}, r.err
	case tagTimestamp:
		return packet.Timestamp{TSeq: r.u32()}, r.err
	case tagTimestampSent:
		tseq := r.u32()
		t := r.u32()
		return packet.TimestampSent{TSeq: tseq, T: clockFromMicros(t)}, r.err
	case tagTimestampRecv:
		node := packet.NodeID(r.byte())
		tseq := r.u32()
		t := r.u32()
		return packet.TimestampRecv{Node: node, TSeq: tseq, T: clockFromMicros(t)}, r.err
	case tagSetUnack:
		return packet.SetUnack{Unack: packet.Seq(r.u32())}, r.err
	case tagNak:
		return packet.Nak{Seq: packet.Seq(r.u32())}, r.err
	case tagSelectiveAck:
		begin := packet.Seq(r.u32())
		end := packet.Seq(r.u32())
		return packet.SelectiveAck{Begin: begin, End: end}, r.err
	case tagShortStats:
		evm := floatFromBits(r.u32())
		rssi := floatFromBits(r.u32())
		return packet.ShortTermReceiverStats{EVM: evm, RSSI: rssi}, r.err
	case tagLongStats:
		evm := floatFromBits(r.u32())
		rssi := floatFromBits(r.u32())
		return packet.LongTermReceiverStats{EVM: evm, RSSI: rssi}, r.err
	default:
		return nil, fmt.Errorf("refphy: unknown control tag")
	}
}

const (
	tagHello byte = iota + 1
	tagPing
	tagTimestamp
	tagTimestampSent
	tagTimestampRecv
	tagSetUnack
	tagNak
	tagSelectiveAck
	tagShortStats
	tagLongStats
)

// floatBits/floatFromBits carry EVM/RSSI as fixed-point milli-units
// rather than a full 8-byte float64, since refphy's frame format is
// byte-budget-conscious the way the teacher's AX.25 info field is.
func floatBits(f float64) uint32 {
	return uint32(int32(f * 1e3))
}

func floatFromBits(b uint32) float64 {
	return float64(int32(b)) / 1e3
}

func clockFromMicros(u uint32) clock.Time {
	return clock.FromSeconds(float64(u) / 1e6)
}
