// Package packet implements the wire-format packet header, extended
// header, and control messages from spec.md section 3 and section 6.4. The
// control-message tagged union is expressed the idiomatic Go way (a sealed
// interface plus a type switch) rather than the iterator-of-variants style
// spec.md's design notes (section 9) attribute to the source language.
package packet

// NodeID identifies a node (spec.md section 3, Node).
type NodeID uint8

// Flags holds the header's packed boolean fields.
type Flags struct {
	SYN         bool
	ACK         bool
	HasSeq      bool
	HasControl  bool
	Broadcast   bool
}

// Header is the fixed-size on-the-wire packet header.
type Header struct {
	CurHop  NodeID
	NextHop NodeID
	Flags   Flags
	Seq     Seq
}

// ExtHeader is present whenever the packet carries sequencing information;
// it adds the fields a pure relay (digipeat) hop doesn't need to touch.
type ExtHeader struct {
	Src     NodeID
	Dest    NodeID
	Ack     Seq
	DataLen uint16
}

// Broadcast is the reserved "everyone" NodeID.
const Broadcast NodeID = 0xff
