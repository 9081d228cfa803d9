package packet

// Seq is a wraparound sequence number (spec.md section 3). All window
// arithmetic on sequence numbers is modular: comparisons use signed
// distance around the wraparound point rather than raw numeric order, so a
// window can straddle the point where the counter wraps back to zero.
type Seq uint32

// Distance returns b - a as a signed quantity in the modular sequence
// space: positive when b follows a, negative when b precedes a. This is
// the building block for every other comparison below.
func (a Seq) Distance(b Seq) int32 {
	return int32(b - a)
}

// Less reports whether a precedes b in sequence order.
func (a Seq) Less(b Seq) bool {
	return a.Distance(b) > 0
}

// LessEq reports whether a precedes or equals b in sequence order.
func (a Seq) LessEq(b Seq) bool {
	return a == b || a.Less(b)
}

// InRange reports whether seq falls in the half-open window
// [start, start+size).
func InRange(seq, start Seq, size uint32) bool {
	return uint32(start.Distance(seq)) < size
}

// Add returns a+n in the modular sequence space.
func (a Seq) Add(n uint32) Seq {
	return a + Seq(n)
}
