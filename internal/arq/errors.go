package arq

import "errors"

// Protocol and local-misuse errors raised by the ARQ controller (spec.md
// section 7).
var (
	// ErrWindowFull is returned by Controller.Pull when a destination's
	// send window has no room and nothing in it is droppable.
	ErrWindowFull = errors.New("arq: send window full")

	// ErrSeqOutsideWindow is raised when a peer's ACK, SACK, or NAK names
	// a sequence number outside the plausible range for the window it
	// addresses -- a protocol error rather than a transient condition.
	ErrSeqOutsideWindow = errors.New("arq: sequence number outside window")

	// ErrUnknownNeighbor is returned when a control message or data
	// packet names a node the controller has no window for and auto
	// creation of neighbor state is disabled.
	ErrUnknownNeighbor = errors.New("arq: unknown neighbor")

	// ErrStopped is returned by Controller methods called after Stop.
	ErrStopped = errors.New("arq: controller stopped")
)
