package channel

import "errors"

// Configuration errors (spec.md section 7): surfaced to the caller, never
// leaving partial state installed.
var (
	ErrUnevenRows = errors.New("channel: schedule rows have unequal length")
	ErrNotFDMA    = errors.New("channel: schedule is not constant per row, not valid for FDMA")
)
