package arq

import "math/rand"

// defaultRandFloat64 backs AMCParams.RandFloat64 when the caller leaves it
// nil, matching the package-level math/rand source the teacher reaches for
// elsewhere rather than standing up a dedicated generator per window.
func defaultRandFloat64() float64 {
	return rand.Float64()
}
