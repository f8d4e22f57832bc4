// Package invocation allocates the process-wide monotonic identifiers
// attached to every gadget call (§4.1/C1) — gadget_1, gadget_2, ... — so
// ExecutionTree nodes and log lines can be correlated without a database
// round-trip.
package invocation

import (
	"fmt"
	"sync/atomic"
)

var counter atomic.Int64

// Next returns the next invocation id in "gadget_<N>" form. Safe for
// concurrent use by the stream parser and any fan-out gadget wave.
func Next() string {
	n := counter.Add(1)
	return fmt.Sprintf("gadget_%d", n)
}

// Reset zeroes the counter. Tests only — never call this from production
// code, since ids must stay unique for the life of the process.
func Reset() {
	counter.Store(0)
}
