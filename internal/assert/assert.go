// Package assert guards internal invariants whose violation means the
// pipeline's accounting has gone wrong in a way no caller can recover from:
// a pool block freed twice, an ack for an unknown correlation ID, a byte
// count that no longer balances. These are programmer errors, not runtime
// conditions, so they fail loudly instead of being folded into the discard
// or retry paths.
package assert

import "fmt"

// Invariant panics with msg if cond is false. Call sites name the invariant
// being checked, e.g. assert.Invariant(freed, "pool block released twice").
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("dory: invariant violated: "+format, args...))
	}
}
