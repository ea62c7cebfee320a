// Package mm holds definitions shared across the memory manager:
// allocation behaviour flags and common constants.
package mm

// Flags select allocation behaviour. Exactly one of Wait, NoWait,
// Atomic or Boot applies per call; Zero may be or'd with any of them.
type Flags uint32

const (
	// Wait blocks until the allocation can succeed. Callers need not
	// check for failure. Forbidden in interrupt context.
	Wait Flags = 1 << iota

	// NoWait fails fast when the resource is not immediately
	// available.
	NoWait

	// Atomic never blocks and never triggers reclaim. Interrupt
	// context allocations use this.
	Atomic

	// Boot must succeed during boot; failure is fatal.
	Boot

	// Zero clears the memory before returning it.
	Zero
)

// CanBlock reports whether the flags permit blocking.
func (f Flags) CanBlock() bool {
	return f&(NoWait|Atomic) == 0
}
