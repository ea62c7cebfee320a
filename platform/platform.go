// Package platform is the facade between the machine-neutral kernel
// core and the architecture. The core only ever sees this interface;
// the hosted implementation backs it with host primitives.
package platform

import "time"

// CPUID identifies a logical CPU.
type CPUID int

// IPIFunc runs on the target CPU of a cross-CPU call.
type IPIFunc func(arg interface{})

// Machine is the narrow architecture surface consumed by the core:
// CPU identification, barriers, the tick source and IPI delivery.
type Machine interface {
	// NumCPUs returns the number of logical CPUs.
	NumCPUs() int

	// CurrentCPU identifies the CPU the caller runs on. Before the
	// scheduler is online this is always the boot CPU.
	CurrentCPU() CPUID

	// Now returns nanoseconds since boot from the monotonic source.
	Now() int64

	// WallTime returns nanoseconds since the epoch.
	WallTime() int64

	// SpinHint relaxes the CPU inside a spin loop.
	SpinHint()

	// MemoryBarrier orders memory operations across CPUs.
	MemoryBarrier()

	// StartTick arranges for fn to be invoked every period on each
	// CPU, driving quantum accounting and the per-CPU timer heaps.
	// The returned function stops the source.
	StartTick(period time.Duration, fn func(cpu CPUID)) (stop func())

	// IPI delivers fn(arg) on the target CPU. When sync is set the
	// caller does not return until the target has run fn.
	IPI(target CPUID, fn IPIFunc, arg interface{}, sync bool)

	// BroadcastIPI delivers fn(arg) on every CPU except the caller's.
	BroadcastIPI(fn IPIFunc, arg interface{}, sync bool)

	// Console returns the debug console.
	Console() Console
}

// Console is the polled debug console used by KDB and early boot
// output.
type Console interface {
	Getc() (byte, bool)
	Putc(b byte)
	Puts(s string)
}

// CurrentFunc resolves the current CPU. The scheduler installs its own
// resolver once threads are bound to CPUs.
type CurrentFunc func() CPUID
