// Package ksync provides the kernel blocking primitives: spinlocks,
// wait queues, mutexes, semaphores, condition variables and
// readers-writer locks. All blocking funnels through WaitQueue.
//
// The current thread travels in the context, mirroring how the process
// layer tracks the running task. Primitives work without a thread in
// the context (early boot, tests); they then park the calling goroutine
// directly instead of going through the scheduler.
package ksync

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/status"
)

// SleepFlags control blocking behaviour.
type SleepFlags uint32

const (
	// SleepInterruptible lets a pending unmasked signal break the
	// sleep with status.Interrupted.
	SleepInterruptible SleepFlags = 1 << iota

	// SleepAbsolute treats the timeout as an absolute deadline in
	// nanoseconds since boot rather than a relative duration.
	SleepAbsolute
)

// Timeout values: nanoseconds, -1 blocks forever, 0 polls.
const (
	Forever int64 = -1
	Poll    int64 = 0
)

// Thread is the scheduler's side of a blocking operation. The process
// layer implements it; primitives use it to park the caller and to
// enforce the no-sleep-under-spinlock rule.
type Thread interface {
	// ThreadID returns the thread's kernel ID.
	ThreadID() int32

	// Block parks the thread until e is signalled, the timeout
	// expires, or, if interruptible, a signal arrives. It returns
	// the status the sleep ended with.
	Block(e *Entry, timeout int64, flags SleepFlags) status.Status

	// SpinEnter and SpinExit bracket spinlock hold regions.
	SpinEnter()
	SpinExit()

	// SpinHeld reports how many spinlocks the thread holds.
	SpinHeld() int
}

type currentKey struct{}

// WithCurrent attaches the running thread to the context.
func WithCurrent(ctx context.Context, t Thread) context.Context {
	return context.WithValue(ctx, currentKey{}, t)
}

// Current retrieves the running thread, if any.
func Current(ctx context.Context) (Thread, bool) {
	if v := ctx.Value(currentKey{}); v != nil {
		return v.(Thread), true
	}
	return nil, false
}

// CurrentID returns the running thread's ID, or 0 when called outside
// thread context (boot).
func CurrentID(ctx context.Context) int32 {
	if t, ok := Current(ctx); ok {
		return t.ThreadID()
	}
	return 0
}
