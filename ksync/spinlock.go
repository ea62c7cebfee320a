package ksync

import (
	"context"
	"runtime"
	"sync/atomic"
)

// Spinlock is a test-and-set lock for short critical sections. Holding
// one across any operation that may block is forbidden; the wait queue
// enforces this when the holder is a kernel thread.
type Spinlock struct {
	name string
	v    int32
}

func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

func (s *Spinlock) Lock(ctx context.Context) {
	for !atomic.CompareAndSwapInt32(&s.v, 0, 1) {
		runtime.Gosched()
	}

	if t, ok := Current(ctx); ok {
		t.SpinEnter()
	}
}

func (s *Spinlock) Unlock(ctx context.Context) {
	if t, ok := Current(ctx); ok {
		t.SpinExit()
	}

	atomic.StoreInt32(&s.v, 0)
}

// TryLock acquires the lock if it is free.
func (s *Spinlock) TryLock(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&s.v, 0, 1) {
		return false
	}

	if t, ok := Current(ctx); ok {
		t.SpinEnter()
	}
	return true
}

// IRQState models the caller's interrupt enable state across an
// interrupt-disabling acquisition.
type IRQState bool

// LockIRQ acquires the lock with interrupts disabled, returning the
// previous interrupt state for UnlockIRQ to restore.
func (s *Spinlock) LockIRQ(ctx context.Context) IRQState {
	prev := irqDisable()
	s.Lock(ctx)
	return prev
}

func (s *Spinlock) UnlockIRQ(ctx context.Context, prev IRQState) {
	s.Unlock(ctx)
	irqRestore(prev)
}

// Hosted interrupt model: a per-process depth counter standing in for
// the CPU interrupt flag. Real delivery is not suppressed; the state is
// tracked so the WAIT-from-interrupt-context debug check works.
var irqDepth int32

func irqDisable() IRQState {
	return atomic.AddInt32(&irqDepth, 1) == 1
}

func irqRestore(prev IRQState) {
	if atomic.AddInt32(&irqDepth, -1) < 0 {
		atomic.StoreInt32(&irqDepth, 0)
	}
	_ = prev
}

// InterruptsDisabled reports whether any LockIRQ section is active.
func InterruptsDisabled() bool {
	return atomic.LoadInt32(&irqDepth) > 0
}
