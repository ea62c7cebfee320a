package ksync

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/status"
)

// Condvar is a condition variable paired with an external mutex.
type Condvar struct {
	name  string
	queue WaitQueue
}

func NewCondvar(name string) *Condvar {
	return &Condvar{name: name, queue: WaitQueue{name: name}}
}

// Wait atomically releases m and blocks until signalled, then
// reacquires m before returning. The return value reflects how the
// sleep ended; the mutex is held again in all cases.
func (c *Condvar) Wait(ctx context.Context, m *Mutex) status.Status {
	return c.WaitTimeout(ctx, m, Forever, 0)
}

func (c *Condvar) WaitTimeout(ctx context.Context, m *Mutex, timeout int64, flags SleepFlags) status.Status {
	e := NewEntry(CurrentID(ctx))
	c.queue.Prepare(e)

	m.Unlock(ctx)

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		c.queue.Cancel(e)
	}

	m.Lock(ctx)
	return st
}

// Signal wakes one waiter.
func (c *Condvar) Signal() bool {
	return c.queue.Wake()
}

// Broadcast wakes all waiters in FIFO order.
func (c *Condvar) Broadcast() int {
	return c.queue.WakeAll()
}
