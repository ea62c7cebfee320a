package ksync

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/status"
)

// Semaphore is a counter plus a wait queue. Down takes a unit or
// blocks; Up releases units, handing them directly to waiters in FIFO
// order.
type Semaphore struct {
	name string

	mu    sync.Mutex
	count int
	queue WaitQueue
}

func NewSemaphore(name string, count int) *Semaphore {
	return &Semaphore{
		name:  name,
		count: count,
		queue: WaitQueue{name: name},
	}
}

func (s *Semaphore) Name() string { return s.name }

// Down decrements the counter, blocking while it is zero.
func (s *Semaphore) Down(ctx context.Context) status.Status {
	return s.DownTimeout(ctx, Forever, 0)
}

func (s *Semaphore) DownTimeout(ctx context.Context, timeout int64, flags SleepFlags) status.Status {
	s.mu.Lock()

	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return status.Success
	}

	if timeout == Poll {
		s.mu.Unlock()
		return status.WouldBlock
	}

	e := NewEntry(CurrentID(ctx))
	s.queue.Prepare(e)
	s.mu.Unlock()

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		s.queue.Cancel(e)
	}
	return st
}

// Up releases n units, waking up to n waiters. A unit consumed by a
// waiter never also increments the counter.
func (s *Semaphore) Up(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < n; i++ {
		if !s.queue.Wake() {
			s.count++
		}
	}
}

// Count returns the current counter value. Debug use only.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
