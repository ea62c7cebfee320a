package ksync

import (
	"context"
	"fmt"
	"sync"

	"github.com/aejsmith/kiwi-sub011/status"
)

// Mutex is a blocking lock with ownership tracking. Release by a
// non-owner is fatal. The recursive variant counts acquisitions by the
// owning thread.
type Mutex struct {
	name      string
	recursive bool

	mu    sync.Mutex
	owner int32
	held  bool
	depth int
	queue WaitQueue
}

func NewMutex(name string) *Mutex {
	return &Mutex{name: name, queue: WaitQueue{name: name}}
}

// NewRecursiveMutex creates a mutex the owner may re-acquire.
func NewRecursiveMutex(name string) *Mutex {
	m := NewMutex(name)
	m.recursive = true
	return m
}

func (m *Mutex) Name() string { return m.name }

// Lock acquires the mutex, blocking uninterruptibly.
func (m *Mutex) Lock(ctx context.Context) {
	m.LockTimeout(ctx, Forever, 0)
}

// LockTimeout acquires the mutex with a timeout and sleep flags.
// Ownership is handed off directly to the longest waiter on unlock, so
// waiters acquire in FIFO order.
func (m *Mutex) LockTimeout(ctx context.Context, timeout int64, flags SleepFlags) status.Status {
	tid := CurrentID(ctx)

	m.mu.Lock()

	if !m.held {
		m.held = true
		m.owner = tid
		m.depth = 1
		m.mu.Unlock()
		return status.Success
	}

	if m.owner == tid {
		if !m.recursive {
			panic(fmt.Sprintf("ksync: recursive lock of mutex %q by thread %d", m.name, tid))
		}
		m.depth++
		m.mu.Unlock()
		return status.Success
	}

	if timeout == Poll {
		m.mu.Unlock()
		return status.WouldBlock
	}

	e := NewEntry(tid)
	m.queue.Prepare(e)
	m.mu.Unlock()

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		m.queue.Cancel(e)
	}
	return st
}

// Unlock releases the mutex. If threads are waiting, ownership passes
// to the front of the queue.
func (m *Mutex) Unlock(ctx context.Context) {
	tid := CurrentID(ctx)

	m.mu.Lock()

	if !m.held || m.owner != tid {
		m.mu.Unlock()
		panic(fmt.Sprintf("ksync: unlock of mutex %q by non-owner thread %d", m.name, tid))
	}

	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}

	// Hand off to the longest waiter, skipping entries whose sleep
	// already ended.
	for {
		m.queue.mu.Lock()
		front := m.queue.entries.Front()
		if front == nil {
			m.queue.mu.Unlock()
			m.held = false
			m.owner = 0
			m.mu.Unlock()
			return
		}
		e := front.(*Entry)
		e.queued = false
		m.queue.entries.Remove(e)
		m.queue.mu.Unlock()

		if e.Signal(status.Success) {
			m.owner = e.Owner()
			m.depth = 1
			m.mu.Unlock()
			return
		}
	}
}

// TryLock acquires the mutex without blocking.
func (m *Mutex) TryLock(ctx context.Context) bool {
	return m.LockTimeout(ctx, Poll, 0) == status.Success
}

// Held reports whether the mutex is currently held. Debug use only.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Owner returns the holding thread's ID, or 0.
func (m *Mutex) Owner() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return 0
	}
	return m.owner
}
