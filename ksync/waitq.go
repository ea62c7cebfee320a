package ksync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aejsmith/kiwi-sub011/pkg/ilist"
	"github.com/aejsmith/kiwi-sub011/status"
)

// WaitQueue is a locked FIFO list of blocked threads. It is the
// primitive underlying every blocking operation in the kernel.
type WaitQueue struct {
	name string

	mu      sync.Mutex
	entries ilist.List
}

// NewWaitQueue creates a wait queue. The name shows up in KDB output.
func NewWaitQueue(name string) *WaitQueue {
	return &WaitQueue{name: name}
}

func (q *WaitQueue) Name() string {
	if q == nil || q.name == "" {
		return "anonymous"
	}
	return q.name
}

// Entry represents one sleeping thread on a wait queue. The first
// Signal wins; later signals are dropped so a wakeup is never consumed
// by a thread that already timed out or was interrupted.
type Entry struct {
	ilist.Entry

	owner     int32
	ch        chan status.Status
	signalled int32
	queue     *WaitQueue
	queued    bool
}

// NewEntry creates a detached entry. Most callers use Sleep; primitives
// that need to enqueue under their own lock (condvar, rwlock) build the
// entry explicitly with Prepare.
func NewEntry(owner int32) *Entry {
	return &Entry{
		owner: owner,
		ch:    make(chan status.Status, 1),
	}
}

// Signal ends e's sleep with st. It reports whether this call delivered
// the wakeup; false means the sleep already ended another way and the
// caller should wake the next waiter instead.
func (e *Entry) Signal(st status.Status) bool {
	if !atomic.CompareAndSwapInt32(&e.signalled, 0, 1) {
		return false
	}
	e.ch <- st
	return true
}

// Signalled reports whether the entry's sleep has ended.
func (e *Entry) Signalled() bool {
	return atomic.LoadInt32(&e.signalled) != 0
}

// Owner returns the thread ID the entry was created for.
func (e *Entry) Owner() int32 { return e.owner }

// Chan exposes the wake channel to the thread implementation of Block.
func (e *Entry) Chan() <-chan status.Status { return e.ch }

// Prepare atomically appends e to the queue. The caller typically holds
// an outer lock that guards its own blocking condition.
func (q *WaitQueue) Prepare(e *Entry) {
	q.mu.Lock()
	e.queue = q
	e.queued = true
	q.entries.PushBack(e)
	q.mu.Unlock()
}

// Cancel removes e from the queue if it is still there.
func (q *WaitQueue) Cancel(e *Entry) {
	q.mu.Lock()
	if e.queued {
		e.queued = false
		q.entries.Remove(e)
	}
	q.mu.Unlock()
}

// Sleep atomically enqueues the caller and blocks until woken, the
// timeout expires, or (with SleepInterruptible) a signal arrives.
func (q *WaitQueue) Sleep(ctx context.Context, timeout int64, flags SleepFlags) status.Status {
	if t, ok := Current(ctx); ok && t.SpinHeld() > 0 {
		panic("ksync: sleep on " + q.Name() + " while holding a spinlock")
	}

	e := NewEntry(CurrentID(ctx))
	q.Prepare(e)

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		q.Cancel(e)
	}
	return st
}

// Wait blocks on a prepared entry. Split out from Sleep for primitives
// that must drop another lock between enqueue and block.
func Wait(ctx context.Context, e *Entry, timeout int64, flags SleepFlags) status.Status {
	if t, ok := Current(ctx); ok {
		return t.Block(e, timeout, flags)
	}
	return DirectWait(ctx, e, timeout, flags)
}

// DirectWait parks the calling goroutine directly, bypassing the
// scheduler. Used before the scheduler is online and from tests that
// drive primitives without kernel threads.
func DirectWait(ctx context.Context, e *Entry, timeout int64, flags SleepFlags) status.Status {
	if timeout == Poll {
		select {
		case st := <-e.ch:
			return st
		default:
			// Mark consumed so a late Signal passes the wakeup on.
			if e.Signal(status.WouldBlock) {
				<-e.ch
				return status.WouldBlock
			}
			return <-e.ch
		}
	}

	// The hosted fallback has no boot clock; absolute deadlines are
	// treated as relative. The scheduler's Block handles them properly.
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(time.Duration(timeout))
		defer t.Stop()
		timer = t.C
	}

	select {
	case st := <-e.ch:
		return st
	case <-timer:
		if !e.Signal(status.TimedOut) {
			return <-e.ch
		}
		<-e.ch
		return status.TimedOut
	case <-ctx.Done():
		if !e.Signal(status.Interrupted) {
			return <-e.ch
		}
		<-e.ch
		return status.Interrupted
	}
}

// Wake dequeues and wakes one thread in FIFO order. It reports whether
// a thread was woken.
func (q *WaitQueue) Wake() bool {
	return q.wake(status.Success)
}

func (q *WaitQueue) wake(st status.Status) bool {
	for {
		q.mu.Lock()
		front := q.entries.Front()
		if front == nil {
			q.mu.Unlock()
			return false
		}
		e := front.(*Entry)
		e.queued = false
		q.entries.Remove(e)
		q.mu.Unlock()

		if e.Signal(st) {
			return true
		}
		// The sleep already ended (timeout or interrupt); pass the
		// wakeup to the next waiter.
	}
}

// WakeAll wakes every thread on the queue in FIFO order, returning the
// number woken.
func (q *WaitQueue) WakeAll() int {
	n := 0
	for q.Wake() {
		n++
	}
	return n
}

// Empty reports whether any thread is sleeping on the queue.
func (q *WaitQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Empty()
}
