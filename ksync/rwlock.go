package ksync

import (
	"context"
	"fmt"
	"sync"

	"github.com/aejsmith/kiwi-sub011/status"
)

// RWLock admits a single writer or many readers. Waiters queue in one
// FIFO: once a writer is waiting, new readers queue behind it, so
// writers cannot starve.
type RWLock struct {
	name string

	mu      sync.Mutex
	readers int
	writer  int32
	writing bool
	pending []rwEntry
}

// rwEntry tags a queued waiter with the access it wants.
type rwEntry struct {
	e     *Entry
	write bool
}

func NewRWLock(name string) *RWLock {
	return &RWLock{name: name}
}

func (l *RWLock) Name() string { return l.name }

// ReadLock acquires the lock for reading.
func (l *RWLock) ReadLock(ctx context.Context) {
	l.readLock(ctx, Forever, 0)
}

func (l *RWLock) readLock(ctx context.Context, timeout int64, flags SleepFlags) status.Status {
	l.mu.Lock()

	// Grant only if no writer holds the lock and none is queued;
	// queued writers stall new readers.
	if !l.writing && len(l.pending) == 0 {
		l.readers++
		l.mu.Unlock()
		return status.Success
	}

	if timeout == Poll {
		l.mu.Unlock()
		return status.WouldBlock
	}

	e := NewEntry(CurrentID(ctx))
	l.pending = append(l.pending, rwEntry{e: e, write: false})
	l.mu.Unlock()

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		l.cancel(e)
	}
	return st
}

// WriteLock acquires the lock for writing.
func (l *RWLock) WriteLock(ctx context.Context) {
	l.writeLock(ctx, Forever, 0)
}

func (l *RWLock) writeLock(ctx context.Context, timeout int64, flags SleepFlags) status.Status {
	tid := CurrentID(ctx)

	l.mu.Lock()

	if !l.writing && l.readers == 0 && len(l.pending) == 0 {
		l.writing = true
		l.writer = tid
		l.mu.Unlock()
		return status.Success
	}

	if timeout == Poll {
		l.mu.Unlock()
		return status.WouldBlock
	}

	e := NewEntry(tid)
	l.pending = append(l.pending, rwEntry{e: e, write: true})
	l.mu.Unlock()

	st := Wait(ctx, e, timeout, flags)
	if st != status.Success {
		l.cancel(e)
	}
	return st
}

// Unlock releases the caller's hold, read or write, and admits the
// next waiters: either one writer, or the run of readers at the front
// of the queue.
func (l *RWLock) Unlock(ctx context.Context) {
	l.mu.Lock()

	if l.writing {
		if tid := CurrentID(ctx); tid != l.writer {
			l.mu.Unlock()
			panic(fmt.Sprintf("ksync: rwlock %q write-unlock by non-owner thread %d", l.name, tid))
		}
		l.writing = false
		l.writer = 0
	} else {
		if l.readers == 0 {
			l.mu.Unlock()
			panic(fmt.Sprintf("ksync: unlock of unheld rwlock %q", l.name))
		}
		l.readers--
		if l.readers > 0 {
			l.mu.Unlock()
			return
		}
	}

	l.admit()
	l.mu.Unlock()
}

// admit grants the lock to queued waiters. Called with l.mu held and
// no writer active.
func (l *RWLock) admit() {
	for len(l.pending) > 0 {
		next := l.pending[0]

		if next.write {
			// A writer is only admitted alone.
			if l.readers > 0 {
				return
			}
			l.pending = l.pending[1:]
			if next.e.Signal(status.Success) {
				l.writing = true
				l.writer = next.e.Owner()
				return
			}
			continue
		}

		l.pending = l.pending[1:]
		if next.e.Signal(status.Success) {
			l.readers++
		}
	}
}

// cancel drops a waiter whose sleep ended without a grant.
func (l *RWLock) cancel(e *Entry) {
	l.mu.Lock()
	for i, p := range l.pending {
		if p.e == e {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			break
		}
	}
	// The dropped waiter may have been blocking admissible entries.
	if !l.writing {
		l.admit()
	}
	l.mu.Unlock()
}

// Readers reports the active reader count. Debug use only.
func (l *RWLock) Readers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers
}
