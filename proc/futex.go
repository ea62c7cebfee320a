package proc

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/status"
)

// FutexTable implements user-mode mutex support: wait queues keyed by
// the physical address of a 32-bit user word, so sharing a memory area
// shares the futex.
type FutexTable struct {
	mu     sync.Mutex
	queues map[page.Addr]*futexQueue
}

type futexQueue struct {
	queue *ksync.WaitQueue
	count int
}

// NewFutexTable creates an empty table.
func NewFutexTable() *FutexTable {
	return &FutexTable{queues: make(map[page.Addr]*futexQueue)}
}

// key resolves the user address to the physical address of its word,
// faulting the page in if needed.
func (f *FutexTable) key(ctx context.Context, as *vm.AddressSpace, addr uint64) (page.Addr, status.Status) {
	if addr%4 != 0 {
		return 0, status.InvalidArg
	}

	phys, _, ok := as.MMU().Lookup(addr)
	if !ok {
		if st := as.Fault(ctx, addr, mmu.AccessRead); st != status.Success {
			return 0, st
		}
		phys, _, ok = as.MMU().Lookup(addr)
		if !ok {
			return 0, status.InvalidAddr
		}
	}
	return phys, status.Success
}

// Wait blocks until a Wake on the same word, provided the word still
// holds expected; TryAgain reports a lost race.
func (f *FutexTable) Wait(ctx context.Context, as *vm.AddressSpace, addr uint64, expected uint32, timeout int64) status.Status {
	key, st := f.key(ctx, as, addr)
	if st != status.Success {
		return st
	}

	// Re-check the word under the table lock so a concurrent Wake
	// cannot slip between the check and the enqueue.
	f.mu.Lock()

	var word [4]byte
	if st := as.ReadBytes(ctx, addr, word[:]); st != status.Success {
		f.mu.Unlock()
		return st
	}
	if binary.LittleEndian.Uint32(word[:]) != expected {
		f.mu.Unlock()
		return status.TryAgain
	}

	fq, ok := f.queues[key]
	if !ok {
		fq = &futexQueue{queue: ksync.NewWaitQueue("futex")}
		f.queues[key] = fq
	}
	fq.count++

	e := ksync.NewEntry(ksync.CurrentID(ctx))
	fq.queue.Prepare(e)
	f.mu.Unlock()

	st = ksync.Wait(ctx, e, timeout, ksync.SleepInterruptible)
	if st != status.Success {
		fq.queue.Cancel(e)
	}

	f.mu.Lock()
	fq.count--
	if fq.count == 0 {
		delete(f.queues, key)
	}
	f.mu.Unlock()

	return st
}

// Wake releases up to count waiters on the word, reporting how many
// were woken.
func (f *FutexTable) Wake(ctx context.Context, as *vm.AddressSpace, addr uint64, count int) (int, status.Status) {
	key, st := f.key(ctx, as, addr)
	if st != status.Success {
		return 0, st
	}

	f.mu.Lock()
	fq, ok := f.queues[key]
	f.mu.Unlock()
	if !ok {
		return 0, status.Success
	}

	woken := 0
	for woken < count && fq.queue.Wake() {
		woken++
	}
	return woken, status.Success
}
