// Package kheap implements the kernel heap: a raw kernel-address arena
// feeding a virtual-address arena, feeding a page-backed arena that
// attaches physical frames to its ranges on allocation and releases
// them on free. Slab caches with per-CPU magazines sit on top.
package kheap

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/mm/vmem"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Kernel virtual layout: a large heap window plus a low window reserved
// for device and direct physical access.
const (
	physMapBase = 0xffff_8000_0000_0000
	physMapSize = 1 << 34

	heapBase = 0xffff_9000_0000_0000
	heapSize = 1 << 32
)

type allocation struct {
	size  uint64
	pages []*page.Page
}

// Heap is the kernel heap instance.
type Heap struct {
	machine platform.Machine
	phys    *page.Allocator
	kctx    *mmu.Context

	raw *vmem.Arena // kernel address numbers
	va  *vmem.Arena // imported window carved for the heap

	mu     sync.Mutex
	allocs map[uint64]*allocation
}

// New builds the heap arena stack over the physical allocator and the
// kernel MMU context.
func New(ctx context.Context, machine platform.Machine, phys *page.Allocator, kctx *mmu.Context) *Heap {
	raw := vmem.New("kernel-raw", heapBase, heapSize, page.Size)
	va := vmem.NewSub("kernel-va", page.Size, raw)

	h := &Heap{
		machine: machine,
		phys:    phys,
		kctx:    kctx,
		raw:     raw,
		va:      va,
		allocs:  make(map[uint64]*allocation),
	}

	log.Named("kheap").Debug("heap online", "base", uint64(heapBase), "size", uint64(heapSize))
	return h
}

// Alloc allocates size bytes of page-backed kernel memory, returning
// the kernel virtual address.
func (h *Heap) Alloc(ctx context.Context, size uint64, flags mm.Flags) (uint64, status.Status) {
	if size == 0 {
		return 0, status.InvalidArg
	}

	va, st := h.va.Alloc(ctx, size, flags)
	if st != status.Success {
		return 0, st
	}

	npages := int((size + page.Size - 1) / page.Size)
	a := &allocation{size: size}

	for i := 0; i < npages; i++ {
		base, st := h.phys.Alloc(ctx, 1, page.Constraints{}, flags)
		if st != status.Success {
			h.release(ctx, va, a)
			return 0, st
		}

		p, _ := h.phys.Lookup(base)
		a.pages = append(a.pages, p)

		virt := va + uint64(i)*page.Size
		if st := h.kctx.Map(ctx, virt, base, mmu.AccessRead|mmu.AccessWrite, mmu.CacheWriteBack); st != status.Success {
			// release owns the frame: it was recorded in a.pages above.
			h.release(ctx, va, a)
			return 0, st
		}
	}

	h.mu.Lock()
	h.allocs[va] = a
	h.mu.Unlock()

	return va, status.Success
}

// Free releases a heap range, detaching and freeing its frames.
func (h *Heap) Free(ctx context.Context, va uint64) {
	h.mu.Lock()
	a, ok := h.allocs[va]
	if ok {
		delete(h.allocs, va)
	}
	h.mu.Unlock()

	if !ok {
		panic("kheap: free of unknown address")
	}

	h.release(ctx, va, a)
}

func (h *Heap) release(ctx context.Context, va uint64, a *allocation) {
	for i, p := range a.pages {
		virt := va + uint64(i)*page.Size
		if _, ok := h.kctx.Unmap(ctx, virt); ok {
			h.kctx.Invalidate(ctx, virt, page.Size)
		}
		h.phys.Free(ctx, p.Addr(), 1)
	}

	h.va.Free(ctx, va, a.size)
}

// Bytes exposes the backing of a heap allocation for hosted access.
func (h *Heap) Bytes(va uint64) ([]byte, bool) {
	h.mu.Lock()
	a, ok := h.allocs[va]
	h.mu.Unlock()

	if !ok || len(a.pages) != 1 {
		return nil, false
	}
	return a.pages[0].Data()[:a.size], true
}

// VA returns the heap's virtual address arena; ID-space consumers
// build sub-arenas from it.
func (h *Heap) VA() *vmem.Arena { return h.va }
