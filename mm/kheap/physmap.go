package kheap

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/status"
)

// PhysWindow is a direct-physical access window: byte-addressed reads
// and writes against a physical range, spanning frames as needed. It
// stands in for the reserved low-virtual phys_map region.
type PhysWindow struct {
	phys *page.Allocator
	base page.Addr
	size uint64
}

// PhysMap opens an access window onto [base, base+size).
func (h *Heap) PhysMap(ctx context.Context, base page.Addr, size uint64) (*PhysWindow, status.Status) {
	if size == 0 {
		return nil, status.InvalidArg
	}
	if uint64(base)%page.Size+size > physMapSize {
		return nil, status.InvalidArg
	}

	return &PhysWindow{phys: h.phys, base: base, size: size}, status.Success
}

func (w *PhysWindow) Size() uint64 { return w.size }

// ReadAt copies bytes out of physical memory.
func (w *PhysWindow) ReadAt(buf []byte, off uint64) status.Status {
	return w.access(buf, off, false)
}

// WriteAt copies bytes into physical memory.
func (w *PhysWindow) WriteAt(buf []byte, off uint64) status.Status {
	return w.access(buf, off, true)
}

func (w *PhysWindow) access(buf []byte, off uint64, write bool) status.Status {
	if off+uint64(len(buf)) > w.size {
		return status.InvalidAddr
	}

	addr := uint64(w.base) + off
	done := 0

	for done < len(buf) {
		pg, ok := w.phys.Lookup(page.Addr(addr))
		if !ok {
			return status.InvalidAddr
		}

		pageOff := addr % page.Size
		chunk := int(page.Size - pageOff)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}

		data := pg.Data()
		if write {
			copy(data[pageOff:pageOff+uint64(chunk)], buf[done:done+chunk])
			pg.Dirty = true
		} else {
			copy(buf[done:done+chunk], data[pageOff:pageOff+uint64(chunk)])
		}

		done += chunk
		addr += uint64(chunk)
	}

	return status.Success
}
