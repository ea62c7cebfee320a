// Package vm implements virtual memory: pluggable VM objects that
// source pages by offset, and per-process address spaces mapping those
// objects into regions with protection and copy-on-write.
package vm

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Object is a polymorphic source of pages: anonymous memory, a file,
// or a physical device range. Pages are addressed by byte offset and
// reference counted; every Page must be balanced by a Release.
type Object interface {
	// Page faults in the frame backing the page-aligned offset.
	Page(ctx context.Context, offset uint64) (*page.Page, status.Status)

	// Release drops the caller's reference on a frame obtained from
	// Page.
	Release(ctx context.Context, p *page.Page)

	// Size returns the object's length in bytes.
	Size() uint64

	// Retain and Deref manage the object's own lifetime.
	Retain()
	Deref(ctx context.Context)
}

// AnonObject is zero-filled anonymous memory, the backing for heaps,
// stacks and shared memory areas.
type AnonObject struct {
	phys *page.Allocator

	mu    sync.Mutex
	size  uint64
	pages map[uint64]*page.Page
	refs  int32
}

// NewAnon creates an anonymous object of size bytes.
func NewAnon(phys *page.Allocator, size uint64) *AnonObject {
	return &AnonObject{
		phys:  phys,
		size:  size,
		pages: make(map[uint64]*page.Page),
		refs:  1,
	}
}

func (o *AnonObject) Size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Resize grows or shrinks the object. Shrinking frees frames beyond
// the new length.
func (o *AnonObject) Resize(ctx context.Context, size uint64) status.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	if size < o.size {
		for off, p := range o.pages {
			if off >= size {
				delete(o.pages, off)
				o.phys.Release(ctx, p)
			}
		}
	}

	o.size = size
	return status.Success
}

func (o *AnonObject) Page(ctx context.Context, offset uint64) (*page.Page, status.Status) {
	offset -= offset % page.Size

	o.mu.Lock()

	if offset >= o.size {
		o.mu.Unlock()
		return nil, status.InvalidAddr
	}

	if p, ok := o.pages[offset]; ok {
		o.phys.Retain(p)
		o.mu.Unlock()
		return p, status.Success
	}
	o.mu.Unlock()

	base, st := o.phys.Alloc(ctx, 1, page.Constraints{}, mm.Wait|mm.Zero)
	if st != status.Success {
		return nil, st
	}

	p, _ := o.phys.Lookup(base)

	o.mu.Lock()
	if existing, ok := o.pages[offset]; ok {
		// Lost the race; keep the winner.
		o.mu.Unlock()
		o.phys.Free(ctx, base, 1)
		o.mu.Lock()
		o.phys.Retain(existing)
		o.mu.Unlock()
		return existing, status.Success
	}

	p.Owner = o
	p.Offset = offset
	o.pages[offset] = p
	o.phys.Retain(p) // object's own reference
	o.mu.Unlock()

	return p, status.Success
}

func (o *AnonObject) Release(ctx context.Context, p *page.Page) {
	o.phys.Release(ctx, p)
}

func (o *AnonObject) Retain() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

func (o *AnonObject) Deref(ctx context.Context) {
	o.mu.Lock()
	o.refs--
	last := o.refs == 0
	var pages []*page.Page
	if last {
		for _, p := range o.pages {
			pages = append(pages, p)
		}
		o.pages = make(map[uint64]*page.Page)
	}
	o.mu.Unlock()

	for _, p := range pages {
		o.phys.Release(ctx, p)
	}
}

// DeviceObject exposes a fixed physical range, used for memory-mapped
// device regions.
type DeviceObject struct {
	phys *page.Allocator
	base page.Addr
	size uint64
}

func NewDevice(phys *page.Allocator, base page.Addr, size uint64) *DeviceObject {
	return &DeviceObject{phys: phys, base: base, size: size}
}

func (o *DeviceObject) Size() uint64 { return o.size }

func (o *DeviceObject) Page(ctx context.Context, offset uint64) (*page.Page, status.Status) {
	offset -= offset % page.Size
	if offset >= o.size {
		return nil, status.InvalidAddr
	}

	p, ok := o.phys.Lookup(o.base + page.Addr(offset))
	if !ok {
		return nil, status.InvalidAddr
	}
	o.phys.Retain(p)
	return p, status.Success
}

func (o *DeviceObject) Release(ctx context.Context, p *page.Page) {
	o.phys.Release(ctx, p)
}

func (o *DeviceObject) Retain()                   {}
func (o *DeviceObject) Deref(ctx context.Context) {}

// Pager reads file content for file-backed objects. The filesystem's
// regular file nodes implement it.
type Pager interface {
	ReadPage(ctx context.Context, buf []byte, offset uint64) status.Status
	Length() uint64
}

// FileObject demand-loads pages through a Pager. Pages are clean file
// cache and may be reclaimed by the page daemon.
type FileObject struct {
	phys  *page.Allocator
	pager Pager

	mu    sync.Mutex
	pages map[uint64]*page.Page
	refs  int32
}

func NewFile(phys *page.Allocator, pager Pager) *FileObject {
	return &FileObject{
		phys:  phys,
		pager: pager,
		pages: make(map[uint64]*page.Page),
		refs:  1,
	}
}

func (o *FileObject) Size() uint64 { return o.pager.Length() }

func (o *FileObject) Page(ctx context.Context, offset uint64) (*page.Page, status.Status) {
	offset -= offset % page.Size

	o.mu.Lock()
	if p, ok := o.pages[offset]; ok {
		o.phys.Retain(p)
		o.mu.Unlock()
		return p, status.Success
	}
	o.mu.Unlock()

	base, st := o.phys.Alloc(ctx, 1, page.Constraints{}, mm.Wait|mm.Zero)
	if st != status.Success {
		return nil, st
	}
	p, _ := o.phys.Lookup(base)

	if st := o.pager.ReadPage(ctx, p.Data(), offset); st != status.Success {
		o.phys.Free(ctx, base, 1)
		return nil, st
	}

	o.mu.Lock()
	if existing, ok := o.pages[offset]; ok {
		o.mu.Unlock()
		o.phys.Free(ctx, base, 1)
		o.mu.Lock()
		o.phys.Retain(existing)
		o.mu.Unlock()
		return existing, status.Success
	}

	p.Owner = o
	p.Offset = offset
	o.pages[offset] = p
	o.phys.Retain(p)
	o.mu.Unlock()

	return p, status.Success
}

func (o *FileObject) Release(ctx context.Context, p *page.Page) {
	o.phys.Release(ctx, p)
}

// DropClean releases unmodified cached pages, returning how many were
// dropped. The page daemon uses this under pressure.
func (o *FileObject) DropClean(ctx context.Context) int {
	o.mu.Lock()
	var drop []*page.Page
	for off, p := range o.pages {
		if !p.Dirty {
			delete(o.pages, off)
			drop = append(drop, p)
		}
	}
	o.mu.Unlock()

	for _, p := range drop {
		o.phys.Release(ctx, p)
	}
	return len(drop)
}

func (o *FileObject) Retain() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

func (o *FileObject) Deref(ctx context.Context) {
	o.mu.Lock()
	o.refs--
	last := o.refs == 0
	var pages []*page.Page
	if last {
		for _, p := range o.pages {
			pages = append(pages, p)
		}
		o.pages = make(map[uint64]*page.Page)
	}
	o.mu.Unlock()

	for _, p := range pages {
		o.phys.Release(ctx, p)
	}
}
