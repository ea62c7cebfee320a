package kernel

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Area is a shareable anonymous memory object with a system-wide ID.
// Processes pass the ID (or a handle) around and map the same pages.
type Area struct {
	object.Base

	id  int32
	reg *AreaRegistry
	obj *vm.AnonObject
}

func (a *Area) ID() int32 { return a.id }

// Size reports the area's current length.
func (a *Area) Size() uint64 { return a.obj.Size() }

// Object exposes the backing VM object for mapping.
func (a *Area) Object() vm.Object { return a.obj }

// Resize grows or shrinks the area.
func (a *Area) Resize(ctx context.Context, size uint64) status.Status {
	if size == 0 || size%page.Size != 0 {
		return status.InvalidArg
	}
	return a.obj.Resize(ctx, size)
}

// Map places the area into an address space.
func (a *Area) Map(ctx context.Context, as *vm.AddressSpace, addr, size uint64, spec vm.AddrSpec, access mmu.Access) (uint64, status.Status) {
	if size == 0 || size > a.obj.Size() {
		return 0, status.InvalidArg
	}
	return as.Map(ctx, addr, size, spec, access, 0, a.obj, 0, "area")
}

// AreaRegistry indexes areas by ID.
type AreaRegistry struct {
	phys *page.Allocator

	mu     sync.Mutex
	areas  map[int32]*Area
	nextID int32
}

// NewAreaRegistry creates the registry.
func NewAreaRegistry(phys *page.Allocator) *AreaRegistry {
	return &AreaRegistry{
		phys:  phys,
		areas: make(map[int32]*Area),
	}
}

// Create makes an area of size bytes, page aligned.
func (r *AreaRegistry) Create(ctx context.Context, size uint64) (*Area, status.Status) {
	if size == 0 || size%page.Size != 0 {
		return nil, status.InvalidArg
	}

	r.mu.Lock()
	r.nextID++
	a := &Area{
		id:  r.nextID,
		reg: r,
		obj: vm.NewAnon(r.phys, size),
	}
	a.InitObject(object.TypeMemoryArea, a.destroy)
	r.areas[a.id] = a
	r.mu.Unlock()

	return a, status.Success
}

// Open resolves an area ID, taking a reference.
func (r *AreaRegistry) Open(ctx context.Context, id int32) (*Area, status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.areas[id]
	if !ok {
		return nil, status.NotFound
	}
	a.Retain()
	return a, status.Success
}

// destroy unregisters the area and drops its pages when the last
// reference goes.
func (a *Area) destroy(ctx context.Context) {
	a.reg.mu.Lock()
	delete(a.reg.areas, a.id)
	a.reg.mu.Unlock()

	a.obj.Deref(ctx)
}
