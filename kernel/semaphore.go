package kernel

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Semaphore is a counting semaphore with a system-wide ID, shareable
// across processes the same way areas are: by handle transfer or by
// opening the ID.
type Semaphore struct {
	object.Base

	id  int32
	reg *SemaphoreRegistry
	sem *ksync.Semaphore
}

func (s *Semaphore) ID() int32 { return s.id }

// Down takes one unit, blocking up to timeout while the count is zero.
func (s *Semaphore) Down(ctx context.Context, timeout int64) status.Status {
	return s.sem.DownTimeout(ctx, timeout, 0)
}

// Up releases n units.
func (s *Semaphore) Up(n int) { s.sem.Up(n) }

// Count reports the current count.
func (s *Semaphore) Count() int { return s.sem.Count() }

// SemaphoreRegistry indexes semaphores by ID.
type SemaphoreRegistry struct {
	mu     sync.Mutex
	sems   map[int32]*Semaphore
	nextID int32
}

// NewSemaphoreRegistry creates the registry.
func NewSemaphoreRegistry() *SemaphoreRegistry {
	return &SemaphoreRegistry{sems: make(map[int32]*Semaphore)}
}

// Create makes a semaphore with the given initial count.
func (r *SemaphoreRegistry) Create(ctx context.Context, name string, count int) (*Semaphore, status.Status) {
	if count < 0 {
		return nil, status.InvalidArg
	}
	if name == "" {
		name = "user_sem"
	}

	r.mu.Lock()
	r.nextID++
	s := &Semaphore{
		id:  r.nextID,
		reg: r,
		sem: ksync.NewSemaphore(name, count),
	}
	s.InitObject(object.TypeSemaphore, s.destroy)
	r.sems[s.id] = s
	r.mu.Unlock()

	return s, status.Success
}

// Open resolves a semaphore ID, taking a reference.
func (r *SemaphoreRegistry) Open(ctx context.Context, id int32) (*Semaphore, status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sems[id]
	if !ok {
		return nil, status.NotFound
	}
	s.Retain()
	return s, status.Success
}

func (s *Semaphore) destroy(ctx context.Context) {
	s.reg.mu.Lock()
	delete(s.reg.sems, s.id)
	s.reg.mu.Unlock()
}
