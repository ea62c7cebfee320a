package proc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/mm/vmem"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Process events published on the notifier.
const (
	ProcessEventDeath waiter.EventType = 1 << iota
)

// ProcState is a process's lifecycle state.
type ProcState int32

const (
	// ProcAlive while any thread lives.
	ProcAlive ProcState = iota

	// ProcZombie after the last thread exits; resources are torn down
	// but the identity survives until the owning handle closes.
	ProcZombie
)

// ExitKind distinguishes how a process ended.
type ExitKind int32

const (
	// ExitNormal carries the code passed to exit.
	ExitNormal ExitKind = iota

	// ExitKilled carries the signal number that killed the process.
	ExitKilled
)

// ExitStatus encodes a process's exit.
type ExitStatus struct {
	Kind ExitKind
	Code int32
}

// Capability bits in a security context.
const (
	CapKill uint64 = 1 << iota
	CapChangeIdentity
	CapModule
	CapFSAdmin
)

// SecurityContext is a process's identity for permission checks.
type SecurityContext struct {
	UID  int32
	GID  int32
	Caps uint64
}

// Has reports whether the context carries the capability.
func (s SecurityContext) Has(cap uint64) bool { return s.Caps&cap != 0 }

// IOContext carries a process's filesystem state (root and cwd). The
// filesystem package provides the implementation; keeping it behind an
// interface lets process management stay below the VFS.
type IOContext interface {
	Clone() IOContext
	Close(ctx context.Context)
}

// Process is a resource container: an address space, a handle table,
// an I/O context and a set of threads.
type Process struct {
	object.Base

	id  int32
	mgr *Manager

	mu       sync.Mutex
	name     string
	state    ProcState
	security SecurityContext
	aspace   *vm.AddressSpace
	handles  *object.Table
	io       IOContext
	parent   *Process
	children []*Process
	group    *Group
	threads  map[int32]*Thread
	exit     ExitStatus
	exitSet  bool  // first explicit exit code latched
	killSig  int32 // pending kill; encoded into exit on last thread

	sigActions [NumSignals]SigAction
	exceptions [exceptionMax]ExceptionHandler
}

func (p *Process) ID() int32 { return p.id }

func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Process) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Security returns the process's identity.
func (p *Process) Security() SecurityContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.security
}

// SetSecurity replaces the identity; changing UID/GID requires
// CapChangeIdentity on the caller.
func (p *Process) SetSecurity(caller SecurityContext, sec SecurityContext) status.Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (sec.UID != p.security.UID || sec.GID != p.security.GID) && !caller.Has(CapChangeIdentity) {
		return status.PermDenied
	}
	p.security = sec
	return status.Success
}

// AddressSpace returns the process's user address space.
func (p *Process) AddressSpace() *vm.AddressSpace { return p.aspace }

// Handles returns the process's handle table.
func (p *Process) Handles() *object.Table { return p.handles }

// IO returns the process's filesystem context.
func (p *Process) IO() IOContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.io
}

// SetIO installs the filesystem context; the boot path calls it once
// the root mount exists.
func (p *Process) SetIO(io IOContext) {
	p.mu.Lock()
	p.io = io
	p.mu.Unlock()
}

// Parent returns the creating process, nil for the kernel process.
func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// Group returns the process group.
func (p *Process) Group() *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// ExitStatus is valid once the process is a zombie.
func (p *Process) ExitStatus() (ExitStatus, status.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ProcZombie {
		return ExitStatus{}, status.StillRunning
	}
	return p.exit, status.Success
}

// Threads snapshots the live threads.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// CreateThread adds a thread to the process and starts it Ready.
func (p *Process) CreateThread(ctx context.Context, name string, entry func(ctx context.Context)) (*Thread, status.Status) {
	p.mu.Lock()
	if p.state != ProcAlive {
		p.mu.Unlock()
		return nil, status.NotFound
	}
	p.mu.Unlock()

	return p.mgr.newThread(ctx, p, name, entry)
}

// Exit terminates the calling thread with the given code; the first
// explicitly-set code becomes the process exit status, so a sibling
// exiting later cannot clobber it.
func (p *Process) Exit(ctx context.Context, code int32) {
	p.mu.Lock()
	if !p.exitSet && p.killSig == 0 {
		p.exit = ExitStatus{Kind: ExitNormal, Code: code}
		p.exitSet = true
	}
	p.mu.Unlock()

	if t, ok := CurrentThread(ctx); ok && t.proc == p {
		t.exit(ctx, code)
	}
}

// kill marks the process killed by sig and interrupts every thread.
// The exit status reports the signal once the threads unwind.
func (p *Process) kill(ctx context.Context, sig int32) {
	p.mu.Lock()
	if p.state != ProcAlive {
		p.mu.Unlock()
		return
	}
	p.killSig = sig
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	for _, t := range threads {
		t.signals.post(sig)
		t.Interrupt()
	}
}

// threadExited removes t from the process; the last exit turns the
// process into a zombie and tears its resources down.
func (p *Process) threadExited(ctx context.Context, t *Thread) {
	p.mu.Lock()
	delete(p.threads, t.id)
	last := len(p.threads) == 0 && p.state == ProcAlive
	if last {
		p.state = ProcZombie
		if p.killSig != 0 {
			p.exit = ExitStatus{Kind: ExitKilled, Code: p.killSig}
		}
	}
	p.mu.Unlock()

	p.mgr.threadGone(ctx, t)

	if !last {
		return
	}

	// Zombie teardown: the address space, handle table and I/O context
	// go now; only the identity and exit status survive to the reap.
	if p.aspace != nil {
		p.aspace.Destroy(ctx)
	}
	p.handles.Destroy(ctx)

	p.mu.Lock()
	io := p.io
	p.io = nil
	group := p.group
	p.mu.Unlock()

	if io != nil {
		io.Close(ctx)
	}
	if group != nil {
		group.memberDied(ctx, p)
	}

	log.Named("proc").Debug("process died", "pid", p.id, "name", p.name,
		"kind", p.exit.Kind, "code", p.exit.Code)

	p.Events().Notify(ProcessEventDeath)

	// Drop the reference held for the running state.
	p.Release(ctx)
}

// reap runs as the object destructor when the last handle drops.
func (p *Process) reap(ctx context.Context) {
	p.mu.Lock()
	parent := p.parent
	p.parent = nil
	p.mu.Unlock()

	if parent != nil {
		parent.dropChild(p)
	}

	p.mgr.processGone(ctx, p)
}

func (p *Process) dropChild(child *Process) {
	p.mu.Lock()
	for i, c := range p.children {
		if c == child {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// Manager owns process and thread identity: the PID/TID arenas and the
// lookup tables.
type Manager struct {
	machine platform.Machine
	sched   *Scheduler
	phys    *page.Allocator

	mu        sync.Mutex
	pids      *vmem.Arena
	tids      *vmem.Arena
	procs     map[int32]*Process
	threads   map[int32]*Thread
	groups    map[int32]*Group
	nextGroup int32
}

// NewManager creates the process manager. IDs start at 1; 0 is never a
// valid process or thread ID.
func NewManager(machine platform.Machine, sched *Scheduler, phys *page.Allocator) *Manager {
	return &Manager{
		machine: machine,
		sched:   sched,
		phys:    phys,
		pids:    vmem.New("process_ids", 1, 65535, 1),
		tids:    vmem.New("thread_ids", 1, 65535, 1),
		procs:   make(map[int32]*Process),
		threads: make(map[int32]*Thread),
		groups:  make(map[int32]*Group),
	}
}

// NewProcess creates a process. A nil parent makes a root process with
// a fresh handle table; otherwise INHERITABLE handles and the parent's
// identity and I/O context carry over.
func (m *Manager) NewProcess(ctx context.Context, name string, parent *Process) (*Process, status.Status) {
	id, st := m.pids.Alloc(ctx, 1, mm.NoWait)
	if st != status.Success {
		return nil, status.ProcessLimit
	}

	p := &Process{
		id:      int32(id),
		mgr:     m,
		name:    name,
		aspace:  vm.NewAddressSpace(m.machine, m.phys),
		threads: make(map[int32]*Thread),
	}
	p.InitObject(object.TypeProcess, p.reap)
	// Second reference held while the process runs; threadExited drops
	// it at zombie transition.
	p.Retain()

	if parent != nil {
		p.parent = parent
		p.security = parent.Security()
		p.handles = parent.Handles().Inherit(ctx)
		if io := parent.IO(); io != nil {
			p.io = io.Clone()
		}
		p.sigActions = parent.cloneActions()

		parent.mu.Lock()
		parent.children = append(parent.children, p)
		group := parent.group
		parent.mu.Unlock()

		if group != nil {
			group.add(p)
		}
	} else {
		p.handles = object.NewTable()
	}

	m.mu.Lock()
	m.procs[p.id] = p
	m.mu.Unlock()

	log.Named("proc").Debug("process created", "pid", p.id, "name", name)
	return p, status.Success
}

func (p *Process) cloneActions() [NumSignals]SigAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigActions
}

func (m *Manager) newThread(ctx context.Context, p *Process, name string, entry func(ctx context.Context)) (*Thread, status.Status) {
	id, st := m.tids.Alloc(ctx, 1, mm.NoWait)
	if st != status.Success {
		return nil, status.ThreadLimit
	}

	t := newThread(m.sched, p, int32(id), name, entry)

	p.mu.Lock()
	if p.state != ProcAlive {
		p.mu.Unlock()
		m.tids.Free(ctx, id, 1)
		return nil, status.NotFound
	}
	p.threads[t.id] = t
	p.mu.Unlock()

	m.mu.Lock()
	m.threads[t.id] = t
	m.mu.Unlock()

	t.start()
	return t, status.Success
}

// LookupProcess resolves a PID.
func (m *Manager) LookupProcess(id int32) (*Process, status.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[id]
	if !ok {
		return nil, status.NotFound
	}
	return p, status.Success
}

// LookupThread resolves a TID.
func (m *Manager) LookupThread(id int32) (*Thread, status.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, status.NotFound
	}
	return t, status.Success
}

func (m *Manager) threadGone(ctx context.Context, t *Thread) {
	m.mu.Lock()
	delete(m.threads, t.id)
	m.mu.Unlock()
	m.tids.Free(ctx, uint64(t.id), 1)
}

func (m *Manager) processGone(ctx context.Context, p *Process) {
	m.mu.Lock()
	delete(m.procs, p.id)
	m.mu.Unlock()
	m.pids.Free(ctx, uint64(p.id), 1)
}

// Processes snapshots the table for KDB.
func (m *Manager) Processes() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p)
	}
	return out
}
