// Package kernel ties the subsystems together: boot sequencing,
// statically registered initcalls, the syscall dispatch table, time
// and memory-area services, the module loader and fatal error
// handling.
package kernel

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/fs"
	"github.com/aejsmith/kiwi-sub011/ipc"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm/kheap"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/page"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Config is the boot configuration.
type Config struct {
	CPUs     int
	MemoryMB int
	RootFS   string // filesystem type for the root mount
}

// DefaultConfig boots a small SMP machine with a ramfs root.
func DefaultConfig() Config {
	return Config{CPUs: 2, MemoryMB: 128, RootFS: "ramfs"}
}

// Kernel is the running system.
type Kernel struct {
	Machine platform.Machine
	Phys    *page.Allocator
	Heap    *kheap.Heap
	Sched   *proc.Scheduler
	Procs   *proc.Manager
	VFS     *fs.VFS
	Ports   *ipc.Registry
	Futexes *proc.FutexTable
	Areas   *AreaRegistry

	Semaphores *SemaphoreRegistry

	syscalls *syscallTable
	modules  *ModuleRegistry

	kernelProc *proc.Process
	bootTime   int64
}

// Boot runs the boot program: platform early, physical memory, heap,
// VM, scheduler, SMP bring-up, root mount, initcalls. The caller then
// starts the first user process.
func Boot(ctx context.Context, cfg Config) (*Kernel, status.Status) {
	if cfg.CPUs <= 0 || cfg.MemoryMB <= 0 {
		return nil, status.InvalidArg
	}

	machine := platform.NewHosted(cfg.CPUs)

	k := &Kernel{
		Machine:  machine,
		syscalls: newSyscallTable(),
		modules:  NewModuleRegistry(),
	}
	k.bootTime = machine.Now()

	log.L.Info("kiwi booting", "cpus", cfg.CPUs, "memory_mb", cfg.MemoryMB)

	// Physical memory online.
	k.Phys = page.NewAllocator(ctx, uint64(cfg.MemoryMB)*1024*1024)

	// Heap online.
	kctx := mmu.NewContext(machine)
	k.Heap = kheap.New(ctx, machine, k.Phys, kctx)

	// Page daemon: shrink the slab caches under memory pressure.
	k.Phys.RegisterReclaim(func(ctx context.Context) bool {
		return kheap.ShrinkAll() > 0
	})

	// Scheduler online, then SMP boot.
	k.Sched = proc.NewScheduler(machine)
	k.Procs = proc.NewManager(machine, k.Sched, k.Phys)
	k.Sched.Start()

	// Mount root.
	k.VFS = fs.NewVFS()
	k.VFS.RegisterDriver(fs.RamFS{})
	k.VFS.RegisterDriver(fs.TarFS{})
	k.VFS.RegisterDriver(fs.HostFS{})
	if st := k.VFS.MountRoot(ctx, cfg.RootFS, "", 0); st != status.Success {
		return nil, st
	}

	k.Ports = ipc.NewRegistry()
	k.Futexes = proc.NewFutexTable()
	k.Areas = NewAreaRegistry(k.Phys)
	k.Semaphores = NewSemaphoreRegistry()

	// The kernel process owns kernel threads and the initial I/O
	// context.
	kp, st := k.Procs.NewProcess(ctx, "kernel", nil)
	if st != status.Success {
		return nil, st
	}
	io, st := fs.NewIOContext(k.VFS)
	if st != status.Success {
		return nil, st
	}
	kp.SetIO(io)
	k.kernelProc = kp

	k.registerSyscalls()

	if st := runInitcalls(ctx, k); st != status.Success {
		return nil, st
	}

	log.L.Info("boot complete", "uptime_ns", machine.Now()-k.bootTime)
	return k, status.Success
}

// KernelProcess returns the process owning kernel threads.
func (k *Kernel) KernelProcess() *proc.Process { return k.kernelProc }

// StartInit creates and starts the first user process.
func (k *Kernel) StartInit(ctx context.Context, name string, entry func(ctx context.Context)) (*proc.Process, status.Status) {
	p, st := k.Procs.NewProcess(ctx, name, k.kernelProc)
	if st != status.Success {
		return nil, st
	}

	if _, st := p.CreateThread(ctx, name+"/main", entry); st != status.Success {
		return nil, st
	}

	log.L.Info("first user process started", "pid", p.ID(), "name", name)
	return p, status.Success
}

// Shutdown stops the tick source. Hosted shutdown is cooperative;
// running threads are left to drain.
func (k *Kernel) Shutdown(ctx context.Context) {
	log.L.Info("shutting down")
	k.Sched.Stop()
}

// Uptime reports nanoseconds since boot.
func (k *Kernel) Uptime() int64 {
	return k.Machine.Now() - k.bootTime
}
