package kernel

import (
	"context"
	"encoding/binary"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/mm/mmu"
	"github.com/aejsmith/kiwi-sub011/mm/vm"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Syscall numbers. The numeric values are ABI.
const (
	SysThreadExit uint32 = iota + 1
	SysThreadID
	SysThreadSleep
	SysProcessExit
	SysProcessID
	SysKill
	SysHandleClose
	SysHandleDuplicate
	SysHandleFlags
	SysHandleSetFlags
	SysObjectWait
	SysTimeBoot
	SysTimeWall
	SysTimerCreate
	SysTimerArm
	SysTimerDisarm
	SysAreaCreate
	SysAreaOpen
	SysAreaSize
	SysAreaResize
	SysVMMap
	SysVMUnmap
	SysMutexLock
	SysMutexUnlock
	SysObjectType
	SysObjectWaitMultiple
	SysFSOpen
	SysFSCreate
	SysFSUnlink
	SysFSRead
	SysFSWrite
	SysFSSeek
	SysFSReadDir
	SysFSTruncate
	SysFSSync
	SysFSMount
	SysFSUnmount
	SysFSSetCwd
	SysPortCreate
	SysPortOpen
	SysPortListen
	SysPortConnect
	SysMsgSend
	SysMsgReceive
	SysSemCreate
	SysSemOpen
	SysSemDown
	SysSemUp
	SysSignalAction
	SysSignalMask
	SysSignalRaise
	SysSignalReturn
	SysModuleLoad
	SysModuleUnload
)

// SyscallFn implements one system call: six word arguments in, one
// word result plus a status out.
type SyscallFn func(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status)

type syscallEntry struct {
	name string
	fn   SyscallFn
}

type syscallTable struct {
	handlers map[uint32]syscallEntry
}

func newSyscallTable() *syscallTable {
	return &syscallTable{handlers: make(map[uint32]syscallEntry)}
}

// RegisterSyscall installs a handler; modules may extend the table.
func (k *Kernel) RegisterSyscall(num uint32, name string, fn SyscallFn) {
	k.syscalls.handlers[num] = syscallEntry{name: name, fn: fn}
}

// Syscall dispatches one system call for the current thread. The
// boundary also runs deferred preemption and pending signal delivery.
func (k *Kernel) Syscall(ctx context.Context, num uint32, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if ok {
		t.Preempt()
	}

	entry, found := k.syscalls.handlers[num]
	if !found {
		return 0, status.InvalidSyscall
	}

	ret, st := entry.fn(ctx, k, args)

	log.Named("syscall").Trace("syscall", "name", entry.name, "status", st)
	return ret, st
}

// ReturnToUser runs the kernel-to-user boundary work after a syscall
// or exception: deferred preemption, then signal delivery. A non-nil
// frame means the runtime must enter the returned handler.
func (k *Kernel) ReturnToUser(ctx context.Context, uctx *proc.SigContext) (*proc.SigFrame, uint64) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return nil, 0
	}
	t.Preempt()
	return t.DeliverSignals(ctx, uctx)
}

func currentProcess(ctx context.Context) (*proc.Process, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok || t.Process() == nil {
		return nil, status.InvalidRequest
	}
	return t.Process(), status.Success
}

// registerSyscalls installs the core table.
func (k *Kernel) registerSyscalls() {
	k.RegisterSyscall(SysThreadExit, "thread_exit", sysThreadExit)
	k.RegisterSyscall(SysThreadID, "thread_id", sysThreadID)
	k.RegisterSyscall(SysThreadSleep, "thread_sleep", sysThreadSleep)
	k.RegisterSyscall(SysProcessExit, "process_exit", sysProcessExit)
	k.RegisterSyscall(SysProcessID, "process_id", sysProcessID)
	k.RegisterSyscall(SysKill, "kill", sysKill)
	k.RegisterSyscall(SysHandleClose, "handle_close", sysHandleClose)
	k.RegisterSyscall(SysHandleDuplicate, "handle_duplicate", sysHandleDuplicate)
	k.RegisterSyscall(SysHandleFlags, "handle_flags", sysHandleFlags)
	k.RegisterSyscall(SysHandleSetFlags, "handle_set_flags", sysHandleSetFlags)
	k.RegisterSyscall(SysObjectWait, "object_wait", sysObjectWait)
	k.RegisterSyscall(SysTimeBoot, "time_boot", sysTimeBoot)
	k.RegisterSyscall(SysTimeWall, "time_wall", sysTimeWall)
	k.RegisterSyscall(SysTimerCreate, "timer_create", sysTimerCreate)
	k.RegisterSyscall(SysTimerArm, "timer_arm", sysTimerArm)
	k.RegisterSyscall(SysTimerDisarm, "timer_disarm", sysTimerDisarm)
	k.RegisterSyscall(SysAreaCreate, "area_create", sysAreaCreate)
	k.RegisterSyscall(SysAreaOpen, "area_open", sysAreaOpen)
	k.RegisterSyscall(SysAreaSize, "area_size", sysAreaSize)
	k.RegisterSyscall(SysAreaResize, "area_resize", sysAreaResize)
	k.RegisterSyscall(SysVMMap, "vm_map", sysVMMap)
	k.RegisterSyscall(SysVMUnmap, "vm_unmap", sysVMUnmap)
	k.RegisterSyscall(SysMutexLock, "mutex_lock", sysMutexLock)
	k.RegisterSyscall(SysMutexUnlock, "mutex_unlock", sysMutexUnlock)
	k.RegisterSyscall(SysObjectType, "object_type", sysObjectType)
	k.RegisterSyscall(SysObjectWaitMultiple, "object_wait_multiple", sysObjectWaitMultiple)
	k.RegisterSyscall(SysFSOpen, "fs_open", sysFSOpen)
	k.RegisterSyscall(SysFSCreate, "fs_create", sysFSCreate)
	k.RegisterSyscall(SysFSUnlink, "fs_unlink", sysFSUnlink)
	k.RegisterSyscall(SysFSRead, "fs_read", sysFSRead)
	k.RegisterSyscall(SysFSWrite, "fs_write", sysFSWrite)
	k.RegisterSyscall(SysFSSeek, "fs_seek", sysFSSeek)
	k.RegisterSyscall(SysFSReadDir, "fs_read_dir", sysFSReadDir)
	k.RegisterSyscall(SysFSTruncate, "fs_truncate", sysFSTruncate)
	k.RegisterSyscall(SysFSSync, "fs_sync", sysFSSync)
	k.RegisterSyscall(SysFSMount, "fs_mount", sysFSMount)
	k.RegisterSyscall(SysFSUnmount, "fs_unmount", sysFSUnmount)
	k.RegisterSyscall(SysFSSetCwd, "fs_set_cwd", sysFSSetCwd)
	k.RegisterSyscall(SysPortCreate, "port_create", sysPortCreate)
	k.RegisterSyscall(SysPortOpen, "port_open", sysPortOpen)
	k.RegisterSyscall(SysPortListen, "port_listen", sysPortListen)
	k.RegisterSyscall(SysPortConnect, "port_connect", sysPortConnect)
	k.RegisterSyscall(SysMsgSend, "msg_send", sysMsgSend)
	k.RegisterSyscall(SysMsgReceive, "msg_receive", sysMsgReceive)
	k.RegisterSyscall(SysSemCreate, "semaphore_create", sysSemCreate)
	k.RegisterSyscall(SysSemOpen, "semaphore_open", sysSemOpen)
	k.RegisterSyscall(SysSemDown, "semaphore_down", sysSemDown)
	k.RegisterSyscall(SysSemUp, "semaphore_up", sysSemUp)
	k.RegisterSyscall(SysSignalAction, "signal_action", sysSignalAction)
	k.RegisterSyscall(SysSignalMask, "signal_mask", sysSignalMask)
	k.RegisterSyscall(SysSignalRaise, "signal_raise", sysSignalRaise)
	k.RegisterSyscall(SysSignalReturn, "signal_return", sysSignalReturn)
	k.RegisterSyscall(SysModuleLoad, "module_load", sysModuleLoad)
	k.RegisterSyscall(SysModuleUnload, "module_unload", sysModuleUnload)
}

func sysThreadExit(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}
	t.Exit(ctx, int32(args[0]))
	return 0, status.Success
}

func sysThreadID(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}
	return uint64(t.ID()), status.Success
}

func sysThreadSleep(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}

	var flags ksync.SleepFlags = ksync.SleepInterruptible
	if args[1]&1 != 0 {
		flags |= ksync.SleepAbsolute
	}
	return 0, t.Sleep(ctx, int64(args[0]), flags)
}

func sysProcessExit(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	p.Exit(ctx, int32(args[0]))
	return 0, status.Success
}

func sysProcessID(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return uint64(p.ID()), status.Success
}

func sysKill(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, k.Procs.Kill(ctx, p.Security(), int32(args[0]), int32(args[1]))
}

func sysHandleClose(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, p.Handles().Close(ctx, int32(args[0]))
}

func sysHandleDuplicate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	id, st := p.Handles().Duplicate(ctx, int32(args[0]), int32(int64(args[1])))
	return uint64(id), st
}

func sysHandleFlags(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	flags, st := p.Handles().Flags(ctx, int32(args[0]))
	return uint64(flags), st
}

func sysHandleSetFlags(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, p.Handles().SetFlags(ctx, int32(args[0]), object.HandleFlags(args[1]))
}

func sysObjectWait(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	h, st := p.Handles().Lookup(ctx, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	return 0, object.Wait(ctx, h, waiter.EventType(args[1]), int64(args[2]))
}

func sysTimeBoot(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	return uint64(k.Uptime()), status.Success
}

func sysTimeWall(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	return uint64(k.Machine.WallTime()), status.Success
}

func sysTimerCreate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	timer := proc.NewTimer(k.Sched)
	id, st := p.Handles().Attach(ctx, timer, object.RightWait|object.RightWrite|object.RightDestroy, 0)
	timer.Release(ctx) // table holds the reference now
	return uint64(id), st
}

func timerFromHandle(ctx context.Context, p *proc.Process, id int32) (*proc.Timer, status.Status) {
	h, st := p.Handles().LookupType(ctx, id, object.TypeTimer)
	if st != status.Success {
		return nil, st
	}
	if st := h.Check(object.RightWrite); st != status.Success {
		return nil, st
	}
	return h.Object().(*proc.Timer), status.Success
}

func sysTimerArm(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	timer, st := timerFromHandle(ctx, p, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	return 0, timer.Arm(ctx, int64(args[1]), int64(args[2]))
}

func sysTimerDisarm(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	timer, st := timerFromHandle(ctx, p, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	return 0, timer.Disarm(ctx)
}

func sysAreaCreate(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	area, st := k.Areas.Create(ctx, args[0])
	if st != status.Success {
		return 0, st
	}
	id, st := p.Handles().Attach(ctx, area,
		object.RightRead|object.RightWrite|object.RightTransfer|object.RightDestroy, 0)
	area.Release(ctx)
	return uint64(id), st
}

func sysAreaOpen(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	area, st := k.Areas.Open(ctx, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	id, st := p.Handles().Attach(ctx, area, object.RightRead|object.RightTransfer, 0)
	area.Release(ctx)
	return uint64(id), st
}

func areaFromHandle(ctx context.Context, p *proc.Process, id int32, want object.Rights) (*Area, status.Status) {
	h, st := p.Handles().LookupType(ctx, id, object.TypeMemoryArea)
	if st != status.Success {
		return nil, st
	}
	if st := h.Check(want); st != status.Success {
		return nil, st
	}
	return h.Object().(*Area), status.Success
}

func sysAreaSize(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	area, st := areaFromHandle(ctx, p, int32(args[0]), object.RightRead)
	if st != status.Success {
		return 0, st
	}
	return area.Size(), status.Success
}

func sysAreaResize(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	area, st := areaFromHandle(ctx, p, int32(args[0]), object.RightWrite)
	if st != status.Success {
		return 0, st
	}
	return 0, area.Resize(ctx, args[1])
}

// sysVMMap maps an area handle (arg0) at addr (arg1) size (arg2) with
// spec (arg3) and access (arg4).
func sysVMMap(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	access := mmu.Access(args[4])
	want := object.RightRead
	if access&mmu.AccessWrite != 0 {
		want |= object.RightWrite
	}

	area, st := areaFromHandle(ctx, p, int32(args[0]), want)
	if st != status.Success {
		return 0, st
	}

	base, st := area.Map(ctx, p.AddressSpace(), args[1], args[2], vm.AddrSpec(args[3]), access)
	return base, st
}

func sysVMUnmap(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, p.AddressSpace().Unmap(ctx, args[0], args[1])
}

func sysMutexLock(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, k.Futexes.Wait(ctx, p.AddressSpace(), args[0], uint32(args[1]), int64(args[2]))
}

func sysMutexUnlock(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	woken, st := k.Futexes.Wake(ctx, p.AddressSpace(), args[0], int(args[1]))
	return uint64(woken), st
}

func sysObjectType(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	h, st := p.Handles().Lookup(ctx, int32(args[0]))
	if st != status.Success {
		return 0, st
	}
	return uint64(h.Object().ObjectType()), status.Success
}

// maxWaitRefs bounds one object_wait_multiple call.
const maxWaitRefs = 64

// sysObjectWaitMultiple reads count {handle u64, mask u64} pairs from
// user memory at arg0 and blocks until one object publishes a masked
// event, returning the index of the reference that fired.
func sysObjectWaitMultiple(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}

	count := int(args[1])
	if count <= 0 || count > maxWaitRefs {
		return 0, status.InvalidArg
	}

	buf := make([]byte, count*16)
	if st := p.AddressSpace().ReadBytes(ctx, args[0], buf); st != status.Success {
		return 0, st
	}

	refs := make([]object.WaitRef, count)
	for i := 0; i < count; i++ {
		id := int32(binary.LittleEndian.Uint64(buf[i*16:]))
		mask := binary.LittleEndian.Uint64(buf[i*16+8:])

		h, st := p.Handles().Lookup(ctx, id)
		if st != status.Success {
			return 0, st
		}
		refs[i] = object.WaitRef{Handle: h, Mask: waiter.EventType(mask)}
	}

	idx, st := object.WaitMultiple(ctx, refs, int64(args[2]))
	if st != status.Success {
		return 0, st
	}
	return uint64(idx), status.Success
}

// moduleNameMax bounds a module name read from user memory.
const moduleNameMax = 64

func sysModuleLoad(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	name, st := p.AddressSpace().ReadCString(ctx, args[0], moduleNameMax)
	if st != status.Success {
		return 0, st
	}
	return 0, k.modules.LoadByName(ctx, k, name)
}

func sysModuleUnload(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	name, st := p.AddressSpace().ReadCString(ctx, args[0], moduleNameMax)
	if st != status.Success {
		return 0, st
	}
	return 0, k.modules.Unload(ctx, k, name)
}
