package proc

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// ThreadState is a thread's lifecycle state.
type ThreadState int32

const (
	StateReady ThreadState = iota
	StateRunning
	StateSleeping
	StateStopped
	StateDead
)

func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Thread events published on the notifier.
const (
	ThreadEventDeath waiter.EventType = 1 << iota
)

// Thread is a kernel thread. The backing goroutine only executes while
// the thread holds a CPU grant from its dispatcher.
type Thread struct {
	object.Base

	id    int32
	proc  *Process
	sched *Scheduler
	entry func(ctx context.Context)

	state    int32
	priority int32
	affinity uint64 // bitmask of allowed CPUs; 0 means any
	quantum  int32
	preempt  int32
	cpu      int32 // last CPU dispatched on

	runCh chan struct{}

	mu                 sync.Mutex
	name               string
	tls                uint64
	fpu                []byte // lazy FPU save area
	sleepEntry         *ksync.Entry
	sleepInterruptible bool
	stopEntry          *ksync.Entry

	spinHeld int32

	signals    signalState
	exceptions [exceptionMax]ExceptionHandler

	exitStatus int32
	started    bool
}

func newThread(sched *Scheduler, p *Process, id int32, name string, entry func(ctx context.Context)) *Thread {
	t := &Thread{
		id:       id,
		proc:     p,
		sched:    sched,
		entry:    entry,
		name:     name,
		priority: PriorityDefault,
		state:    int32(StateReady),
		runCh:    make(chan struct{}, 1),
	}
	t.InitObject(object.TypeThread, nil)
	return t
}

func (t *Thread) ID() int32         { return t.id }
func (t *Thread) Process() *Process { return t.proc }

func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Thread) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *Thread) State() ThreadState {
	return ThreadState(atomic.LoadInt32(&t.state))
}

func (t *Thread) setState(s ThreadState) {
	atomic.StoreInt32(&t.state, int32(s))
}

func (t *Thread) Priority() int {
	return int(atomic.LoadInt32(&t.priority))
}

func (t *Thread) SetPriority(pri int) status.Status {
	if pri < 0 || pri >= NumPriorities {
		return status.InvalidArg
	}
	atomic.StoreInt32(&t.priority, int32(pri))
	return status.Success
}

// SetAffinity restricts the thread to the CPUs in mask; 0 allows all.
func (t *Thread) SetAffinity(mask uint64) {
	atomic.StoreUint64(&t.affinity, mask)
}

func (t *Thread) canRunOn(cpu platform.CPUID) bool {
	mask := atomic.LoadUint64(&t.affinity)
	return mask == 0 || mask&(1<<uint(cpu)) != 0
}

func (t *Thread) lastCPU() platform.CPUID {
	return platform.CPUID(atomic.LoadInt32(&t.cpu))
}

// SetTLS records the thread-local storage base.
func (t *Thread) SetTLS(base uint64) {
	t.mu.Lock()
	t.tls = base
	t.mu.Unlock()
}

func (t *Thread) TLS() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tls
}

// TouchFPU lazily materialises the FPU save area, standing in for the
// first-use trap that hands FPU state between threads.
func (t *Thread) TouchFPU() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fpu == nil {
		t.fpu = make([]byte, 512)
	}
	return t.fpu
}

// dispatchOn records dispatch bookkeeping before the CPU is granted.
func (t *Thread) dispatchOn(c *cpuRun) {
	atomic.StoreInt32(&t.cpu, int32(c.id))
	atomic.StoreInt32(&t.quantum, defaultQuantum)

	if t.proc != nil && t.proc.aspace != nil {
		t.proc.aspace.MMU().SwitchTo(c.id)
	}
}

// start launches the backing goroutine; it waits for its first
// dispatch before running the entry function.
func (t *Thread) start() {
	t.started = true
	go t.main()
	t.sched.ready(t)
}

func (t *Thread) main() {
	<-t.runCh
	t.setState(StateRunning)

	ctx := t.Context(context.Background())

	t.entry(ctx)

	t.exit(ctx, 0)
}

// Context attaches the thread to a context for the blocking
// primitives and syscall layer.
func (t *Thread) Context(ctx context.Context) context.Context {
	ctx = ksync.WithCurrent(ctx, t)
	return withThread(ctx, t)
}

// Exit terminates the calling thread.
func (t *Thread) Exit(ctx context.Context, code int32) {
	t.exit(ctx, code)
}

func (t *Thread) exit(ctx context.Context, code int32) {
	t.mu.Lock()
	t.exitStatus = code
	t.mu.Unlock()

	t.setState(StateDead)
	t.Events().Notify(ThreadEventDeath)

	if t.proc != nil {
		t.proc.threadExited(ctx, t)
	}

	log.Named("thread").Trace("thread-exit", "tid", t.id, "code", code)

	t.sched.yieldCPU(t)

	// The goroutine ends here; the Thread structure stays alive
	// until the last handle reference drops.
	runtime.Goexit()
}

// ksync.Thread implementation.

func (t *Thread) ThreadID() int32 { return t.id }

func (t *Thread) SpinEnter() { atomic.AddInt32(&t.spinHeld, 1) }
func (t *Thread) SpinExit()  { atomic.AddInt32(&t.spinHeld, -1) }
func (t *Thread) SpinHeld() int {
	return int(atomic.LoadInt32(&t.spinHeld))
}

// Block implements the suspension point: the thread gives its CPU back
// to the dispatcher and sleeps until the wait queue entry is
// signalled, its timeout fires, or a signal interrupts it.
func (t *Thread) Block(e *ksync.Entry, timeout int64, flags ksync.SleepFlags) status.Status {
	interruptible := flags&ksync.SleepInterruptible != 0

	t.mu.Lock()
	if interruptible && t.signals.pendingUnmasked() != 0 {
		t.mu.Unlock()
		return status.Interrupted
	}
	t.sleepEntry = e
	t.sleepInterruptible = interruptible
	t.mu.Unlock()

	var tm *timerEvent
	tmCPU := t.lastCPU()
	if timeout > 0 {
		deadline := timeout
		if flags&ksync.SleepAbsolute == 0 {
			deadline += t.sched.machine.Now()
		}
		tm = t.sched.addTimer(tmCPU, deadline, func() {
			e.Signal(status.TimedOut)
		})
	}

	t.setState(StateSleeping)
	t.sched.yieldCPU(t)

	st := <-e.Chan()

	if tm != nil {
		t.sched.cancelTimer(tmCPU, tm)
	}

	t.mu.Lock()
	t.sleepEntry = nil
	t.sleepInterruptible = false
	t.mu.Unlock()

	// Wait to be scheduled again before returning to the caller.
	t.sched.ready(t)
	<-t.runCh
	t.setState(StateRunning)

	return st
}

// Interrupt breaks an interruptible sleep. Signal delivery calls it.
func (t *Thread) Interrupt() {
	t.mu.Lock()
	e := t.sleepEntry
	ok := t.sleepInterruptible
	t.mu.Unlock()

	if e != nil && ok {
		e.Signal(status.Interrupted)
	}
}

// Preempt yields the CPU if the tick handler flagged quantum
// exhaustion. Syscall boundaries call this.
func (t *Thread) Preempt() {
	if t.sched.Preempted(t) {
		t.setState(StateReady)
		t.sched.Reschedule(t)
	}
}

// Sleep suspends the thread for the given duration (or until the
// absolute deadline). Interruptible sleeps return Interrupted when a
// signal arrives.
func (t *Thread) Sleep(ctx context.Context, timeout int64, flags ksync.SleepFlags) status.Status {
	if timeout == 0 {
		t.setState(StateReady)
		t.sched.Reschedule(t)
		return status.Success
	}

	q := ksync.NewWaitQueue("thread-sleep")
	st := q.Sleep(ctx, timeout, flags)
	if st == status.TimedOut {
		// Expiry is the normal way out of a sleep.
		return status.Success
	}
	return st
}

type threadKey struct{}

func withThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// CurrentThread returns the thread attached to the context.
func CurrentThread(ctx context.Context) (*Thread, bool) {
	if v := ctx.Value(threadKey{}); v != nil {
		return v.(*Thread), true
	}
	return nil, false
}
