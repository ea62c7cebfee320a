// Package proc implements threads, processes, the scheduler and the
// signal plumbing. Kernel threads are backed by goroutines, but every
// scheduling decision (run queues, priorities, quanta, work stealing,
// timer expiry) is made by this package: a CPU runs at most one
// thread at a time, granted through its dispatcher.
package proc

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/platform"
)

const (
	// NumPriorities levels; higher values run first.
	NumPriorities = 32

	// PriorityDefault for new threads.
	PriorityDefault = 16

	// defaultQuantum in ticks.
	defaultQuantum = 10

	// TickPeriod drives quantum accounting and timers.
	TickPeriod = time.Millisecond
)

// cpuBootState tracks the SMP bring-up handshake.
type cpuBootState int32

const (
	cpuInit cpuBootState = iota
	cpuAlive
	cpuBooted
	cpuComplete
)

// cpuRun is one CPU's scheduling state.
type cpuRun struct {
	id platform.CPUID

	mu     sync.Mutex
	queues [NumPriorities]threadList
	queued int
	curr   *Thread

	wake chan struct{}

	timerMu sync.Mutex
	timers  timerHeap

	yield chan struct{}

	bootState int32
}

// threadList is a FIFO of ready threads at one priority.
type threadList struct {
	threads []*Thread
}

func (l *threadList) push(t *Thread) { l.threads = append(l.threads, t) }
func (l *threadList) empty() bool    { return len(l.threads) == 0 }

func (l *threadList) pop() *Thread {
	t := l.threads[0]
	l.threads = l.threads[1:]
	return t
}

// Scheduler owns the per-CPU run queues and the dispatchers.
type Scheduler struct {
	machine platform.Machine
	cpus    []*cpuRun

	stopTick func()
	logger   hclog.Logger
}

// NewScheduler creates the scheduler for the machine's CPUs. Start
// performs the SMP bring-up.
func NewScheduler(machine platform.Machine) *Scheduler {
	s := &Scheduler{
		machine: machine,
		logger:  log.Named("sched"),
	}

	for i := 0; i < machine.NumCPUs(); i++ {
		s.cpus = append(s.cpus, &cpuRun{
			id:    platform.CPUID(i),
			wake:  make(chan struct{}, 1),
			yield: make(chan struct{}, 1),
		})
	}

	return s
}

// Start brings the CPUs online. The boot CPU starts immediately;
// secondaries go through the INIT -> ALIVE -> BOOTED -> COMPLETE
// handshake one at a time.
func (s *Scheduler) Start() {
	for i, c := range s.cpus {
		atomic.StoreInt32(&c.bootState, int32(cpuInit))

		go s.cpuLoop(c)

		// Wait for the dispatcher to report in.
		for cpuBootState(atomic.LoadInt32(&c.bootState)) < cpuAlive {
			s.machine.SpinHint()
		}

		atomic.StoreInt32(&c.bootState, int32(cpuBooted))
		atomic.StoreInt32(&c.bootState, int32(cpuComplete))

		if i > 0 {
			s.logger.Trace("secondary-cpu-online", "cpu", c.id)
		}
	}

	s.stopTick = s.machine.StartTick(TickPeriod, s.tick)

	log.Named("sched").Debug("scheduler online", "cpus", len(s.cpus))
}

// Stop shuts the tick source down. Dispatchers idle once their queues
// drain.
func (s *Scheduler) Stop() {
	if s.stopTick != nil {
		s.stopTick()
	}
}

// cpuLoop is the dispatcher: it grants the CPU to one thread at a time
// and waits for the thread to hand it back.
func (s *Scheduler) cpuLoop(c *cpuRun) {
	atomic.StoreInt32(&c.bootState, int32(cpuAlive))

	for {
		t := s.pick(c)
		if t == nil {
			<-c.wake
			continue
		}

		c.mu.Lock()
		c.curr = t
		c.mu.Unlock()

		t.dispatchOn(c)

		// Hand the CPU over and wait for it back.
		t.runCh <- struct{}{}
		<-c.yield

		c.mu.Lock()
		c.curr = nil
		c.mu.Unlock()
	}
}

// pick selects the highest-priority local thread, falling back to
// stealing from other CPUs.
func (s *Scheduler) pick(c *cpuRun) *Thread {
	c.mu.Lock()
	for pri := NumPriorities - 1; pri >= 0; pri-- {
		if !c.queues[pri].empty() {
			t := c.queues[pri].pop()
			c.queued--
			c.mu.Unlock()
			return t
		}
	}
	c.mu.Unlock()

	return s.steal(c)
}

func (s *Scheduler) steal(c *cpuRun) *Thread {
	for _, other := range s.cpus {
		if other == c {
			continue
		}

		other.mu.Lock()
		for pri := NumPriorities - 1; pri >= 0; pri-- {
			q := &other.queues[pri]
			for i, t := range q.threads {
				if !t.canRunOn(c.id) {
					continue
				}
				q.threads = append(q.threads[:i], q.threads[i+1:]...)
				other.queued--
				other.mu.Unlock()
				return t
			}
		}
		other.mu.Unlock()
	}

	return nil
}

// ready places a thread on a run queue and pokes the dispatcher.
// Wake-all callers enqueue in FIFO; the priority scan in pick re-sorts
// execution order.
func (s *Scheduler) ready(t *Thread) {
	c := s.homeCPU(t)

	c.mu.Lock()
	t.setState(StateReady)
	c.queues[t.Priority()].push(t)
	c.queued++
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// homeCPU picks the CPU a ready thread should queue on: its last CPU
// if allowed, else the first CPU in its affinity mask.
func (s *Scheduler) homeCPU(t *Thread) *cpuRun {
	if t.canRunOn(t.lastCPU()) {
		return s.cpus[t.lastCPU()]
	}

	for _, c := range s.cpus {
		if t.canRunOn(c.id) {
			return c
		}
	}
	return s.cpus[0]
}

// yieldCPU hands the caller's CPU back to its dispatcher.
func (s *Scheduler) yieldCPU(t *Thread) {
	c := s.cpus[t.lastCPU()]
	c.yield <- struct{}{}
}

// tick runs on every CPU each tick: expire timers, account quantum.
func (s *Scheduler) tick(cpu platform.CPUID) {
	c := s.cpus[cpu]

	now := s.machine.Now()
	c.runTimers(now)

	c.mu.Lock()
	if t := c.curr; t != nil {
		if atomic.AddInt32(&t.quantum, -1) <= 0 {
			atomic.StoreInt32(&t.preempt, 1)
		}
	}
	c.mu.Unlock()
}

// Preempted reports and clears the current thread's preemption flag;
// syscall boundaries call Reschedule when it is set.
func (s *Scheduler) Preempted(t *Thread) bool {
	return atomic.CompareAndSwapInt32(&t.preempt, 1, 0)
}

// Reschedule yields the calling thread's CPU, requeues it, and waits
// to be dispatched again.
func (s *Scheduler) Reschedule(t *Thread) {
	s.yieldCPU(t)
	s.ready(t)
	<-t.runCh
	t.setState(StateRunning)
}

// CallSingle runs fn on the target CPU, optionally waiting for the
// acknowledgment.
func (s *Scheduler) CallSingle(target platform.CPUID, fn platform.IPIFunc, arg interface{}, sync bool) {
	s.machine.IPI(target, fn, arg, sync)
}

// CallBroadcast runs fn on every other CPU.
func (s *Scheduler) CallBroadcast(fn platform.IPIFunc, arg interface{}, sync bool) {
	s.machine.BroadcastIPI(fn, arg, sync)
}

// timer heap

type timerEvent struct {
	deadline int64
	fn       func()
	index    int
	fired    bool
}

type timerHeap []*timerEvent

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEvent)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// addTimer registers fn to run on cpu's tick once deadline passes.
func (s *Scheduler) addTimer(cpu platform.CPUID, deadline int64, fn func()) *timerEvent {
	c := s.cpus[cpu]

	e := &timerEvent{deadline: deadline, fn: fn}

	c.timerMu.Lock()
	heap.Push(&c.timers, e)
	c.timerMu.Unlock()

	return e
}

func (s *Scheduler) cancelTimer(cpu platform.CPUID, e *timerEvent) {
	c := s.cpus[cpu]

	c.timerMu.Lock()
	if !e.fired && e.index >= 0 && e.index < len(c.timers) && c.timers[e.index] == e {
		heap.Remove(&c.timers, e.index)
	}
	c.timerMu.Unlock()
}

func (c *cpuRun) runTimers(now int64) {
	for {
		c.timerMu.Lock()
		if len(c.timers) == 0 || c.timers[0].deadline > now {
			c.timerMu.Unlock()
			return
		}
		e := heap.Pop(&c.timers).(*timerEvent)
		e.fired = true
		c.timerMu.Unlock()

		e.fn()
	}
}

// CPUStats is per-CPU scheduler state for KDB's cpus command.
type CPUStats struct {
	ID      platform.CPUID
	Queued  int
	Current string
}

func (s *Scheduler) Stats() []CPUStats {
	var out []CPUStats
	for _, c := range s.cpus {
		c.mu.Lock()
		st := CPUStats{ID: c.id, Queued: c.queued}
		if c.curr != nil {
			st.Current = c.curr.Name()
		}
		c.mu.Unlock()
		out = append(out, st)
	}
	return out
}
