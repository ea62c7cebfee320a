package platform

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aejsmith/kiwi-sub011/log"
)

// Hosted implements Machine on top of the host: goroutines stand in for
// CPUs, time.Ticker is the tick source and IPIs travel over channels to
// a per-CPU service goroutine.
type Hosted struct {
	cpus    []*hostedCPU
	boot    time.Time
	console Console

	mu        sync.RWMutex
	currentFn CurrentFunc
}

type hostedCPU struct {
	id  CPUID
	ipi chan ipiRequest
}

type ipiRequest struct {
	fn   IPIFunc
	arg  interface{}
	done chan struct{}
}

// NewHosted creates a hosted machine with ncpus logical CPUs. If ncpus
// is zero the host CPU count is used.
func NewHosted(ncpus int) *Hosted {
	if ncpus <= 0 {
		ncpus = runtime.NumCPU()
	}

	h := &Hosted{
		boot:    time.Now(),
		console: newHostConsole(),
	}

	for i := 0; i < ncpus; i++ {
		cpu := &hostedCPU{
			id:  CPUID(i),
			ipi: make(chan ipiRequest, 32),
		}
		h.cpus = append(h.cpus, cpu)
		go cpu.serviceIPIs()
	}

	log.Named("platform").Debug("hosted machine online", "cpus", ncpus)
	return h
}

func (c *hostedCPU) serviceIPIs() {
	for req := range c.ipi {
		req.fn(req.arg)
		if req.done != nil {
			close(req.done)
		}
	}
}

func (h *Hosted) NumCPUs() int {
	return len(h.cpus)
}

func (h *Hosted) CurrentCPU() CPUID {
	h.mu.RLock()
	fn := h.currentFn
	h.mu.RUnlock()

	if fn == nil {
		return 0
	}
	return fn()
}

// SetCurrentFunc installs the scheduler's CPU resolver.
func (h *Hosted) SetCurrentFunc(fn CurrentFunc) {
	h.mu.Lock()
	h.currentFn = fn
	h.mu.Unlock()
}

func (h *Hosted) Now() int64 {
	return int64(time.Since(h.boot))
}

func (h *Hosted) WallTime() int64 {
	return time.Now().UnixNano()
}

func (h *Hosted) SpinHint() {
	runtime.Gosched()
}

var barrierWord int64

func (h *Hosted) MemoryBarrier() {
	// A host atomic provides the full fence.
	atomic.AddInt64(&barrierWord, 0)
}

func (h *Hosted) StartTick(period time.Duration, fn func(cpu CPUID)) func() {
	ticker := time.NewTicker(period)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				for _, cpu := range h.cpus {
					fn(cpu.id)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func (h *Hosted) IPI(target CPUID, fn IPIFunc, arg interface{}, sync bool) {
	if int(target) >= len(h.cpus) {
		return
	}

	req := ipiRequest{fn: fn, arg: arg}
	if sync {
		req.done = make(chan struct{})
	}

	h.cpus[target].ipi <- req

	if sync {
		<-req.done
	}
}

func (h *Hosted) BroadcastIPI(fn IPIFunc, arg interface{}, sync bool) {
	self := h.CurrentCPU()

	var acks []chan struct{}

	for _, cpu := range h.cpus {
		if cpu.id == self {
			continue
		}

		req := ipiRequest{fn: fn, arg: arg}
		if sync {
			req.done = make(chan struct{})
			acks = append(acks, req.done)
		}
		cpu.ipi <- req
	}

	for _, c := range acks {
		<-c
	}
}

func (h *Hosted) Console() Console {
	return h.console
}
