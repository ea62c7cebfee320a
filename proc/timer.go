package proc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/object"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/platform"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Timer events published on the notifier.
const (
	// TimerEventFired publishes on every expiry.
	TimerEventFired waiter.EventType = 1 << iota
)

// Timer is a waitable kernel object driven by the scheduler's per-CPU
// timer heaps. One-shot timers fire once; periodic timers re-arm
// themselves on each expiry.
type Timer struct {
	object.Base

	sched *Scheduler

	mu       sync.Mutex
	cpu      platform.CPUID
	ev       *timerEvent
	interval int64 // 0 for one-shot
	armed    bool
	fires    int64
}

// NewTimer creates a disarmed timer object.
func NewTimer(sched *Scheduler) *Timer {
	t := &Timer{sched: sched}
	t.InitObject(object.TypeTimer, func(ctx context.Context) {
		t.Disarm(ctx)
	})
	return t
}

// Arm schedules the timer to fire initial nanoseconds from now, then
// every interval nanoseconds if interval is non-zero. Re-arming an
// armed timer replaces its schedule.
func (t *Timer) Arm(ctx context.Context, initial, interval int64) status.Status {
	if initial <= 0 || interval < 0 {
		return status.InvalidArg
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed {
		t.sched.cancelTimer(t.cpu, t.ev)
	}

	t.interval = interval
	t.cpu = 0
	t.armed = true
	t.schedule(t.sched.machine.Now() + initial)

	return status.Success
}

// schedule registers the next expiry. Called with t.mu held.
func (t *Timer) schedule(deadline int64) {
	t.ev = t.sched.addTimer(t.cpu, deadline, func() {
		t.fired(deadline)
	})
}

// fired runs in tick context and must not block.
func (t *Timer) fired(deadline int64) {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return
	}
	t.fires++
	if t.interval > 0 {
		t.schedule(deadline + t.interval)
	} else {
		t.armed = false
	}
	t.mu.Unlock()

	t.Events().Notify(TimerEventFired)
}

// Disarm cancels any pending expiry.
func (t *Timer) Disarm(ctx context.Context) status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed {
		t.sched.cancelTimer(t.cpu, t.ev)
		t.armed = false
	}
	return status.Success
}

// Acknowledge retracts the fired condition so level-triggered waits
// block until the next expiry.
func (t *Timer) Acknowledge() {
	t.Events().Clear(TimerEventFired)
}

// Fires reports how many times the timer has expired.
func (t *Timer) Fires() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fires
}

// Armed reports whether an expiry is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
