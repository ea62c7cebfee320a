package proc

import (
	"context"
	"sync"

	"github.com/aejsmith/kiwi-sub011/ksync"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Signal numbers. 0 is never a signal; Kill with 0 is a permission
// probe.
const (
	SigHup  = 1
	SigInt  = 2
	SigQuit = 3
	SigIll  = 4
	SigTrap = 5
	SigAbrt = 6
	SigBus  = 7
	SigFpe  = 8
	SigKill = 9
	SigChld = 10
	SigSegv = 11
	SigStop = 12
	SigCont = 13
	SigTerm = 14
	SigUsr1 = 15
	SigUsr2 = 16

	NumSignals = 32
)

// Special handler values in an action table.
const (
	// HandlerDefault applies the signal's default disposition.
	HandlerDefault uint64 = 0

	// HandlerIgnore discards the signal.
	HandlerIgnore uint64 = 1
)

// SigAction flags.
const (
	// ActionNoDefer leaves the signal unmasked while its handler runs.
	ActionNoDefer uint32 = 1 << iota
)

// SigAction is one entry in a process's action table.
type SigAction struct {
	Handler uint64 // user handler entry point, or a Handler* value
	Flags   uint32
	Mask    uint64 // added to the thread mask during the handler
}

// SigInfo describes a signal's origin.
type SigInfo struct {
	Signo int32
	Code  int32
	Addr  uint64
	PID   int32
	UID   int32
}

// SigContext is the interrupted context saved into a signal frame and
// restored by sigreturn.
type SigContext struct {
	IP   uint64
	SP   uint64
	Mask uint64
}

// SigFrame is the stable frame constructed on the user stack before
// entering a handler. Sigreturn is its inverse transform.
type SigFrame struct {
	Signo   int32
	Info    SigInfo
	Context SigContext
}

// defaultDisposition kinds.
type disposition int

const (
	dispTerminate disposition = iota
	dispIgnore
	dispStop
	dispContinue
)

func defaultDisposition(sig int32) disposition {
	switch sig {
	case SigChld:
		return dispIgnore
	case SigStop:
		return dispStop
	case SigCont:
		return dispContinue
	default:
		return dispTerminate
	}
}

func sigBit(sig int32) uint64 { return 1 << uint(sig-1) }

// signalState is a thread's pending set and block mask.
type signalState struct {
	mu      sync.Mutex
	pending uint64
	mask    uint64
	infos   [NumSignals + 1]SigInfo
}

func (s *signalState) post(sig int32) {
	s.postInfo(sig, SigInfo{Signo: sig})
}

func (s *signalState) postInfo(sig int32, info SigInfo) {
	if sig < 1 || sig > NumSignals {
		return
	}
	s.mu.Lock()
	s.pending |= sigBit(sig)
	s.infos[sig] = info
	s.mu.Unlock()
}

// pendingUnmasked returns the deliverable set. SigKill and SigStop
// cannot be masked.
func (s *signalState) pendingUnmasked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending &^ (s.mask &^ (sigBit(SigKill) | sigBit(SigStop)))
}

// take removes and returns the lowest-numbered deliverable signal, 0
// when none.
func (s *signalState) take() (int32, SigInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deliverable := s.pending &^ (s.mask &^ (sigBit(SigKill) | sigBit(SigStop)))
	for sig := int32(1); sig <= NumSignals; sig++ {
		if deliverable&sigBit(sig) != 0 {
			s.pending &^= sigBit(sig)
			return sig, s.infos[sig]
		}
	}
	return 0, SigInfo{}
}

// SignalMask returns the thread's block mask.
func (t *Thread) SignalMask() uint64 {
	t.signals.mu.Lock()
	defer t.signals.mu.Unlock()
	return t.signals.mask
}

// SetSignalMask replaces the block mask. SigKill and SigStop stay
// deliverable regardless.
func (t *Thread) SetSignalMask(mask uint64) {
	t.signals.mu.Lock()
	t.signals.mask = mask
	t.signals.mu.Unlock()
}

// PostSignal queues sig against the thread and breaks any
// interruptible sleep.
func (t *Thread) PostSignal(sig int32, info SigInfo) {
	t.signals.postInfo(sig, info)
	t.Interrupt()
}

// SetAction installs a handler for sig in the process action table.
// SigKill and SigStop cannot be caught or ignored.
func (p *Process) SetAction(sig int32, act SigAction) status.Status {
	if sig < 1 || sig > NumSignals {
		return status.InvalidArg
	}
	if (sig == SigKill || sig == SigStop) && act.Handler != HandlerDefault {
		return status.InvalidArg
	}

	p.mu.Lock()
	p.sigActions[sig] = act
	p.mu.Unlock()
	return status.Success
}

// Action reads the installed action for sig.
func (p *Process) Action(sig int32) (SigAction, status.Status) {
	if sig < 1 || sig > NumSignals {
		return SigAction{}, status.InvalidArg
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigActions[sig], status.Success
}

// canSignal implements the permission check: same UID or CapKill.
func canSignal(caller SecurityContext, target *Process) bool {
	if caller.Has(CapKill) {
		return true
	}
	return caller.UID == target.Security().UID
}

// Kill posts sig to the process identified by pid. sig 0 performs the
// permission check without delivering anything.
func (m *Manager) Kill(ctx context.Context, caller SecurityContext, pid, sig int32) status.Status {
	if sig < 0 || sig > NumSignals {
		return status.InvalidArg
	}

	target, st := m.LookupProcess(pid)
	if st != status.Success {
		return st
	}
	if !canSignal(caller, target) {
		return status.PermDenied
	}
	if sig == 0 {
		return status.Success
	}

	return target.PostSignal(ctx, sig, SigInfo{Signo: sig})
}

// PostSignal delivers sig to the process: the first thread that does
// not mask it, else the first thread (it stays pending there).
func (p *Process) PostSignal(ctx context.Context, sig int32, info SigInfo) status.Status {
	p.mu.Lock()
	if p.state != ProcAlive {
		p.mu.Unlock()
		return status.NotFound
	}
	var target, fallback *Thread
	for _, t := range p.threads {
		if fallback == nil {
			fallback = t
		}
		if t.SignalMask()&sigBit(sig) == 0 {
			target = t
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		target = fallback
	}
	if target == nil {
		return status.NotFound
	}

	target.PostSignal(sig, info)
	return status.Success
}

// Raise delivers sig synchronously to the calling thread, returning
// the handler frame when a user handler is installed.
func Raise(ctx context.Context, uctx *SigContext, sig int32) (*SigFrame, uint64, status.Status) {
	t, ok := CurrentThread(ctx)
	if !ok {
		return nil, 0, status.InvalidRequest
	}
	if sig < 1 || sig > NumSignals {
		return nil, 0, status.InvalidArg
	}

	t.signals.post(sig)
	frame, handler := t.DeliverSignals(ctx, uctx)
	return frame, handler, status.Success
}

// DeliverSignals runs at the kernel-to-user boundary: it drains
// deliverable signals lowest-numbered first, applying default
// dispositions in the kernel and returning a frame when a user handler
// must run. uctx is the interrupted context to save into the frame.
func (t *Thread) DeliverSignals(ctx context.Context, uctx *SigContext) (*SigFrame, uint64) {
	for {
		sig, info := t.signals.take()
		if sig == 0 {
			return nil, 0
		}

		act, _ := t.proc.Action(sig)

		handler := act.Handler
		if sig == SigKill || sig == SigStop {
			handler = HandlerDefault
		}

		switch handler {
		case HandlerIgnore:
			continue
		case HandlerDefault:
			switch defaultDisposition(sig) {
			case dispIgnore, dispContinue:
				t.resume()
				continue
			case dispStop:
				t.stop(ctx)
				continue
			case dispTerminate:
				log.Named("signal").Debug("fatal signal",
					"tid", t.id, "signal", sig)
				t.proc.kill(ctx, sig)
				t.exit(ctx, 0)
				return nil, 0 // unreachable
			}
		}

		// User handler: save the current context and mask, then mask
		// the action's set for the handler's duration.
		frame := &SigFrame{
			Signo:   sig,
			Info:    info,
			Context: *uctx,
		}
		frame.Context.Mask = t.SignalMask()

		newMask := frame.Context.Mask | act.Mask
		if act.Flags&ActionNoDefer == 0 {
			newMask |= sigBit(sig)
		}
		t.SetSignalMask(newMask)

		return frame, handler
	}
}

// Sigreturn restores the context saved in frame, undoing the handler
// entry transform.
func (t *Thread) Sigreturn(frame *SigFrame) SigContext {
	t.SetSignalMask(frame.Context.Mask)
	return frame.Context
}

// stop parks the thread until SigCont arrives. The sleep is
// uninterruptible; resume signals the entry directly.
func (t *Thread) stop(ctx context.Context) {
	e := ksync.NewEntry(t.id)

	t.mu.Lock()
	t.stopEntry = e
	t.mu.Unlock()

	t.setState(StateStopped)
	t.Block(e, ksync.Forever, 0)

	t.mu.Lock()
	t.stopEntry = nil
	t.mu.Unlock()
}

// resume wakes a stopped thread.
func (t *Thread) resume() {
	t.mu.Lock()
	e := t.stopEntry
	t.mu.Unlock()

	if e != nil {
		e.Signal(status.Success)
	}
}

// Exceptions.

// ExceptionCode identifies a hardware exception class.
type ExceptionCode int32

const (
	ExceptionDivide ExceptionCode = iota
	ExceptionPageFault
	ExceptionIllegal
	ExceptionAbort

	exceptionMax
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionDivide:
		return "divide-by-zero"
	case ExceptionPageFault:
		return "page-fault"
	case ExceptionIllegal:
		return "illegal-instruction"
	case ExceptionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// signal each exception maps to when unhandled.
func (c ExceptionCode) signal() int32 {
	switch c {
	case ExceptionDivide:
		return SigFpe
	case ExceptionPageFault:
		return SigSegv
	case ExceptionIllegal:
		return SigIll
	default:
		return SigAbrt
	}
}

// ExceptionInfo describes one exception occurrence.
type ExceptionInfo struct {
	Code ExceptionCode
	Addr uint64
}

// ExceptionHandler receives dispatched exceptions.
type ExceptionHandler func(info ExceptionInfo)

// SetExceptionHandler installs a per-thread handler slot.
func (t *Thread) SetExceptionHandler(code ExceptionCode, fn ExceptionHandler) status.Status {
	if code < 0 || code >= exceptionMax {
		return status.InvalidArg
	}
	t.mu.Lock()
	t.exceptions[code] = fn
	t.mu.Unlock()
	return status.Success
}

// SetExceptionHandler installs a per-process handler slot, consulted
// when the thread slot is empty.
func (p *Process) SetExceptionHandler(code ExceptionCode, fn ExceptionHandler) status.Status {
	if code < 0 || code >= exceptionMax {
		return status.InvalidArg
	}
	p.mu.Lock()
	p.exceptions[code] = fn
	p.mu.Unlock()
	return status.Success
}

// DispatchException routes an exception through the thread slot, then
// the process slot; unhandled fatal exceptions kill the process with
// an exit status encoding the originating signal.
func (t *Thread) DispatchException(ctx context.Context, info ExceptionInfo) {
	t.mu.Lock()
	th := t.exceptions[info.Code]
	t.mu.Unlock()
	if th != nil {
		th(info)
		return
	}

	p := t.proc
	p.mu.Lock()
	ph := p.exceptions[info.Code]
	p.mu.Unlock()
	if ph != nil {
		ph(info)
		return
	}

	sig := info.Code.signal()
	log.Named("signal").Warn("unhandled exception",
		"tid", t.id, "exception", info.Code, "addr", info.Addr, "signal", sig)

	p.kill(ctx, sig)
	t.exit(ctx, 0)
}
