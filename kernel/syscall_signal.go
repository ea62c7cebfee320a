package kernel

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Signal mask operations for sysSignalMask.
const (
	SigMaskSet uint64 = iota
	SigMaskBlock
	SigMaskUnblock
)

// sysSignalAction installs the action for signal arg0: handler entry
// arg1, flags arg2, handler mask arg3.
func sysSignalAction(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	p, st := currentProcess(ctx)
	if st != status.Success {
		return 0, st
	}
	return 0, p.SetAction(int32(args[0]), proc.SigAction{
		Handler: args[1],
		Flags:   uint32(args[2]),
		Mask:    args[3],
	})
}

// sysSignalMask updates the calling thread's block mask with operation
// arg0 and mask arg1, returning the previous mask.
func sysSignalMask(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}

	old := t.SignalMask()
	switch args[0] {
	case SigMaskSet:
		t.SetSignalMask(args[1])
	case SigMaskBlock:
		t.SetSignalMask(old | args[1])
	case SigMaskUnblock:
		t.SetSignalMask(old &^ args[1])
	default:
		return 0, status.InvalidArg
	}
	return old, status.Success
}

// sysSignalRaise posts signal arg0 to the calling thread; it is
// observed at the next kernel-to-user return.
func sysSignalRaise(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}

	sig := int32(args[0])
	if sig < 1 || sig > proc.NumSignals {
		return 0, status.InvalidArg
	}
	t.PostSignal(sig, proc.SigInfo{Signo: sig, PID: t.Process().ID()})
	return 0, status.Success
}

// sysSignalReturn undoes a handler entry: it restores the saved mask
// arg2 and reports the saved IP arg0 back so the runtime resumes the
// interrupted context (SP arg1).
func sysSignalReturn(ctx context.Context, k *Kernel, args [6]uint64) (uint64, status.Status) {
	t, ok := proc.CurrentThread(ctx)
	if !ok {
		return 0, status.InvalidRequest
	}

	restored := t.Sigreturn(&proc.SigFrame{
		Context: proc.SigContext{IP: args[0], SP: args[1], Mask: args[2]},
	})
	return restored.IP, status.Success
}
