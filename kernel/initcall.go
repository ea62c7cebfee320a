package kernel

import (
	"context"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/status"
)

// initcall is a statically registered boot hook.
type initcall struct {
	name string
	fn   func(ctx context.Context, k *Kernel) status.Status
}

var initcalls []initcall

// RegisterInitcall adds a hook run during Boot, after the core is
// online, in registration order. Call from package init functions.
func RegisterInitcall(name string, fn func(ctx context.Context, k *Kernel) status.Status) {
	initcalls = append(initcalls, initcall{name: name, fn: fn})
}

func runInitcalls(ctx context.Context, k *Kernel) status.Status {
	l := log.Named("init")
	for _, ic := range initcalls {
		l.Debug("initcall", "name", ic.name)
		if st := ic.fn(ctx, k); st != status.Success {
			l.Error("initcall failed", "name", ic.name, "status", st)
			return st
		}
	}
	return status.Success
}
