package kernel

import (
	"fmt"
	"runtime"

	"github.com/aejsmith/kiwi-sub011/log"
)

// fatalHook is installed by the debugger so a fatal error lands in KDB
// before the process dies.
var fatalHook func(reason string)

// SetFatalHook installs the debugger entry hook.
func SetFatalHook(fn func(reason string)) {
	fatalHook = fn
}

// Fatal reports an unrecoverable kernel error: it logs the reason and
// a stack trace, hands control to the debugger if one is attached,
// then panics.
func Fatal(format string, args ...interface{}) {
	reason := fmt.Sprintf(format, args...)

	buf := make([]byte, 16384)
	buf = buf[:runtime.Stack(buf, true)]

	log.L.Error("fatal error", "reason", reason)
	log.L.Error(string(buf))

	if fatalHook != nil {
		fatalHook(reason)
	}

	panic("kernel fatal: " + reason)
}
