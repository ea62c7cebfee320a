// Package log carries the kernel log. Subsystems take named sub-loggers
// so KDB's log command can filter by origin.
package log

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name:   "kiwi",
		Output: io.MultiWriter(os.Stderr, ring),
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Named returns a sub-logger for a kernel subsystem.
func Named(name string) hclog.Logger {
	return L.Named(name)
}

func EnableDebug() {
	L.SetLevel(hclog.Trace)
}
