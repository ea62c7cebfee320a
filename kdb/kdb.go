// Package kdb is the in-kernel debugger: a polled console with a small
// line editor and inspection commands, entered on a fatal error or an
// explicit breakpoint. Everything here reads subsystem state directly;
// the rest of the kernel is frozen only by convention, so output can be
// slightly stale on a live system.
package kdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aejsmith/kiwi-sub011/kernel"
	"github.com/aejsmith/kiwi-sub011/platform"
)

// Debugger owns the console session.
type Debugger struct {
	k   *kernel.Kernel
	con platform.Console

	commands map[string]*command
	history  []string
}

type command struct {
	name  string
	usage string
	help  string
	fn    func(d *Debugger, args []string) bool // returns false to leave KDB
}

// New creates a debugger bound to the kernel's console.
func New(k *kernel.Kernel) *Debugger {
	d := &Debugger{
		k:   k,
		con: k.Machine.Console(),
	}
	d.registerCommands()
	return d
}

// Install hooks the debugger into the kernel's fatal path.
func (d *Debugger) Install() {
	kernel.SetFatalHook(func(reason string) {
		d.run("fatal: " + reason)
	})
}

// Enter drops into the debugger from a breakpoint.
func (d *Debugger) Enter(reason string) {
	d.run(reason)
}

func (d *Debugger) run(reason string) {
	d.printf("\nKDB: %s\n", reason)
	d.printf("type 'help' for commands, 'continue' to leave\n")

	for {
		line := d.readLine("kdb> ")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmd, ok := d.commands[fields[0]]
		if !ok {
			d.printf("unknown command %q\n", fields[0])
			continue
		}
		if !cmd.fn(d, fields[1:]) {
			return
		}
	}
}

func (d *Debugger) printf(format string, args ...interface{}) {
	d.con.Puts(fmt.Sprintf(format, args...))
}

// Write lets tabwriter and friends target the console directly.
func (d *Debugger) Write(p []byte) (int, error) {
	d.con.Puts(string(p))
	return len(p), nil
}

func (d *Debugger) register(name, usage, help string, fn func(d *Debugger, args []string) bool) {
	d.commands[name] = &command{name: name, usage: usage, help: help, fn: fn}
}

func (d *Debugger) registerCommands() {
	d.commands = make(map[string]*command)

	d.register("help", "help", "list commands", cmdHelp)
	d.register("continue", "continue", "leave the debugger", cmdContinue)
	d.register("cpus", "cpus", "per-CPU scheduler state", cmdCPUs)
	d.register("ps", "ps", "list processes", cmdPS)
	d.register("thread", "thread [id]", "list threads, or dump one", cmdThread)
	d.register("backtrace", "backtrace", "stacks of every kernel goroutine", cmdBacktrace)
	d.register("log", "log [trace]", "replay recent log output", cmdLog)
}

func cmdHelp(d *Debugger, args []string) bool {
	var names []string
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := d.commands[name]
		d.printf("  %-18s %s\n", c.usage, c.help)
	}
	return true
}

func cmdContinue(d *Debugger, args []string) bool {
	return false
}
