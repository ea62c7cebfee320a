package kdb

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

// dumper bounds the depth so a thread dump does not chase the whole
// object graph through its process back-pointer.
var dumper = &spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                3,
	DisableMethods:          true,
	DisablePointerAddresses: false,
}

func cmdCPUs(d *Debugger, args []string) bool {
	tr := tabwriter.NewWriter(d, 4, 8, 1, ' ', 0)

	fmt.Fprintf(tr, "cpu\tqueued\trunning\n")
	for _, st := range d.k.Sched.Stats() {
		curr := st.Current
		if curr == "" {
			curr = "-"
		}
		fmt.Fprintf(tr, "%d\t%d\t%s\n", st.ID, st.Queued, curr)
	}

	tr.Flush()
	return true
}

func procStateName(s proc.ProcState) string {
	switch s {
	case proc.ProcAlive:
		return "alive"
	case proc.ProcZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

func cmdPS(d *Debugger, args []string) bool {
	ctx := context.Background()
	tr := tabwriter.NewWriter(d, 4, 8, 1, ' ', 0)

	fmt.Fprintf(tr, "pid\tstate\tthreads\thandles\tname\n")
	for _, p := range d.k.Procs.Processes() {
		fmt.Fprintf(tr, "%d\t%s\t%d\t%d\t%s\n",
			p.ID(), procStateName(p.State()), len(p.Threads()),
			p.Handles().Count(ctx), p.Name())
	}

	tr.Flush()
	return true
}

func cmdThread(d *Debugger, args []string) bool {
	if len(args) == 0 {
		tr := tabwriter.NewWriter(d, 4, 8, 1, ' ', 0)

		fmt.Fprintf(tr, "tid\tpid\tstate\tpri\tname\n")
		for _, p := range d.k.Procs.Processes() {
			for _, t := range p.Threads() {
				fmt.Fprintf(tr, "%d\t%d\t%s\t%d\t%s\n",
					t.ID(), p.ID(), t.State(), t.Priority(), t.Name())
			}
		}

		tr.Flush()
		return true
	}

	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		d.printf("bad thread id %q\n", args[0])
		return true
	}

	t, st := d.k.Procs.LookupThread(int32(id))
	if st != status.Success {
		d.printf("thread %d: %s\n", id, st)
		return true
	}

	d.con.Puts(dumper.Sdump(t))
	return true
}

func cmdBacktrace(d *Debugger, args []string) bool {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	d.con.Puts(string(buf))
	return true
}

func cmdLog(d *Debugger, args []string) bool {
	if len(args) > 0 && args[0] == "trace" {
		log.EnableDebug()
		d.printf("trace logging enabled\n")
		return true
	}

	for _, line := range log.Recent() {
		d.con.Puts(line)
	}
	return true
}
