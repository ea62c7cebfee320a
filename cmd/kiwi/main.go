package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/aejsmith/kiwi-sub011/fs"
	"github.com/aejsmith/kiwi-sub011/kdb"
	"github.com/aejsmith/kiwi-sub011/kernel"
	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/pkg/waiter"
	"github.com/aejsmith/kiwi-sub011/proc"
	"github.com/aejsmith/kiwi-sub011/status"
)

var (
	fCPUs   = pflag.IntP("cpus", "c", 2, "number of logical CPUs")
	fMemory = pflag.IntP("memory", "m", 128, "physical memory in MiB")
	fRoot   = pflag.StringP("root", "r", "ramfs", "root filesystem type")
	fDebug  = pflag.BoolP("debug", "d", false, "enable trace logging")
	fKDB    = pflag.BoolP("kdb", "k", false, "drop into the debugger after boot")
)

func main() {
	pflag.Parse()

	if *fDebug {
		log.EnableDebug()
	}

	ctx := context.Background()

	k, st := kernel.Boot(ctx, kernel.Config{
		CPUs:     *fCPUs,
		MemoryMB: *fMemory,
		RootFS:   *fRoot,
	})
	if st != status.Success {
		fmt.Fprintf(os.Stderr, "boot failed: %s\n", st)
		os.Exit(1)
	}

	debugger := kdb.New(k)
	debugger.Install()

	if *fKDB {
		debugger.Enter("boot breakpoint")
	}

	p, st := k.StartInit(ctx, "init", initMain)
	if st != status.Success {
		fmt.Fprintf(os.Stderr, "init failed to start: %s\n", st)
		os.Exit(1)
	}

	// Level-triggered so a fast init exiting before we register still
	// wakes us.
	died := make(chan struct{}, 1)
	p.Events().RegisterLevel(&waiter.Event{
		Mask: proc.ProcessEventDeath,
		Callback: func(e *waiter.Event, fired waiter.EventType) {
			select {
			case died <- struct{}{}:
			default:
			}
		},
	})
	<-died

	exit, _ := p.ExitStatus()
	log.L.Info("init exited", "kind", exit.Kind, "code", exit.Code)

	k.Shutdown(ctx)
}

// initMain is the first user process: it exercises the root filesystem
// and leaves a marker for anyone poking at the system with KDB.
func initMain(ctx context.Context) {
	t, _ := proc.CurrentThread(ctx)
	io := t.Process().IO().(*fs.IOContext)

	dir, st := io.Create(ctx, "/etc", fs.DirNode)
	if st != status.Success {
		log.L.Error("init: mkdir /etc", "status", st)
		return
	}
	dir.Release()

	motd := []byte("Kiwi is running\n")
	d, st := io.Create(ctx, "/etc/motd", fs.FileNode)
	if st != status.Success {
		log.L.Error("init: create motd", "status", st)
		return
	}
	d.Release()

	f, st := io.Open(ctx, "/etc/motd", fs.FileRead|fs.FileWrite)
	if st != status.Success {
		log.L.Error("init: open motd", "status", st)
		return
	}
	defer f.Release(ctx)

	if _, st := f.Write(ctx, motd); st != status.Success {
		log.L.Error("init: write motd", "status", st)
		return
	}

	log.L.Info("init up", "pid", t.Process().ID())
}
