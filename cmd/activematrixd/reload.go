package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/basket/activematrix/internal/daemon"
)

func runReload(args []string) int {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	pidfile := fs.String("pidfile", defaultPIDFile(), "path to the daemon's pidfile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pid, err := daemon.ReadPIDFile(*pidfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read pidfile: %v\n", err)
		return 1
	}
	if !daemon.ProcessAlive(pid) {
		fmt.Fprintf(os.Stderr, "daemon not running (stale pidfile %s)\n", *pidfile)
		return 1
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "find process %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		fmt.Fprintf(os.Stderr, "signal process %d: %v\n", pid, err)
		return 1
	}
	fmt.Printf("reload signal sent to daemon (pid %d)\n", pid)
	return 0
}
