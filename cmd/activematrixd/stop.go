package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/daemon"
)

func defaultPIDFile() string {
	return filepath.Join(config.HomeDir(), "activematrixd.pid")
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	pidfile := fs.String("pidfile", defaultPIDFile(), "path to the daemon's pidfile")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait for graceful exit before sending SIGKILL")
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
		_ = daemon.RemovePIDFile(*pidfile)
		return 1
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "find process %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal process %d: %v\n", pid, err)
		return 1
	}

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Printf("daemon (pid %d) stopped\n", pid)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "daemon (pid %d) did not exit within %s, sending SIGKILL\n", pid, *timeout)
	_ = proc.Signal(syscall.SIGKILL)
	return 1
}
