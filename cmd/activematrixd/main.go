// Command activematrixd runs the multi-agent Matrix chatbot daemon.
package main

import (
	"fmt"
	"os"
	"strings"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  start    Start the daemon (blocks until shutdown)
  stop     Stop a running daemon
  status   Query a running daemon's health and agent status
  reload   Ask a running daemon to reload its configuration
  version  Print the daemon version

Run "%s <command> -h" for flags on a given command.
`, os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "stop":
		os.Exit(runStop(args))
	case "status":
		os.Exit(runStatus(args))
	case "reload":
		os.Exit(runReload(args))
	case "version":
		fmt.Printf("activematrixd %s\n", Version)
		os.Exit(0)
	case "-h", "--help", "help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}
