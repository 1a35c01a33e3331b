package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `livesync - live collaborative editing over a relay broker

Usage:
  livesync <command> [options]

Commands:
  broker              Run the relay broker
  host [dir]          Share a directory as a new session
  join <code> [dir]   Join a session and mirror it into a directory
  status              Show broker status
  status --session <code>  Look up which broker owns a session
  discover            Find brokers on the local network
  version             Print the version
Run 'livesync <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "broker":
		return runBroker(args[2:], stdout, stderr)
	case "host":
		return runHost(args[2:], stdout, stderr)
	case "join":
		return runJoin(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "livesync %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
