package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/pseudocoder/livesync/internal/mdns"
)

// discoverBrokers is replaced in tests.
var discoverBrokers = mdns.Discover

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse the local network")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: livesync discover [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *timeout <= 0 {
		fmt.Fprintln(stderr, "Error: --timeout must be positive")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	brokers, err := discoverBrokers(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		if brokers == nil {
			brokers = []mdns.DiscoveredBroker{}
		}
		return writeJSON(stdout, stderr, brokers)
	}

	if len(brokers) == 0 {
		fmt.Fprintln(stdout, "No brokers found on the local network.")
		return 0
	}
	fmt.Fprintf(stdout, "Found %d broker(s):\n", len(brokers))
	for _, b := range brokers {
		fmt.Fprintf(stdout, "  %-24s %s (protocol %s)\n", b.Name, b.URL, b.Version)
	}
	return 0
}
