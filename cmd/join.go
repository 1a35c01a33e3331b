package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/editor"
	"github.com/pseudocoder/livesync/internal/session"
)

func runJoin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &EndpointOptions{}
	opts.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: livesync join [options] <code|link> [dir]\n\nMirrors the session's files into dir (default: ./<code>).\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Usage: livesync join [options] <code|link> [dir]")
		return 1
	}
	if fs.NArg() > 2 {
		fmt.Fprintf(stderr, "Error: unexpected argument %q\n", fs.Arg(2))
		return 1
	}

	code := fs.Arg(0)
	if strings.HasPrefix(code, "livesync://") {
		target, err := ParseJoinLink(code)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if opts.BrokerURL == "" {
			opts.BrokerURL = target.BrokerURL
		}
		if opts.Fingerprint == "" {
			opts.Fingerprint = target.Fingerprint
		}
		code = target.Code
	}

	mirror := fs.Arg(1)
	if mirror == "" {
		mirror = strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(code))
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	ec, err := opts.resolve(explicitFlags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if opts.LogFile != "" {
		restore, err := redirectLog(opts.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer restore()
	}

	if err := os.MkdirAll(mirror, 0755); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create mirror directory: %v\n", err)
		return 1
	}
	ws, err := editor.NewWorkspace(editor.WorkspaceConfig{Root: mirror, WriteThrough: true})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer ws.Close()

	scfg := endpointConfig(ec, ws, stdout)
	scfg.RequestAllFiles = true
	watch := watchSession(&scfg, ws)

	ep := session.New(scfg)
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err = ep.Join(ctx, code)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to join session: %s\n", describeConnectError(err))
		return 1
	}
	ws.Watch(config.Millis(ec.PollIntervalMs))

	fmt.Fprintf(stdout, "Joined session %s as %s\n", ep.SessionID(), ec.UserName)
	fmt.Fprintf(stdout, "Mirroring into %s\n", ws.Root())

	return supervise(ep, watch, func(ctx context.Context) error {
		return ep.Join(ctx, code)
	}, stdout, stderr)
}
